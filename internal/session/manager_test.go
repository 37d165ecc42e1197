// ABOUTME: Tests for the connection manager
// ABOUTME: Frame classification, close handling, capped reconnect, idempotency

package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a scriptable transport: tests push inbound frames or a
// terminal read error.
type fakeConn struct {
	inbound chan []byte
	readErr chan error

	mu        sync.Mutex
	writes    [][]byte
	closed    bool
	closeCode websocket.StatusCode
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		readErr: make(chan error, 1),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-c.inbound:
		return data, nil
	case err := <-c.readErr:
		return nil, err
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	// Unblock the read loop like a real close would.
	select {
	case c.readErr <- websocket.CloseError{Code: code, Reason: reason}:
	default:
	}
	return nil
}

func (c *fakeConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// fakeEvents records every callback from the manager.
type fakeEvents struct {
	mu        sync.Mutex
	statuses  []Status
	userMsgs  []string
	assistant []string
	sessions  []Session
}

func (e *fakeEvents) StatusChanged(status Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses = append(e.statuses, status)
}

func (e *fakeEvents) UserMessageSent(sess Session, text string, _ time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userMsgs = append(e.userMsgs, text)
	e.sessions = append(e.sessions, sess)
}

func (e *fakeEvents) AssistantMessage(sess Session, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assistant = append(e.assistant, text)
	e.sessions = append(e.sessions, sess)
}

func (e *fakeEvents) assistantMsgs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.assistant))
	copy(out, e.assistant)
	return out
}

func (e *fakeEvents) sentMsgs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.userMsgs))
	copy(out, e.userMsgs)
	return out
}

func (e *fakeEvents) statusHistory() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Status, len(e.statuses))
	copy(out, e.statuses)
	return out
}

// fakeDialer hands out fakeConns and records dial targets. Set fail to
// make every dial attempt error.
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	targets []string
	fail    bool
}

func (d *fakeDialer) dial(_ context.Context, target string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, target)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) target(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.targets[i]
}

func newTestManager(t *testing.T, dialer *fakeDialer, events *fakeEvents, maxRetries int) *Manager {
	t.Helper()
	return NewManager("wss://chat.example.org/chat", Options{
		RetryDelay:   10 * time.Millisecond,
		RetryCeiling: 40 * time.Millisecond,
		MaxRetries:   maxRetries,
		Dial:         dialer.dial,
	}, events, nil)
}

func testSession() Session {
	return Session{
		UserID:       "u1",
		Conversation: "default_conversation",
		DocumentIDs:  []string{"f1", "f2"},
	}
}

func TestManager_ConnectReportsStatuses(t *testing.T) {
	dialer := &fakeDialer{}
	events := &fakeEvents{}
	m := newTestManager(t, dialer, events, 3)

	require.NoError(t, m.Connect(context.Background(), testSession()))

	assert.Equal(t, StatusConnected, m.Status())
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, events.statusHistory())
	assert.Equal(t, "wss://chat.example.org/chat/u1/default_conversation/f1,f2", dialer.target(0))
}

func TestManager_ConnectInvalidSession(t *testing.T) {
	dialer := &fakeDialer{}
	m := newTestManager(t, dialer, &fakeEvents{}, 3)

	err := m.Connect(context.Background(), Session{Conversation: "c1"})
	assert.ErrorIs(t, err, ErrInvalidSession)
	assert.Zero(t, dialer.dialCount())
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestManager_AssistantFrameAppended(t *testing.T) {
	dialer := &fakeDialer{}
	events := &fakeEvents{}
	m := newTestManager(t, dialer, events, 3)
	require.NoError(t, m.Connect(context.Background(), testSession()))

	dialer.conn(0).inbound <- []byte(`{"reporter":"output_message","message":"hello"}`)

	require.Eventually(t, func() bool {
		return len(events.assistantMsgs()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hello"}, events.assistantMsgs())
}

func TestManager_InputEchoDiscarded(t *testing.T) {
	dialer := &fakeDialer{}
	events := &fakeEvents{}
	m := newTestManager(t, dialer, events, 3)
	require.NoError(t, m.Connect(context.Background(), testSession()))

	conn := dialer.conn(0)
	conn.inbound <- []byte(`{"reporter":"input_message","message":"x"}`)
	conn.inbound <- []byte(`{"reporter":"output_message","message":"answer"}`)

	// The answer arriving proves the echo was processed (and dropped)
	// first: frames are handled strictly in order.
	require.Eventually(t, func() bool {
		return len(events.assistantMsgs()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"answer"}, events.assistantMsgs())
}

func TestManager_MalformedFrameDroppedConnectionStaysOpen(t *testing.T) {
	dialer := &fakeDialer{}
	events := &fakeEvents{}
	m := newTestManager(t, dialer, events, 3)
	require.NoError(t, m.Connect(context.Background(), testSession()))

	conn := dialer.conn(0)
	conn.inbound <- []byte("definitely not json")
	conn.inbound <- []byte(`{"reporter":"output_message","message":"still here"}`)

	require.Eventually(t, func() bool {
		return len(events.assistantMsgs()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusConnected, m.Status())
	assert.Equal(t, []string{"still here"}, events.assistantMsgs())
}

func TestManager_SendNotConnected(t *testing.T) {
	dialer := &fakeDialer{}
	events := &fakeEvents{}
	m := newTestManager(t, dialer, events, 3)

	err := m.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, events.sentMsgs())
}

func TestManager_SendWritesCanonicalFrame(t *testing.T) {
	dialer := &fakeDialer{}
	events := &fakeEvents{}
	m := newTestManager(t, dialer, events, 3)
	require.NoError(t, m.Connect(context.Background(), testSession()))

	require.NoError(t, m.Send(context.Background(), "hi"))

	frames := dialer.conn(0).sentFrames()
	require.Len(t, frames, 1)

	var frame struct {
		Type      string `json:"type"`
		Content   string `json:"content"`
		Timestamp string `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	assert.Equal(t, "message", frame.Type)
	assert.Equal(t, "hi", frame.Content)
	_, err := time.Parse(time.RFC3339, frame.Timestamp)
	assert.NoError(t, err)

	assert.Equal(t, []string{"hi"}, events.sentMsgs())
}

func TestManager_NormalCloseDoesNotReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	events := &fakeEvents{}
	m := newTestManager(t, dialer, events, 3)
	require.NoError(t, m.Connect(context.Background(), testSession()))

	dialer.conn(0).readErr <- websocket.CloseError{Code: websocket.StatusNormalClosure}

	require.Eventually(t, func() bool {
		return m.Status() == StatusDisconnected
	}, time.Second, 5*time.Millisecond)

	// Wait past the retry delay: no new dial may happen.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestManager_AbnormalCloseReconnectsSameSession(t *testing.T) {
	dialer := &fakeDialer{}
	events := &fakeEvents{}
	m := newTestManager(t, dialer, events, 3)
	require.NoError(t, m.Connect(context.Background(), testSession()))

	dialer.conn(0).readErr <- websocket.CloseError{Code: websocket.StatusAbnormalClosure}

	require.Eventually(t, func() bool {
		return dialer.dialCount() == 2 && m.Status() == StatusConnected
	}, time.Second, 5*time.Millisecond)

	// The retry carries the identical session tuple.
	assert.Equal(t, dialer.target(0), dialer.target(1))
}

func TestManager_RetryCapReachesFailed(t *testing.T) {
	dialer := &fakeDialer{fail: true}
	events := &fakeEvents{}
	m := newTestManager(t, dialer, events, 2)

	err := m.Connect(context.Background(), testSession())
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return m.Status() == StatusFailed
	}, time.Second, 5*time.Millisecond)

	// Initial attempt plus two retries, then nothing more.
	assert.Equal(t, 3, dialer.dialCount())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, dialer.dialCount())
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	events := &fakeEvents{}
	m := newTestManager(t, dialer, events, 3)
	require.NoError(t, m.Connect(context.Background(), testSession()))

	m.Disconnect()
	before := len(events.statusHistory())
	m.Disconnect()
	m.Disconnect()

	assert.Equal(t, StatusDisconnected, m.Status())
	assert.Equal(t, before, len(events.statusHistory()))

	// The transport close runs off the critical path.
	conn := dialer.conn(0)
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed
	}, time.Second, 5*time.Millisecond)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, websocket.StatusNormalClosure, conn.closeCode)
}

func TestManager_DisconnectCancelsPendingRetry(t *testing.T) {
	dialer := &fakeDialer{}
	events := &fakeEvents{}
	// Long retry delay so the timer is still pending when we disconnect.
	m := NewManager("wss://chat.example.org/chat", Options{
		RetryDelay:   200 * time.Millisecond,
		RetryCeiling: 400 * time.Millisecond,
		MaxRetries:   3,
		Dial:         dialer.dial,
	}, events, nil)
	require.NoError(t, m.Connect(context.Background(), testSession()))

	dialer.conn(0).readErr <- websocket.CloseError{Code: websocket.StatusAbnormalClosure}

	require.Eventually(t, func() bool {
		return m.Status() == StatusDisconnected
	}, time.Second, time.Millisecond)
	m.Disconnect()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, StatusDisconnected, m.Status())
}
