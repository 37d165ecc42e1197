// ABOUTME: Owns the streaming connection lifecycle for the active session
// ABOUTME: Connect/disconnect, capped reconnect with backoff, frame routing

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrNotConnected indicates a send was attempted without an open
// transport. The message is not queued.
var ErrNotConnected = errors.New("not connected")

// Status is the connection state visible to the rest of the client.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected

	// StatusFailed is terminal: the retry budget is exhausted and no
	// further automatic reconnection happens until an explicit Connect.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Events receives state changes and classified inbound traffic from the
// manager. Implemented by the conversation store. Message callbacks carry
// the session they were produced for so stale deliveries can be discarded
// after a user switch.
type Events interface {
	StatusChanged(status Status)
	UserMessageSent(sess Session, text string, at time.Time)
	AssistantMessage(sess Session, text string)
}

// Options configures the manager's retry policy and, for tests, the dialer.
type Options struct {
	// RetryDelay is the delay before the first reconnection attempt.
	RetryDelay time.Duration
	// RetryCeiling caps the exponential backoff.
	RetryCeiling time.Duration
	// MaxRetries bounds consecutive reconnection attempts; 0 disables
	// automatic reconnection entirely.
	MaxRetries int
	// Dial defaults to DialWebsocket.
	Dial Dialer
}

// Manager owns at most one live transport bound to the active session.
// All durable conversation state lives in the store; the manager holds
// only the transport and the retry bookkeeping.
type Manager struct {
	streamBase string
	opts       Options
	events     Events
	logger     *slog.Logger

	mu         sync.Mutex
	conn       Conn
	sess       Session
	status     Status
	retries    int
	retryTimer *time.Timer

	// gen increments on every deliberate teardown. Read loops, retry
	// timers, and dial completions compare their captured value against
	// it so a superseded connection can never touch live state.
	gen int
}

// NewManager creates a connection manager. Pass nil logger for default.
func NewManager(streamBase string, opts Options, events Events, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Dial == nil {
		opts.Dial = DialWebsocket
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.RetryCeiling < opts.RetryDelay {
		opts.RetryCeiling = opts.RetryDelay
	}
	return &Manager{
		streamBase: streamBase,
		opts:       opts,
		events:     events,
		logger:     logger.With("component", "session"),
	}
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Session returns the session the manager is currently bound to.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Connect tears down any prior transport and establishes a new one bound
// to the given session. On dial failure the retry policy takes over, with
// the same session tuple carried across attempts.
func (m *Manager) Connect(ctx context.Context, sess Session) error {
	target, err := BuildTarget(m.streamBase, sess)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.teardownLocked("superseded by new connection")
	gen := m.gen
	m.sess = sess
	m.status = StatusConnecting
	m.mu.Unlock()

	m.events.StatusChanged(StatusConnecting)
	m.logger.Info("connecting",
		"target", target,
		"user_id", sess.UserID,
		"documents", len(sess.DocumentIDs),
	)

	conn, err := m.opts.Dial(ctx, target)
	if err != nil {
		m.mu.Lock()
		var notify Status = -1
		if m.gen == gen {
			notify = m.scheduleRetryLocked(gen, sess)
		}
		m.mu.Unlock()
		if notify >= 0 {
			m.events.StatusChanged(notify)
		}
		return fmt.Errorf("dialing %s: %w", target, err)
	}

	m.mu.Lock()
	if m.gen != gen {
		// A Disconnect or newer Connect won the race while we dialed.
		m.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	m.conn = conn
	m.status = StatusConnected
	m.retries = 0
	m.mu.Unlock()

	m.events.StatusChanged(StatusConnected)
	m.logger.Info("connected", "user_id", sess.UserID)

	go m.readLoop(ctx, gen, conn, sess)
	return nil
}

// Disconnect closes the active transport with the normal closure code and
// cancels any pending reconnection. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardownLocked("client disconnect")
	already := m.status == StatusDisconnected
	m.status = StatusDisconnected
	m.retries = 0
	m.mu.Unlock()

	if !already {
		m.events.StatusChanged(StatusDisconnected)
		m.logger.Info("disconnected")
	}
}

// Send serializes the text as one frame and transmits it, then reports
// the optimistic local copy via Events. Fails with ErrNotConnected when
// no transport is open; the message is not queued.
func (m *Manager) Send(ctx context.Context, text string) error {
	m.mu.Lock()
	if m.status != StatusConnected || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn
	sess := m.sess
	m.mu.Unlock()

	now := time.Now()
	data, err := json.Marshal(outboundFrame{
		Type:      frameTypeMessage,
		Content:   text,
		Timestamp: now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	m.events.UserMessageSent(sess, text, now)
	return nil
}

// teardownLocked invalidates the current generation, stops any pending
// retry, and closes the live transport if there is one.
func (m *Manager) teardownLocked(reason string) {
	m.gen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		// Close outside the critical path; the old read loop exits on
		// the read error and is fenced off by the generation bump.
		go conn.Close(websocket.StatusNormalClosure, reason)
	}
}

// readLoop pumps inbound frames until the transport closes, then hands
// the close over to the retry policy.
func (m *Manager) readLoop(ctx context.Context, gen int, conn Conn, sess Session) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.handleClose(gen, sess, err)
			return
		}
		m.handleFrame(gen, sess, data)
	}
}

// handleFrame classifies one inbound frame. Echoes of the user's own
// input are discarded (the log already holds the optimistic local copy);
// malformed frames are dropped without affecting the connection.
func (m *Manager) handleFrame(gen int, sess Session, data []byte) {
	m.mu.Lock()
	current := m.gen == gen
	m.mu.Unlock()
	if !current {
		return
	}

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		m.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
		return
	}

	switch frame.Reporter {
	case reporterOutput:
		if frame.Message == "" {
			return
		}
		m.events.AssistantMessage(sess, frame.Message)
	case reporterInputEcho:
		m.logger.Debug("discarding input echo")
	default:
		m.logger.Debug("ignoring frame with unknown reporter", "reporter", frame.Reporter)
	}
}

// handleClose runs when the transport closes underneath us. A normal
// closure leaves the manager disconnected; anything else feeds the retry
// schedule with the session that was active at failure time.
func (m *Manager) handleClose(gen int, sess Session, err error) {
	m.mu.Lock()
	if m.gen != gen {
		// Deliberate teardown; Disconnect/Connect already reported.
		m.mu.Unlock()
		return
	}
	m.conn = nil

	code := websocket.CloseStatus(err)
	if code == websocket.StatusNormalClosure {
		m.status = StatusDisconnected
		m.retries = 0
		m.mu.Unlock()
		m.logger.Info("connection closed")
		m.events.StatusChanged(StatusDisconnected)
		return
	}

	m.logger.Warn("connection lost", "close_code", int(code), "error", err)
	notify := m.scheduleRetryLocked(gen, sess)
	m.mu.Unlock()
	m.events.StatusChanged(notify)
}

// scheduleRetryLocked arms the next reconnection attempt, or transitions
// to StatusFailed once the budget is spent. Returns the status to report.
func (m *Manager) scheduleRetryLocked(gen int, sess Session) Status {
	if m.retries >= m.opts.MaxRetries {
		m.status = StatusFailed
		m.logger.Error("giving up on reconnection",
			"attempts", m.retries,
			"user_id", sess.UserID,
		)
		return StatusFailed
	}

	m.retries++
	delay := m.retryDelay(m.retries)
	m.status = StatusDisconnected
	m.logger.Info("scheduling reconnect",
		"attempt", m.retries,
		"max_attempts", m.opts.MaxRetries,
		"delay", delay,
	)

	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.retryTimer = nil
		m.mu.Unlock()

		if err := m.Connect(context.Background(), sess); err != nil {
			m.logger.Warn("reconnect attempt failed", "error", err)
		}
	})
	return StatusDisconnected
}

// retryDelay doubles per attempt, capped at the configured ceiling.
func (m *Manager) retryDelay(attempt int) time.Duration {
	delay := m.opts.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.opts.RetryCeiling {
			return m.opts.RetryCeiling
		}
	}
	if delay > m.opts.RetryCeiling {
		return m.opts.RetryCeiling
	}
	return delay
}
