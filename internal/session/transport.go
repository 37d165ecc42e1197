// ABOUTME: Transport abstraction over the websocket connection
// ABOUTME: Small Conn interface plus the production coder/websocket dialer

package session

import (
	"context"

	"github.com/coder/websocket"
)

// Conn is the transport surface the manager needs: ordered text frames
// in both directions and a close with a status code.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer establishes a transport bound to a target URL.
type Dialer func(ctx context.Context, target string) (Conn, error)

// wsConn adapts *websocket.Conn to the Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}

// DialWebsocket is the production dialer.
func DialWebsocket(ctx context.Context, target string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}
