package display

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWriteTimeout = 10 * time.Second

var errSocketClosed = errors.New("socket closed")

// wsSocket adapts a gorilla connection to Socket. Send must not be called
// concurrently; the pool serializes it per connection.
type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closed       atomic.Bool
	closeOnce    sync.Once
}

func NewSocket(conn *websocket.Conn, writeTimeout time.Duration) Socket {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &wsSocket{conn: conn, writeTimeout: writeTimeout}
}

func (s *wsSocket) IsOpen() bool { return !s.closed.Load() }

func (s *wsSocket) Send(ctx context.Context, data []byte) error {
	if s.closed.Load() {
		return errSocketClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.closed.Store(true)
		return err
	}
	return nil
}

// Close sends a normal close frame and releases the connection. Safe to call
// more than once and concurrently with Send.
func (s *wsSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
