package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is a connected duplex message channel to the browser.
// It carries whole protocol messages and knows nothing about them.
//
// ReadMessage is only called from the connection's read loop. WriteMessage
// may be called concurrently and must not retain data after it returns.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

var _ Transport = &WebSocketTransport{}

// WebSocketTransport is a Transport over a gorilla websocket connection.
type WebSocketTransport struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// DialWebSocket connects to the DevTools websocket at wsURL.
func DialWebSocket(ctx context.Context, wsURL string) (*WebSocketTransport, error) {
	wd := &websocket.Dialer{
		HandshakeTimeout: time.Second * 10,
		ReadBufferSize:   1 << 20,
		WriteBufferSize:  1 << 20,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, _, err := wd.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dialing %q: %w", wsURL, err)
	}

	return NewWebSocketTransport(conn), nil
}

// NewWebSocketTransport wraps an established websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// ReadMessage blocks until the next message arrives.
func (t *WebSocketTransport) ReadMessage() ([]byte, error) {
	_, buf, err := t.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("websocket.ReadMessage: %w", err)
	}
	return buf, nil
}

// WriteMessage writes data as a single text frame.
func (t *WebSocketTransport) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("websocket.WriteMessage: %w", ctx.Err())
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer func() { _ = t.conn.SetWriteDeadline(time.Time{}) }()
	}
	w, err := t.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return fmt.Errorf("websocket.NextWriter: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("websocket.Write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("websocket.Close writer: %w", err)
	}

	return nil
}

// Close sends a close frame and closes the underlying connection.
// It is safe to call more than once.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		err := t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			t.closeErr = fmt.Errorf("sending websocket close message: %w", err)
		}
		if err := t.conn.Close(); err != nil && t.closeErr == nil {
			t.closeErr = fmt.Errorf("closing websocket connection: %w", err)
		}
	})

	return t.closeErr
}
