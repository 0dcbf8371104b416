package link

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"roverpilot/internal/model"
	"roverpilot/internal/util"
)

// SessionHeader carries the autopilot session id on the WebSocket handshake.
const SessionHeader = "X-Autopilot-Session"

// WebSocket posts commands as text frames to the relay hub.
type WebSocket struct {
	URL          string
	WriteTimeout time.Duration
	Session      string

	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	dialing bool
	closed  bool

	wmu sync.Mutex // serialises frame writes
}

// NewWebSocket creates an unconnected WebSocket transport for url.
func NewWebSocket(url string, writeTimeout time.Duration) *WebSocket {
	return &WebSocket{
		URL:          url,
		WriteTimeout: writeTimeout,
		Session:      uuid.NewString(),
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		done:         closedChan(),
	}
}

// Connect dials the relay. The lock is not held during the handshake, so Send
// keeps failing fast with ErrNotConnected while a dial is pending.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	switch {
	case w.closed:
		w.mu.Unlock()
		return ErrClosed
	case w.conn != nil:
		w.mu.Unlock()
		return nil
	case w.dialing:
		w.mu.Unlock()
		return fmt.Errorf("%w: dial in progress", ErrNotConnected)
	}
	w.dialing = true
	w.mu.Unlock()

	h := http.Header{}
	h.Set(SessionHeader, w.Session)
	conn, _, err := w.dialer.DialContext(ctx, w.URL, h)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.dialing = false
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.URL, err)
	}
	if w.closed {
		_ = conn.Close()
		return ErrClosed
	}
	done := make(chan struct{})
	w.conn, w.done = conn, done
	go w.readPump(conn)
	util.Info("[Link] websocket connected to %s (session %s)", w.URL, w.Session)
	return nil
}

// readPump drains inbound frames so control frames (ping, close) are handled,
// and notices when the connection goes away.
func (w *WebSocket) readPump(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			w.dropLocked(conn)
			w.mu.Unlock()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				util.Warn("[Link] websocket read: %v", err)
			}
			return
		}
		util.Debug("[Link] websocket recv %q", msg)
	}
}

// dropLocked forgets conn if it is still the current connection.
func (w *WebSocket) dropLocked(conn *websocket.Conn) {
	if w.conn != conn {
		return
	}
	w.conn = nil
	close(w.done)
	_ = conn.Close()
}

// Send writes cmd as a one-letter text frame.
func (w *WebSocket) Send(cmd model.Command) error {
	w.mu.Lock()
	conn, closed := w.conn, w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	w.wmu.Lock()
	if w.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(w.WriteTimeout))
	}
	err := conn.WriteMessage(websocket.TextMessage, []byte(cmd.String()))
	w.wmu.Unlock()
	if err != nil {
		w.mu.Lock()
		w.dropLocked(conn)
		w.mu.Unlock()
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	return nil
}

// Done is closed when the current connection drops.
func (w *WebSocket) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Close sends a close frame and shuts the connection.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.conn == nil {
		return nil
	}
	conn := w.conn
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	w.dropLocked(conn)
	return nil
}
