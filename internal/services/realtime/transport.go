package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one bidirectional message stream. The registry owns it
// exclusively once a connection is accepted.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
	RemoteAddr() string
}

const writeWait = 10 * time.Second

// WebSocketTransport adapts a gorilla websocket to Transport
type WebSocketTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

// NewWebSocketTransport wraps conn and caps inbound frame size
func NewWebSocketTransport(conn *websocket.Conn, maxMessageSize int64) *WebSocketTransport {
	if maxMessageSize > 0 {
		conn.SetReadLimit(maxMessageSize)
	}
	return &WebSocketTransport{conn: conn}
}

// ReadMessage blocks until the next data frame. Control frames are handled
// by the websocket library.
func (t *WebSocketTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

// WriteMessage sends one text frame. Callers serialize writes.
func (t *WebSocketTransport) WriteMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and closes the socket. Safe to call more than once.
func (t *WebSocketTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		// Learning: WriteControl is safe to call concurrently with WriteMessage
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

func (t *WebSocketTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// NewUpgrader builds the HTTP upgrader for realtime endpoints.
// An empty origin list or "*" accepts every origin.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}
