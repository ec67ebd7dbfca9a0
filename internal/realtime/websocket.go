package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type WebsocketOptions struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

// NewUpgrader accepts upgrades only from the configured browser origins.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// WebsocketTransport adapts a gorilla connection to Transport, applying the
// read limit and the write and pong deadlines.
type WebsocketTransport struct {
	conn      *websocket.Conn
	opts      WebsocketOptions
	closeOnce sync.Once
}

func NewWebsocketTransport(conn *websocket.Conn, opts WebsocketOptions) *WebsocketTransport {
	t := &WebsocketTransport{conn: conn, opts: opts}

	if opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	t.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		t.extendReadDeadline()
		return nil
	})

	return t
}

func (t *WebsocketTransport) extendReadDeadline() {
	if t.opts.PongWait > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	}
}

func (t *WebsocketTransport) writeDeadline() time.Time {
	if t.opts.WriteWait <= 0 {
		return time.Time{}
	}
	return time.Now().Add(t.opts.WriteWait)
}

// ReadMessage returns the next text frame; binary frames are skipped.
func (t *WebsocketTransport) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		t.extendReadDeadline()

		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (t *WebsocketTransport) WriteMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(t.writeDeadline()); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebsocketTransport) WritePing() error {
	if err := t.conn.SetWriteDeadline(t.writeDeadline()); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *WebsocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = t.conn.Close()
	})
	return err
}

// IsUnexpectedClose reports read errors worth logging.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure)
}
