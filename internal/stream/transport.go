package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one duplex, message-framed connection to the broker.
// ReadMessage blocks until a frame arrives or the connection dies;
// closing the transport unblocks it.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	WritePing(deadline time.Time) error
	SetPongHandler(fn func())
	Close() error
}

// Dialer opens transports. Injected so tests can run the manager against
// an in-memory connection.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// WSDialer dials real WebSocket connections.
type WSDialer struct {
	HandshakeTimeout time.Duration
}

// Dial opens a WebSocket connection with the given headers attached.
func (d WSDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, payload, err := t.conn.ReadMessage()
	return payload, err
}

func (t *wsTransport) WriteMessage(payload []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *wsTransport) WritePing(deadline time.Time) error {
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (t *wsTransport) SetPongHandler(fn func()) {
	t.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}
