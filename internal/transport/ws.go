package transport

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamware/chatrelay/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSStream carries one JSON record per WebSocket message. Message
// boundaries come from the WebSocket framing, so no length prefix is used.
type WSStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewWSStream wraps an established connection. Messages larger than
// maxFrame end the stream.
func NewWSStream(conn *websocket.Conn, maxFrame int) *WSStream {
	if maxFrame <= 0 {
		maxFrame = wire.DefaultMaxFrame
	}
	conn.SetReadLimit(int64(maxFrame))
	return &WSStream{conn: conn}
}

// Upgrade completes the WebSocket handshake for an HTTP request. On failure
// the upgrader has already written an HTTP error response.
func Upgrade(w http.ResponseWriter, r *http.Request, maxFrame int) (*WSStream, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWSStream(conn, maxFrame), nil
}

// DialWS opens a client WebSocket stream to url (ws:// or wss://).
func DialWS(ctx context.Context, url string, maxFrame int) (*WSStream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWSStream(conn, maxFrame), nil
}

// Recv reads the next message. A normal close from the peer is reported as
// io.EOF; a payload that is not a valid record yields a *wire.DecodeError
// and the stream stays usable.
func (s *WSStream) Recv() (wire.Message, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return wire.Message{}, io.EOF
		}
		return wire.Message{}, err
	}
	return wire.Unmarshal(data)
}

// Send writes m as one text message.
func (s *WSStream) Send(m wire.Message) error {
	data, err := wire.Marshal(m)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame on a best-effort basis and closes the
// connection.
func (s *WSStream) Close() error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// RemoteAddr returns the peer address.
func (s *WSStream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}
