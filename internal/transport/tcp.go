package transport

import (
	"net"
	"sync"
	"time"

	"github.com/dreamware/chatrelay/internal/wire"
)

// writeWait bounds a single write to a peer.
const writeWait = 10 * time.Second

// TCPStream carries length-prefixed wire frames over a net.Conn.
type TCPStream struct {
	conn      net.Conn
	dec       *wire.Decoder
	enc       *wire.Encoder
	closeOnce sync.Once
	closeErr  error
}

// NewTCPStream wraps conn. maxFrame <= 0 selects wire.DefaultMaxFrame.
func NewTCPStream(conn net.Conn, maxFrame int) *TCPStream {
	return &TCPStream{
		conn: conn,
		dec:  wire.NewDecoder(conn, maxFrame),
		enc:  wire.NewEncoder(conn, maxFrame),
	}
}

// Recv returns the next complete message. Partial frames stay buffered
// until the rest arrives.
func (s *TCPStream) Recv() (wire.Message, error) {
	return s.dec.Decode()
}

// Send writes m as a single frame.
func (s *TCPStream) Send(m wire.Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.enc.Encode(m)
}

// Close closes the connection. Repeated calls return the first result.
func (s *TCPStream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.conn.Close() })
	return s.closeErr
}

// RemoteAddr returns the peer address.
func (s *TCPStream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}
