package shard

import (
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/chatrelay/internal/cluster"
	"github.com/dreamware/chatrelay/internal/wire"
)

var errSendQueueFull = errors.New("send queue full")

// conn is one live client session. Every field except stream and out is
// owned by the shard goroutine.
type conn struct {
	id       string
	stream   Stream
	out      chan wire.Message
	opened   time.Time
	nickname string              // empty until a grant is bound
	joined   map[string]struct{} // channels this connection belongs to
	closed   bool
}

func newConn(stream Stream, queue int) *conn {
	return &conn{
		id:     uuid.NewString(),
		stream: stream,
		out:    make(chan wire.Message, queue),
		opened: time.Now(),
		joined: make(map[string]struct{}),
	}
}

// pending is an outstanding nickname request for one connection.
type pending struct {
	requestID string
	name      string
	timer     *time.Timer
}

// Events drained from the shard mailbox.
type (
	connOpened struct{ c *conn }
	inbound    struct {
		c   *conn
		msg wire.Message
		err error // recoverable decode error; msg is zero
	}
	connClosed struct {
		c   *conn
		err error
	}
	decided   struct{ d cluster.Decision }
	relayed   struct{ msg wire.Message }
	expired   struct{ connID, requestID string }
	infoQuery struct{ reply chan Info }
)

func (s *Shard) open(c *conn) {
	s.conns[c.id] = c
	s.load.Add(1)
	s.metrics.SetConnections(s.id.String(), len(s.conns))
	s.log.Debug("connection opened", zap.String("conn", c.id), zap.String("remote", c.stream.RemoteAddr()))

	go s.readLoop(c)
	go s.writeLoop(c)
}

// readLoop decodes client messages and posts them to the shard. It exits on
// the first fatal stream error, reporting it with the connection's own
// identity.
func (s *Shard) readLoop(c *conn) {
	for {
		m, err := c.stream.Recv()
		if err != nil {
			if wire.IsRecoverable(err) {
				if !s.inbox.Push(inbound{c: c, err: err}) {
					return
				}
				continue
			}
			s.inbox.Push(connClosed{c: c, err: err})
			return
		}
		if !s.inbox.Push(inbound{c: c, msg: m}) {
			return
		}
	}
}

// writeLoop sends queued messages until the queue is closed by teardown.
// A send error closes the stream, which in turn ends readLoop.
func (s *Shard) writeLoop(c *conn) {
	defer c.stream.Close()
	for m := range c.out {
		if err := c.stream.Send(m); err != nil {
			s.log.Debug("send failed", zap.String("conn", c.id), zap.Error(err))
			return
		}
	}
}

// send queues m for c. A client that cannot keep up is disconnected rather
// than allowed to stall the shard.
func (s *Shard) send(c *conn, m wire.Message) {
	if c.closed {
		return
	}
	select {
	case c.out <- m:
	default:
		s.log.Warn("dropping slow connection", zap.String("conn", c.id), zap.String("nickname", c.nickname))
		s.teardown(c, errSendQueueFull)
		// The writer may be stuck in Send; closing the stream unblocks it.
		_ = c.stream.Close()
	}
}

// teardown releases everything c holds. It is idempotent, touches only c's
// own entries, and costs at most one map delete per joined channel.
func (s *Shard) teardown(c *conn, cause error) {
	if c.closed {
		return
	}
	c.closed = true
	delete(s.conns, c.id)

	if p, ok := s.pending[c.id]; ok {
		delete(s.pending, c.id)
		s.abandon(p)
	}
	if c.nickname != "" {
		if s.bindings[c.nickname] == c {
			delete(s.bindings, c.nickname)
		}
		s.hub.ReleaseNickname(s.id, c.nickname)
	}
	for name := range c.joined {
		delete(s.members[name], c.id)
	}
	close(c.out)

	s.load.Add(-1)
	s.metrics.SetConnections(s.id.String(), len(s.conns))

	fields := []zap.Field{
		zap.String("conn", c.id),
		zap.String("nickname", c.nickname),
		zap.Duration("age", time.Since(c.opened)),
	}
	if cause != nil && !errors.Is(cause, io.EOF) {
		fields = append(fields, zap.Error(cause))
	}
	s.log.Debug("connection closed", fields...)
}
