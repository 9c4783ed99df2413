package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/chatrelay/internal/cluster"
	"github.com/dreamware/chatrelay/internal/metrics"
	"github.com/dreamware/chatrelay/internal/wire"
)

// ShardState represents the lifecycle state of a shard
type ShardState string

const (
	// ShardStateStarting means Run has not been called yet
	ShardStateStarting ShardState = "starting"
	// ShardStateActive means the shard is serving connections
	ShardStateActive ShardState = "active"
	// ShardStateStopped means the shard has exited and closed its connections
	ShardStateStopped ShardState = "stopped"
)

var (
	// ErrShardStopped is returned when handing a connection to, or querying,
	// a shard that has exited.
	ErrShardStopped = errors.New("shard stopped")

	// ErrShardCrashed is returned by Run when the event loop panicked.
	ErrShardCrashed = errors.New("shard crashed")
)

// Stream is one client's message transport. Recv is only called from the
// connection's reader goroutine and Send only from its writer goroutine.
type Stream interface {
	// Recv returns the next message. Errors for which wire.IsRecoverable is
	// true leave the stream usable; anything else ends the connection.
	Recv() (wire.Message, error)
	Send(m wire.Message) error
	Close() error
	RemoteAddr() string
}

// Hub is the shard's view of the coordinator. Implementations must not block.
type Hub interface {
	RequestNickname(req cluster.NicknameRequest)
	ReleaseNickname(shard cluster.ShardID, name string)
	Relay(shard cluster.ShardID, m wire.Message)
	Heartbeat(shard cluster.ShardID)
	ShardExited(shard cluster.ShardID)
}

// Options configures a shard. Zero values select the defaults.
type Options struct {
	Logger            *zap.Logger
	Metrics           *metrics.Relay
	Channels          []string      // fixed channel catalog, default CH1..CH3
	NicknameTimeout   time.Duration // default 5s
	HeartbeatInterval time.Duration // default 1s
	SendQueue         int           // per-connection outbound buffer, default 64
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if len(o.Channels) == 0 {
		o.Channels = DefaultChannels
	}
	if o.NicknameTimeout <= 0 {
		o.NicknameTimeout = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	return o
}

// Info is a point-in-time summary of a shard, used by the admin API.
type Info struct {
	ID          cluster.ShardID `json:"id"`
	State       ShardState      `json:"state"`
	Connections int             `json:"connections"`
	Pending     int             `json:"pending"`
	Nicknames   []string        `json:"nicknames"`
	Channels    map[string]int  `json:"channels"`
}

// Shard owns a disjoint subset of client connections together with their
// nickname bindings, channel memberships and pending nickname requests.
//
// All of that state lives on the Run goroutine and is only changed by
// events drained from the shard's mailbox: connection lifecycle, client
// messages, coordinator decisions and relays, and request timeouts.
type Shard struct {
	id      cluster.ShardID
	hub     Hub
	opts    Options
	log     *zap.Logger
	metrics *metrics.Relay
	catalog *Catalog
	inbox   *cluster.Mailbox[any]

	load     atomic.Int64
	mu       sync.RWMutex // Protects state
	state    ShardState
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Owned by the Run goroutine.
	conns    map[string]*conn            // connection id → conn
	bindings map[string]*conn            // nickname → conn
	members  map[string]map[string]*conn // channel → connection id → conn
	pending  map[string]*pending         // connection id → request

	// Request id → nickname for requests that timed out or lost their
	// connection before the coordinator answered.
	abandoned map[string]string
}

// New creates a shard attached to hub. Call Run to start it.
func New(id cluster.ShardID, hub Hub, opts Options) *Shard {
	opts = opts.withDefaults()
	catalog := NewCatalog(opts.Channels)
	members := make(map[string]map[string]*conn, catalog.Len())
	for _, name := range catalog.Names() {
		members[name] = make(map[string]*conn)
	}
	return &Shard{
		id:       id,
		hub:      hub,
		opts:     opts,
		log:      opts.Logger.With(zap.Stringer("shard", id)),
		metrics:  opts.Metrics,
		catalog:  catalog,
		inbox:    cluster.NewMailbox[any](),
		state:    ShardStateStarting,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		conns:    make(map[string]*conn),
		bindings: make(map[string]*conn),
		members:  members,
		pending:  make(map[string]*pending),

		abandoned: make(map[string]string),
	}
}

// ID returns the shard identifier.
func (s *Shard) ID() cluster.ShardID {
	return s.id
}

// Load returns the number of live connections. Safe from any goroutine.
func (s *Shard) Load() int {
	return int(s.load.Load())
}

// State returns the current lifecycle state.
func (s *Shard) State() ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Shard) setState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Catalog returns the shard's channel catalog.
func (s *Shard) Catalog() *Catalog {
	return s.catalog
}

// NicknameDecided implements coordinator.Peer.
func (s *Shard) NicknameDecided(d cluster.Decision) {
	s.inbox.Push(decided{d: d})
}

// Relayed implements coordinator.Peer.
func (s *Shard) Relayed(m wire.Message) {
	s.inbox.Push(relayed{msg: m})
}

// Attach hands a new client stream to the shard. The shard owns the stream
// from here on: it starts the connection's reader and writer once the event
// loop picks the stream up, and closes it on teardown or shutdown.
//
// Attach never blocks. It only queues the stream, so Load does not reflect
// it until the loop has run.
//
// Parameters:
//   - stream: A client transport, typically a transport.TCPStream or
//     transport.WSStream
//
// Returns:
//   - nil once the stream is queued
//   - ErrShardStopped if the shard has exited; stream is closed
//
// Example:
//
//	if err := s.Attach(transport.NewTCPStream(conn, maxFrame)); err != nil {
//	    log.Warn("shard unavailable", zap.Error(err))
//	}
func (s *Shard) Attach(stream Stream) error {
	c := newConn(stream, s.opts.SendQueue)
	if !s.inbox.Push(connOpened{c: c}) {
		_ = stream.Close()
		return ErrShardStopped
	}
	return nil
}

// Info returns a summary of the shard's registries.
func (s *Shard) Info(ctx context.Context) (Info, error) {
	reply := make(chan Info, 1)
	if !s.inbox.Push(infoQuery{reply: reply}) {
		return Info{ID: s.id, State: ShardStateStopped}, ErrShardStopped
	}
	select {
	case info := <-reply:
		return info, nil
	case <-s.done:
		return Info{ID: s.id, State: ShardStateStopped}, ErrShardStopped
	case <-ctx.Done():
		return Info{}, ctx.Err()
	}
}

// Stop asks Run to return. It does not wait; use Done for that.
func (s *Shard) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed once Run has returned and every connection is closed.
func (s *Shard) Done() <-chan struct{} {
	return s.done
}

// Run processes events until ctx is cancelled or Stop is called. It blocks,
// so start it in its own goroutine.
//
// The loop is the only writer of the shard's registries. Besides draining
// the mailbox it sends a heartbeat to the hub every HeartbeatInterval; a
// loop that stops beating is eventually declared dead by the watchdog.
//
// On return every connection is closed, pending requests are dropped and the
// hub is told the shard exited, which releases all of its nicknames. Done is
// closed last.
//
// Parameters:
//   - ctx: Cancelling it stops the shard like Stop does
//
// Returns:
//   - nil after ctx is cancelled or Stop is called
//   - An error wrapping ErrShardCrashed if the loop panicked
//
// Example:
//
//	g.Go(func() error {
//	    if err := s.Run(ctx); err != nil {
//	        log.Error("shard exited", zap.Error(err))
//	    }
//	    return nil
//	})
func (s *Shard) Run(ctx context.Context) (err error) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrShardCrashed, r)
			s.log.Error("shard loop panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		s.shutdown()
	}()

	s.setState(ShardStateActive)
	s.log.Info("shard started", zap.Strings("channels", s.catalog.Names()))

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	s.hub.Heartbeat(s.id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case <-ticker.C:
			s.hub.Heartbeat(s.id)
		case <-s.inbox.Ready():
			for _, ev := range s.inbox.Drain() {
				s.handle(ev)
			}
		}
	}
}

func (s *Shard) handle(ev any) {
	switch ev := ev.(type) {
	case connOpened:
		s.open(ev.c)
	case inbound:
		s.handleInbound(ev)
	case connClosed:
		s.teardown(ev.c, ev.err)
	case decided:
		s.handleDecision(ev.d)
	case relayed:
		s.handleRelayed(ev.msg)
	case expired:
		s.handleExpired(ev)
	case infoQuery:
		ev.reply <- s.info()
	default:
		s.log.Error("unknown event", zap.Any("event", ev))
	}
}

// shutdown closes every connection and reports the exit to the hub.
func (s *Shard) shutdown() {
	s.setState(ShardStateStopped)
	s.inbox.Close()

	var errs error
	for _, ev := range s.inbox.Drain() {
		if opened, ok := ev.(connOpened); ok {
			errs = multierr.Append(errs, opened.c.stream.Close())
		}
	}
	for _, c := range s.conns {
		c.closed = true
		close(c.out)
		errs = multierr.Append(errs, c.stream.Close())
	}
	for _, p := range s.pending {
		p.timer.Stop()
	}
	closed := len(s.conns)
	s.conns = map[string]*conn{}
	s.bindings = map[string]*conn{}
	s.pending = map[string]*pending{}
	s.abandoned = map[string]string{}
	for name := range s.members {
		s.members[name] = map[string]*conn{}
	}
	s.load.Store(0)
	s.metrics.SetConnections(s.id.String(), 0)

	s.hub.ShardExited(s.id)
	s.log.Info("shard stopped", zap.Int("closed", closed), zap.Errors("close_errors", multierr.Errors(errs)))
}

func (s *Shard) info() Info {
	info := Info{
		ID:          s.id,
		State:       s.State(),
		Connections: len(s.conns),
		Pending:     len(s.pending),
		Nicknames:   make([]string, 0, len(s.bindings)),
		Channels:    make(map[string]int, len(s.members)),
	}
	for name := range s.bindings {
		info.Nicknames = append(info.Nicknames, name)
	}
	slices.Sort(info.Nicknames)
	for name, members := range s.members {
		info.Channels[name] = len(members)
	}
	return info
}
