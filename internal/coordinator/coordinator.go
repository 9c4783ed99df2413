package coordinator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/dreamware/chatrelay/internal/cluster"
	"github.com/dreamware/chatrelay/internal/metrics"
	"github.com/dreamware/chatrelay/internal/wire"
)

var (
	// ErrShardDetached denies requests from a shard the coordinator has
	// already written off.
	ErrShardDetached = errors.New("shard is detached from the coordinator")

	// ErrStopped is returned by queries made after the coordinator stopped.
	ErrStopped = errors.New("coordinator stopped")
)

// Peer is the coordinator's view of an attached shard. Both methods are
// called from the coordinator goroutine and must not block.
type Peer interface {
	ID() cluster.ShardID
	NicknameDecided(d cluster.Decision)
	Relayed(m wire.Message)
}

type attachCmd struct{ peer Peer }

type requestCmd struct{ req cluster.NicknameRequest }

type releaseCmd struct {
	shard cluster.ShardID
	name  string
}

type relayCmd struct {
	shard cluster.ShardID
	msg   wire.Message
}

type exitCmd struct{ shard cluster.ShardID }

type snapshotCmd struct{ reply chan []cluster.Reservation }

// Coordinator is the single sequential actor that owns the nickname table
// and fans messages out to shards.
//
// Every method only enqueues a command; Run applies them one at a time in
// arrival order. That order is the sole mechanism behind nickname
// uniqueness, so the table needs no lock.
type Coordinator struct {
	log      *zap.Logger
	metrics  *metrics.Relay
	watchdog *Watchdog
	inbox    *cluster.Mailbox[any]
	done     chan struct{}

	// Owned by the Run goroutine.
	table    *Reservations
	peers    map[cluster.ShardID]Peer
	detached map[cluster.ShardID]Peer
}

// New creates a coordinator. wd may be nil to disable liveness tracking.
func New(log *zap.Logger, m *metrics.Relay, wd *Watchdog) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		log:      log.Named("coordinator"),
		metrics:  m,
		watchdog: wd,
		inbox:    cluster.NewMailbox[any](),
		done:     make(chan struct{}),
		table:    NewReservations(),
		peers:    make(map[cluster.ShardID]Peer),
		detached: make(map[cluster.ShardID]Peer),
	}
}

// Attach registers a shard so it receives decisions and relays.
func (c *Coordinator) Attach(p Peer) {
	c.inbox.Push(attachCmd{peer: p})
}

// RequestNickname asks for req.Name on behalf of one connection. The
// decision is delivered to the requesting shard's Peer.
func (c *Coordinator) RequestNickname(req cluster.NicknameRequest) {
	c.inbox.Push(requestCmd{req: req})
}

// ReleaseNickname frees name if shard holds it. Idempotent.
func (c *Coordinator) ReleaseNickname(shard cluster.ShardID, name string) {
	c.inbox.Push(releaseCmd{shard: shard, name: name})
}

// Relay broadcasts m to every attached shard.
func (c *Coordinator) Relay(shard cluster.ShardID, m wire.Message) {
	c.inbox.Push(relayCmd{shard: shard, msg: m})
}

// ShardExited releases every nickname the shard holds and detaches it.
func (c *Coordinator) ShardExited(shard cluster.ShardID) {
	c.inbox.Push(exitCmd{shard: shard})
}

// Heartbeat records that a shard's loop is still turning.
func (c *Coordinator) Heartbeat(shard cluster.ShardID) {
	if c.watchdog != nil {
		c.watchdog.Beat(shard)
	}
}

// Snapshot returns the reservation table as of its position in the
// coordinator's order.
func (c *Coordinator) Snapshot(ctx context.Context) ([]cluster.Reservation, error) {
	reply := make(chan []cluster.Reservation, 1)
	if !c.inbox.Push(snapshotCmd{reply: reply}) {
		return nil, ErrStopped
	}
	select {
	case all := <-reply:
		return all, nil
	case <-c.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run processes commands until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	defer c.inbox.Close()

	c.log.Info("coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("coordinator stopping", zap.Int("reservations", c.table.Len()))
			return nil
		case <-c.inbox.Ready():
			for _, cmd := range c.inbox.Drain() {
				c.handle(cmd)
			}
		}
	}
}

func (c *Coordinator) handle(cmd any) {
	switch cmd := cmd.(type) {
	case attachCmd:
		c.attach(cmd.peer)
	case requestCmd:
		c.decide(cmd.req)
	case releaseCmd:
		c.release(cmd.shard, cmd.name)
	case relayCmd:
		c.relay(cmd.shard, cmd.msg)
	case exitCmd:
		c.exit(cmd.shard)
	case snapshotCmd:
		cmd.reply <- c.table.All()
	default:
		c.log.Error("unknown command", zap.Any("cmd", cmd))
	}
}

func (c *Coordinator) attach(p Peer) {
	id := p.ID()
	delete(c.detached, id)
	c.peers[id] = p
	if c.watchdog != nil {
		c.watchdog.Track(id)
	}
	c.log.Info("shard attached", zap.Stringer("shard", id), zap.Int("shards", len(c.peers)))
}

func (c *Coordinator) decide(req cluster.NicknameRequest) {
	d := cluster.Decision{
		Shard:     req.Shard,
		ConnID:    req.ConnID,
		RequestID: req.RequestID,
		Name:      req.Name,
	}

	peer, attached := c.peers[req.Shard]
	if !attached {
		peer = c.detached[req.Shard]
		if peer == nil {
			c.log.Warn("nickname request from unknown shard",
				zap.Stringer("shard", req.Shard), zap.String("nickname", req.Name))
			return
		}
		d.Err = ErrShardDetached
		c.metrics.Decision("detached")
		peer.NicknameDecided(d)
		return
	}

	if err := c.table.Reserve(req.Name, req.Shard); err != nil {
		d.Err = err
		c.metrics.Decision("conflict")
		c.log.Debug("nickname denied",
			zap.String("nickname", req.Name), zap.Stringer("shard", req.Shard), zap.Error(err))
	} else {
		d.Granted = true
		c.metrics.Decision("granted")
		c.metrics.Reserved(c.table.Len())
		c.log.Debug("nickname granted", zap.String("nickname", req.Name), zap.Stringer("shard", req.Shard))
	}
	peer.NicknameDecided(d)
}

func (c *Coordinator) release(shard cluster.ShardID, name string) {
	owner, ok := c.table.Owner(name)
	if ok && owner != shard {
		c.log.Warn("ignoring release from non-owner",
			zap.String("nickname", name),
			zap.Stringer("shard", shard),
			zap.Stringer("owner", owner))
		return
	}
	if c.table.Release(name, shard) {
		c.metrics.Released(c.table.Len())
		c.log.Debug("nickname released", zap.String("nickname", name), zap.Stringer("shard", shard))
	}
}

func (c *Coordinator) relay(shard cluster.ShardID, m wire.Message) {
	if _, ok := c.peers[shard]; !ok {
		c.log.Warn("relay from detached shard dropped", zap.Stringer("shard", shard), zap.Stringer("cmd", m.Cmd))
		return
	}
	if !cluster.Relayable(m) {
		c.log.Warn("refusing to relay command", zap.Stringer("cmd", m.Cmd), zap.Stringer("shard", shard))
		return
	}
	c.metrics.Relay(m.Cmd.String())
	for _, p := range c.peers {
		p.Relayed(m)
	}
}

func (c *Coordinator) exit(shard cluster.ShardID) {
	released := c.table.ReleaseShard(shard)
	if p, ok := c.peers[shard]; ok {
		delete(c.peers, shard)
		c.detached[shard] = p
		c.metrics.ShardExited()
	}
	if c.watchdog != nil {
		c.watchdog.Forget(shard)
	}
	c.metrics.Reserved(c.table.Len())
	c.log.Info("shard detached",
		zap.Stringer("shard", shard),
		zap.Strings("released", released),
		zap.Int("shards", len(c.peers)))
}
