package server

import (
	"errors"
	"sync"

	"github.com/dreamware/chatrelay/internal/cluster"
	"github.com/dreamware/chatrelay/internal/shard"
)

// ErrNoShards is returned when every shard has stopped or been excluded.
var ErrNoShards = errors.New("no shard available")

// Balancer spreads new connections over shards by least connections.
//
// A shard is eligible while it has not stopped and has not been excluded.
// Exclusion covers shards whose event loop is wedged: such a shard still
// reports its old state and load, and without exclusion would look like the
// least loaded shard to every new client.
// Thread-safe: All methods are safe for concurrent access.
type Balancer struct {
	shards   []*shard.Shard
	mu       sync.RWMutex             // Protects excluded
	excluded map[cluster.ShardID]bool // Shards removed from placement
}

// NewBalancer returns a balancer over shards. The slice is not copied and
// must not change afterwards.
func NewBalancer(shards []*shard.Shard) *Balancer {
	return &Balancer{shards: shards, excluded: make(map[cluster.ShardID]bool)}
}

// Exclude removes a shard from placement for good. The relay calls it when
// the watchdog declares a shard dead. Excluding an unknown or already
// excluded shard is a no-op.
//
// Example:
//
//	wd.SetOnDead(func(id cluster.ShardID) {
//	    balancer.Exclude(id)
//	    coord.ShardExited(id)
//	})
func (b *Balancer) Exclude(id cluster.ShardID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.excluded[id] = true
}

// Pick returns the eligible shard with the fewest connections. Ties go to
// the shard listed first.
//
// Returns:
//   - The chosen shard
//   - ErrNoShards if every shard is stopped or excluded
func (b *Balancer) Pick() (*shard.Shard, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var best *shard.Shard
	for _, s := range b.shards {
		if b.excluded[s.ID()] || s.State() == shard.ShardStateStopped {
			continue
		}
		if best == nil || s.Load() < best.Load() {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNoShards
	}
	return best, nil
}

// Assign hands stream to the shard chosen by Pick. Placement is final for
// the lifetime of the connection.
//
// Parameters:
//   - stream: A freshly accepted client stream
//
// Returns:
//   - The shard that now owns stream
//   - ErrNoShards, or shard.ErrShardStopped if the chosen shard exited
//     between Pick and Attach. On ErrNoShards the caller still owns stream;
//     on ErrShardStopped the shard has already closed it.
//
// Example:
//
//	if _, err := balancer.Assign(stream); err != nil {
//	    _ = stream.Close()
//	}
func (b *Balancer) Assign(stream shard.Stream) (*shard.Shard, error) {
	s, err := b.Pick()
	if err != nil {
		return nil, err
	}
	if err := s.Attach(stream); err != nil {
		return nil, err
	}
	return s, nil
}
