// Package coordinator provides the chat relay's arbitration actor.
// This file implements liveness tracking for attached shards.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/chatrelay/internal/cluster"
)

// Shard liveness states.
const (
	StatusUnknown = "unknown"
	StatusAlive   = "alive"
	StatusDead    = "dead"
)

// ShardHealth tracks the liveness of a single shard.
// Thread-safe: Protected by Watchdog's mutex when accessed.
type ShardHealth struct {
	LastBeat time.Time       // Timestamp of the last heartbeat received
	Shard    cluster.ShardID // Shard being tracked
	Status   string          // Current status: "alive", "dead", "unknown"
	Misses   int             // Whole intervals elapsed since LastBeat
}

// Watchdog declares shards dead when they stop sending heartbeats.
//
// A shard's event loop sends a heartbeat every interval. A loop that is
// wedged, or a shard goroutine that vanished without reporting its exit,
// stops beating; after maxMisses intervals the watchdog fires onDead once for
// that shard so the coordinator can release its nicknames.
// Thread-safe: All methods are safe for concurrent access.
type Watchdog struct {
	shards    map[cluster.ShardID]*ShardHealth // Current liveness per shard
	onDead    func(cluster.ShardID)            // Callback when a shard is declared dead
	now       func() time.Time                 // Clock, replaceable in tests
	log       *zap.Logger                      // Structured logger
	ctx       context.Context                  // Context for cancellation
	cancel    context.CancelFunc               // Cancel function for shutdown
	interval  time.Duration                    // Expected heartbeat period
	mu        sync.RWMutex                     // Protects shards map
	wg        sync.WaitGroup                   // Wait group for graceful shutdown
	maxMisses int                              // Missed intervals before a shard is dead
}

// NewWatchdog creates a watchdog that expects a heartbeat every interval and
// declares a shard dead after 3 missed intervals.
//
// Example:
//
//	wd := NewWatchdog(time.Second, log)
//	wd.SetOnDead(func(id cluster.ShardID) { coord.ShardExited(id) })
//	go wd.Run(ctx)
func NewWatchdog(interval time.Duration, log *zap.Logger) *Watchdog {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watchdog{
		shards:    make(map[cluster.ShardID]*ShardHealth),
		now:       time.Now,
		log:       log.Named("watchdog"),
		ctx:       ctx,
		cancel:    cancel,
		interval:  interval,
		maxMisses: 3,
	}
}

// SetOnDead sets the callback invoked, outside the watchdog's lock, when a
// shard is declared dead. It is called at most once per Track.
func (w *Watchdog) SetOnDead(callback func(cluster.ShardID)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDead = callback
}

// SetMaxMisses overrides the number of missed intervals tolerated.
func (w *Watchdog) SetMaxMisses(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maxMisses = n
}

// Track starts watching a shard, counting from now.
func (w *Watchdog) Track(id cluster.ShardID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.shards[id] = &ShardHealth{
		Shard:    id,
		Status:   StatusUnknown,
		LastBeat: w.now(),
	}
}

// Beat records a heartbeat. Beats from untracked or dead shards are ignored.
func (w *Watchdog) Beat(id cluster.ShardID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	health, ok := w.shards[id]
	if !ok || health.Status == StatusDead {
		return
	}
	if health.Status == StatusUnknown {
		w.log.Debug("first heartbeat", zap.Stringer("shard", id))
	}
	health.Status = StatusAlive
	health.Misses = 0
	health.LastBeat = w.now()
}

// Forget stops watching a shard.
func (w *Watchdog) Forget(id cluster.ShardID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.shards, id)
}

// Run checks all tracked shards every interval until ctx is cancelled or
// Stop is called.
func (w *Watchdog) Run(ctx context.Context) error {
	w.wg.Add(1)
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("watchdog started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ticker.C:
			w.check()
		case <-ctx.Done():
			return nil
		case <-w.ctx.Done():
			return nil
		}
	}
}

// Stop cancels Run and waits for it to return.
func (w *Watchdog) Stop() {
	w.cancel()
	w.wg.Wait()
}

// check updates every shard's miss count and collects the ones that just
// crossed the threshold.
func (w *Watchdog) check() {
	now := w.now()
	var dead []cluster.ShardID

	w.mu.Lock()
	for id, health := range w.shards {
		if health.Status == StatusDead {
			continue
		}
		health.Misses = int(now.Sub(health.LastBeat) / w.interval)
		if health.Misses >= w.maxMisses {
			health.Status = StatusDead
			dead = append(dead, id)
			w.log.Warn("shard missed heartbeats",
				zap.Stringer("shard", id),
				zap.Int("misses", health.Misses),
				zap.Time("last_beat", health.LastBeat))
		}
	}
	onDead := w.onDead
	w.mu.Unlock()

	if onDead == nil {
		return
	}
	for _, id := range dead {
		onDead(id)
	}
}

// Health returns a copy of a shard's liveness, or nil if untracked.
func (w *Watchdog) Health(id cluster.ShardID) *ShardHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	health, ok := w.shards[id]
	if !ok {
		return nil
	}
	cp := *health
	return &cp
}

// All returns copies of every tracked shard's liveness.
func (w *Watchdog) All() map[cluster.ShardID]*ShardHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	result := make(map[cluster.ShardID]*ShardHealth, len(w.shards))
	for id, health := range w.shards {
		cp := *health
		result[id] = &cp
	}
	return result
}
