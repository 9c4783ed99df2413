// Package coordinator implements the arbitration layer of the chat relay: the
// single sequential actor that owns the global nickname namespace and fans
// cross-connection messages out to every shard.
//
// # Overview
//
// Shards own client connections but never talk to each other. Anything that
// needs a global view goes through the coordinator:
//
//   - Nickname grants and releases, decided against one reservation table
//   - Private and channel message fan-out to every attached shard
//   - Shard lifecycle: attach, exit and liveness
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│           COORDINATOR                │
//	├─────────────────────────────────────┤
//	│                                     │
//	│  ┌──────────────────────────────┐  │
//	│  │   Inbox (cluster.Mailbox)     │  │
//	│  │   attach / request / release  │  │
//	│  │   relay / exit / snapshot     │  │
//	│  └──────────────┬───────────────┘  │
//	│                 │ one at a time    │
//	│  ┌──────────────▼───────────────┐  │
//	│  │   Reservations                │  │
//	│  │   nickname → shard            │  │
//	│  └──────────────────────────────┘  │
//	│                                     │
//	│  ┌──────────────────────────────┐  │
//	│  │   Watchdog                    │  │
//	│  │   heartbeats → dead shards    │  │
//	│  └──────────────────────────────┘  │
//	│                                     │
//	└─────────────────────────────────────┘
//
// # Ordering and Uniqueness
//
// The coordinator processes its inbox strictly in arrival order on a single
// goroutine. Two shards asking for "alice" at the same instant are
// serialised by the mailbox; the first Reserve succeeds and every later one
// sees ErrNicknameTaken. No lock guards the table because nothing but the
// Run goroutine ever touches it.
//
// Decisions carry the requesting connection id and request id back to the
// shard unchanged, so a shard with several connections asking for the same
// name can tell which one won.
//
// # Fan-out
//
// PRIVATE_MESSAGE and CHANNEL_MESSAGE records are pushed unchanged to every
// attached shard. The coordinator performs no recipient filtering; each
// shard delivers to its own matching connections and drops the rest. Cost is
// O(shards) per message.
//
// # Shard Failure
//
// A shard that exits reports ShardExited from its own teardown. A shard that
// stops heartbeating is declared dead by the Watchdog after a configurable
// number of missed intervals. Either way the coordinator releases every
// nickname that shard holds, stops relaying to it and answers its further
// requests with ErrShardDetached:
//
//	t0: shard-1 holds {alice, bob}
//	t1: shard-1 loop panics → ShardExited(1)
//	t2: Reservations.ReleaseShard(1) → [alice bob]
//	t3: shard-0 asks for "alice" → granted
//
// # Thread Safety
//
// All exported Coordinator methods may be called from any goroutine; they
// only push onto the inbox and never block. Peer callbacks run on the
// coordinator goroutine and must not block either; shards implement them by
// pushing onto their own mailbox.
package coordinator
