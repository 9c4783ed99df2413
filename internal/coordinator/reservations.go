// Package coordinator implements the arbitration actor of the chat relay.
// See doc.go for complete package documentation.
package coordinator

import (
	"errors"

	"golang.org/x/exp/slices"

	"github.com/dreamware/chatrelay/internal/cluster"
)

var (
	// ErrNicknameTaken is the denial reason when a nickname is already reserved.
	ErrNicknameTaken = errors.New("nickname already in use")

	// ErrEmptyNickname is returned when reserving the empty string.
	ErrEmptyNickname = errors.New("nickname cannot be empty")
)

// Reservations is the authoritative nickname table: each reserved nickname
// maps to the shard whose connection holds it.
//
// The table is the single source of truth for nickname uniqueness across
// the whole relay:
//   - A nickname is reserved by at most one shard at a time
//   - The first Reserve for a free name wins; later ones fail
//   - Release only removes a row owned by the releasing shard
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│           Reservations              │
//	├─────────────────────────────────────┤
//	│  owners: map[nickname]→shard        │
//	│  "alice" → shard-0                  │
//	│  "bob"   → shard-2                  │
//	└─────────────────────────────────────┘
//
// Concurrency Model:
// Reservations has no lock. It is owned by the Coordinator goroutine and
// only ever touched from its loop, which is what gives every grant and
// release a total order.
//
// Performance Characteristics:
//   - Reserve, Release, Owner: O(1)
//   - ReleaseShard, All: O(n) over reserved nicknames
type Reservations struct {
	owners map[string]cluster.ShardID
}

// NewReservations creates an empty table.
func NewReservations() *Reservations {
	return &Reservations{owners: make(map[string]cluster.ShardID)}
}

// Reserve records name as owned by shard.
//
// Returns:
//   - nil when the name was free and is now reserved
//   - ErrNicknameTaken if any shard, including this one, already holds it
//   - ErrEmptyNickname for ""
func (r *Reservations) Reserve(name string, shard cluster.ShardID) error {
	if name == "" {
		return ErrEmptyNickname
	}
	if _, taken := r.owners[name]; taken {
		return ErrNicknameTaken
	}
	r.owners[name] = shard
	return nil
}

// Release removes name if, and only if, shard owns it. Releasing an absent
// name or another shard's name is a no-op.
//
// Returns whether a row was removed.
func (r *Reservations) Release(name string, shard cluster.ShardID) bool {
	owner, ok := r.owners[name]
	if !ok || owner != shard {
		return false
	}
	delete(r.owners, name)
	return true
}

// ReleaseShard removes every nickname owned by shard and returns them sorted.
//
// Used when a shard exits or stops heartbeating so none of its nicknames
// stay reserved.
func (r *Reservations) ReleaseShard(shard cluster.ShardID) []string {
	var released []string
	for name, owner := range r.owners {
		if owner == shard {
			released = append(released, name)
			delete(r.owners, name)
		}
	}
	slices.Sort(released)
	return released
}

// Owner returns the shard holding name.
func (r *Reservations) Owner(name string) (cluster.ShardID, bool) {
	owner, ok := r.owners[name]
	return owner, ok
}

// Len returns the number of reserved nicknames.
func (r *Reservations) Len() int {
	return len(r.owners)
}

// All returns a copy of the table sorted by nickname.
func (r *Reservations) All() []cluster.Reservation {
	all := make([]cluster.Reservation, 0, len(r.owners))
	for name, owner := range r.owners {
		all = append(all, cluster.Reservation{Nickname: name, Shard: owner})
	}
	slices.SortFunc(all, func(a, b cluster.Reservation) int {
		switch {
		case a.Nickname < b.Nickname:
			return -1
		case a.Nickname > b.Nickname:
			return 1
		default:
			return 0
		}
	})
	return all
}
