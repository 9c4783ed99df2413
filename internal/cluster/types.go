package cluster

import (
	"fmt"

	"github.com/dreamware/chatrelay/internal/wire"
)

// ShardID identifies a shard within one relay process.
type ShardID int

func (id ShardID) String() string {
	return fmt.Sprintf("shard-%d", int(id))
}

// NicknameRequest asks the coordinator to reserve Name for one connection.
// ConnID and RequestID travel back unchanged in the Decision so the shard can
// match it to the exact pending request that produced it.
type NicknameRequest struct {
	Shard     ShardID
	ConnID    string
	RequestID string
	Name      string
}

// Decision is the coordinator's answer to a NicknameRequest.
type Decision struct {
	Shard     ShardID
	ConnID    string
	RequestID string
	Name      string
	Granted   bool
	Err       error // reason for a denial, nil when granted
}

// Reservation is one row of the coordinator's nickname table.
type Reservation struct {
	Nickname string  `json:"nickname"`
	Shard    ShardID `json:"shard"`
}

// Relayable reports whether the coordinator fans m out to every shard.
func Relayable(m wire.Message) bool {
	return m.Cmd == wire.PrivateMessage || m.Cmd == wire.ChannelMessage
}
