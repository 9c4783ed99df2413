// Package cluster holds the vocabulary shared by the coordinator and the
// shards of a chat relay process: shard identities, the nickname
// request/decision records they exchange, and the Mailbox every actor uses
// as its inbox.
//
// # Overview
//
// The relay is a hub-and-spoke system of goroutine actors. Shards never talk
// to each other; every cross-shard interaction goes through the coordinator:
//
//	              ┌──────────────────┐
//	              │   Coordinator    │
//	              │ - reservations   │
//	              │ - fan-out        │
//	              │ - watchdog       │
//	              └────────┬─────────┘
//	                       │  Mailbox
//	      ┌────────────────┼────────────────┐
//	      │                │                │
//	┌─────▼─────┐    ┌─────▼─────┐    ┌─────▼─────┐
//	│  Shard 0  │    │  Shard 1  │    │  Shard 2  │
//	│  conns    │    │  conns    │    │  conns    │
//	│  bindings │    │  bindings │    │  bindings │
//	│  channels │    │  channels │    │  channels │
//	└───────────┘    └───────────┘    └───────────┘
//
// # Message Flow
//
// Nickname reservation:
//  1. Shard receives NICKNAME_REQUEST and records a pending entry keyed by
//     connection id
//  2. Shard pushes a NicknameRequest to the coordinator
//  3. Coordinator decides in arrival order and pushes a Decision back
//  4. Shard matches the Decision by connection id and request id
//
// Private and channel messages:
//  1. Shard validates and stamps the sender's nickname
//  2. Coordinator pushes the message to every attached shard
//  3. Each shard delivers to its own matching connections
//
// # Mailboxes
//
// Each actor owns exactly one Mailbox and is the only goroutine that drains
// it. Mailboxes are unbounded, so the coordinator posting to a shard and the
// shard posting to the coordinator can never block each other.
package cluster
