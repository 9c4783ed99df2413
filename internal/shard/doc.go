// Package shard implements the connection-owning half of the chat relay.
// A shard holds a disjoint subset of client connections together with
// everything those connections own: their nickname bindings, their channel
// memberships and their outstanding nickname requests.
//
// # Overview
//
// Clients never talk to each other directly. A client is handed to exactly
// one shard by the accept loop, and from then on every message it sends is
// validated by that shard and, if it is traffic for other clients, passed to
// the coordinator, which broadcasts it back to every shard. Each shard then
// delivers the broadcast to its own matching connections.
//
// # Architecture
//
//	           ┌────────────────────────────────────────────┐
//	           │                   SHARD                    │
//	           │                                            │
//	Stream ──► │  readLoop ─┐                               │
//	Stream ──► │  readLoop ─┼──► Mailbox ──► Run goroutine  │ ──► Hub
//	           │            │       ▲        │              │
//	Hub ──────►│  decided / relayed ┘        ├─ conns       │
//	           │                             ├─ bindings    │
//	Stream ◄── │  writeLoop ◄── out queue ◄──┤─ members     │
//	           │                             └─ pending     │
//	           └────────────────────────────────────────────┘
//
// Each connection gets a reader goroutine and a writer goroutine. Readers
// push decoded messages into the shard mailbox; the writer drains a bounded
// per-connection queue. The registries themselves are touched only by the Run
// goroutine, so they need no locks.
//
// # Registries
//
//   - conns: every live connection by its generated id
//   - bindings: nickname to connection, populated only by a coordinator grant
//   - members: channel name to the set of joined connections
//   - pending: connection id to the single outstanding nickname request
//   - abandoned: requests that timed out or lost their connection and whose
//     decision has not arrived yet
//
// # Nickname Requests
//
// A NICKNAME_REQUEST is forwarded to the coordinator tagged with the
// connection id and a fresh request id. The decision is matched back on both,
// so two connections asking for the same name concurrently each get their
// own answer. A request that gets no decision within NicknameTimeout fails
// with a timeout reply. A grant that arrives for a request that timed out,
// or for a connection that has gone away, is released straight back to the
// coordinator so the name does not stay reserved with no owner. Until that
// late decision arrives, a new request for the same name on this shard gets
// a "validation" failure asking the client to retry, not a misleading
// "conflict" against the shard's own abandoned request.
//
// # Validation
//
// Malformed or invalid input produces a failure reply to the sender and
// leaves the connection open:
//
//   - a payload that does not decode gets a "framing" failure
//   - an unrecognized command gets "unknown_command"
//   - messages from a connection without a nickname, to an unknown channel,
//     or with an empty body get "validation"
//
// Only a broken stream (oversized or truncated frame, I/O error) ends a
// connection.
//
// # Teardown
//
// Closing a connection removes its binding, releases its nickname at the
// coordinator, cancels its pending request and drops it from every channel
// it joined. The cost is proportional to the connection's own joins, not to
// the total number of members.
//
// A client that cannot drain its outbound queue is disconnected. Delivery is
// never allowed to block the shard.
//
// # Shard Exit
//
// When Run returns, whether because the context was cancelled, Stop was
// called or the loop panicked, every connection is closed and the hub is
// told the shard exited. The coordinator then releases all of the shard's
// nicknames and stops routing to it. Other shards are unaffected.
//
// # Usage Example
//
//	s := shard.New(0, coord, shard.Options{Logger: log})
//	coord.Attach(s)
//	go s.Run(ctx)
//
//	// for every accepted connection
//	if err := s.Attach(transport.NewTCPStream(conn, maxFrame)); err != nil {
//	    log.Warn("shard unavailable", zap.Error(err))
//	}
package shard
