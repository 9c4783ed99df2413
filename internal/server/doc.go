// Package server is the relay's outer surface: the accept loops that turn
// network connections into shard streams, and the operator HTTP API.
//
// # Connection Placement
//
// Every accepted connection, TCP or WebSocket, is given to exactly one shard
// chosen by Balancer. The balancer picks the live shard with the fewest open
// connections, so shards fill evenly and a stopped shard never receives new
// clients. Placement is final: a connection stays on its shard until it
// closes or the shard exits.
//
//	             ┌──────────┐
//	TCP  ──────► │          │ ──► shard-0
//	             │ Balancer │ ──► shard-1
//	WS   ──────► │          │ ──► shard-2
//	             └──────────┘
//
// # Accept Loop
//
// ServeTCP runs until its context is cancelled. Transient accept errors are
// retried with a capped backoff; anything else ends the loop with an error.
// WebSocketHandler serves the same protocol at /ws with one JSON record per
// text message.
//
// # Admin API
//
// Admin exposes read-only views for operators:
//
//	GET /health     liveness of the relay as a whole
//	GET /nicknames  {"nicknames":[{"nickname":"alice","shard":0}],"count":1}
//	GET /shards     per-shard info plus watchdog status
//	GET /channels   {"channels":["CH1","CH2","CH3"]}
//	GET /metrics    Prometheus metrics
//
// The nickname and shard views are answered by the coordinator and shard
// event loops themselves, so they are consistent with the order in which
// requests were decided.
package server
