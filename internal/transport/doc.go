// Package transport adapts network connections to the shard.Stream
// contract.
//
// Two transports are provided:
//
//   - TCPStream frames each record with the wire codec's varint length
//     prefix. Partial and coalesced reads are handled by wire.Decoder.
//   - WSStream sends one JSON record per WebSocket text message, which lets
//     browser clients speak the same command set without a framing layer.
//
// Both report a payload that does not decode as a recoverable
// *wire.DecodeError and treat anything else (oversized message, I/O error,
// peer close) as the end of the stream. Recv is meant for a single reader
// goroutine and Send for a single writer goroutine; Close may be called from
// anywhere and is idempotent.
package transport
