// Package wire defines the chat relay's message record and the frame codec
// used on byte-stream transports.
//
// # Records
//
// Every message is a JSON object with a required integer cmd:
//
//	1  NICKNAME_REQUEST   msg = requested nickname
//	2  PRIVATE_MESSAGE    to = recipient nickname, msg = body
//	3  JOIN_CHANNEL       msg = channel name
//	4  CHANNEL_MESSAGE    channel = channel name, msg = body
//	5  RELEASE_NICKNAME   internal only
//
// Responses repeat the request's cmd and set success. Failed responses also
// carry a code (validation, conflict, framing, unknown_command, timeout,
// unavailable) and a human readable msg. Deliveries of private and channel
// messages are the sender's record with from stamped by the relay.
//
// # Framing
//
// TCP does not preserve message boundaries, so each record is sent as
//
//	┌───────────────────┬──────────────────────────┐
//	│ uvarint length N  │ N bytes of JSON payload  │
//	└───────────────────┴──────────────────────────┘
//
// Decoder buffers partial frames and returns one message per call, so
// records split across or coalesced within TCP segments decode identically.
//
// # Errors
//
// A frame whose payload is not a valid record produces a *DecodeError. The
// frame has been consumed entirely, so the stream stays in sync and the
// caller can answer with a framing failure and keep reading. Length prefix
// errors, oversize frames and truncated streams are fatal for the stream.
package wire
