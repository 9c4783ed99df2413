package wire

import (
	"encoding/json"
	"fmt"
)

// Command identifies the kind of a message record.
type Command int

const (
	// NicknameRequest asks for a nickname; msg carries the name.
	NicknameRequest Command = 1
	// PrivateMessage carries msg from one nickname to the nickname in to.
	PrivateMessage Command = 2
	// JoinChannel subscribes the connection to the channel named in msg.
	JoinChannel Command = 3
	// ChannelMessage carries msg to every member of channel.
	ChannelMessage Command = 4
	// ReleaseNickname is internal to the relay and never accepted from clients.
	ReleaseNickname Command = 5
)

// String returns the protocol name of the command.
func (c Command) String() string {
	switch c {
	case NicknameRequest:
		return "NICKNAME_REQUEST"
	case PrivateMessage:
		return "PRIVATE_MESSAGE"
	case JoinChannel:
		return "JOIN_CHANNEL"
	case ChannelMessage:
		return "CHANNEL_MESSAGE"
	case ReleaseNickname:
		return "RELEASE_NICKNAME"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// ClientFacing reports whether a client may send the command.
func (c Command) ClientFacing() bool {
	return c >= NicknameRequest && c <= ChannelMessage
}

// Failure codes carried in Message.Code on unsuccessful responses.
const (
	CodeValidation     = "validation"
	CodeConflict       = "conflict"
	CodeFraming        = "framing"
	CodeUnknownCommand = "unknown_command"
	CodeTimeout        = "timeout"
	CodeUnavailable    = "unavailable"
)

// Message is the single record shape exchanged with clients and between
// shards and the coordinator. Which fields are meaningful depends on Cmd.
type Message struct {
	Cmd      Command `json:"cmd"`
	Msg      string  `json:"msg,omitempty"`
	To       string  `json:"to,omitempty"`
	Channel  string  `json:"channel,omitempty"`
	Success  *bool   `json:"success,omitempty"`
	From     string  `json:"from,omitempty"`
	Nickname string  `json:"nickname,omitempty"`
	Code     string  `json:"code,omitempty"`
}

// IsResponse reports whether m answers a request rather than delivering
// traffic from another client.
func (m Message) IsResponse() bool {
	return m.Success != nil
}

// Succeeded reports whether m is a successful response.
func (m Message) Succeeded() bool {
	return m.Success != nil && *m.Success
}

// OK builds a successful response to cmd.
func OK(cmd Command) Message {
	ok := true
	return Message{Cmd: cmd, Success: &ok}
}

// Failure builds an unsuccessful response to cmd.
func Failure(cmd Command, code, reason string) Message {
	ok := false
	return Message{Cmd: cmd, Success: &ok, Code: code, Msg: reason}
}

// Marshal encodes m as a JSON payload without framing.
func Marshal(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a single JSON payload. A payload that is not a JSON
// object with a cmd field yields a *DecodeError.
func Unmarshal(payload []byte) (Message, error) {
	var probe struct {
		Cmd *Command `json:"cmd"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return Message{}, &DecodeError{Err: err}
	}
	if probe.Cmd == nil {
		return Message{}, &DecodeError{Err: ErrMissingCommand}
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, &DecodeError{Err: err}
	}
	return m, nil
}
