// Package client is a small protocol peer for the relay's TCP endpoint,
// used by integration tests and tooling.
//
// Responses and deliveries share one stream. The request helpers
// (RequestNickname, Join) wait for the response to their own command and
// keep any deliveries that arrive first, which Recv then returns in order.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dreamware/chatrelay/internal/transport"
	"github.com/dreamware/chatrelay/internal/wire"
)

// DefaultTimeout bounds every read when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// ErrRejected is returned by the request helpers when the relay answers with
// success=false. The failure response is available via errors.As on
// *RejectedError.
var ErrRejected = errors.New("request rejected")

// RejectedError carries the failure response.
type RejectedError struct {
	Reply wire.Message
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected (%s): %s", e.Reply.Cmd, e.Reply.Code, e.Reply.Msg)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Client is one connection to the relay. It is not safe for concurrent use.
type Client struct {
	conn    net.Conn
	stream  *transport.TCPStream
	timeout time.Duration
	backlog []wire.Message
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{
		conn:    conn,
		stream:  transport.NewTCPStream(conn, 0),
		timeout: DefaultTimeout,
	}, nil
}

// SetTimeout changes the per-read deadline.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Send writes one record.
func (c *Client) Send(m wire.Message) error {
	return c.stream.Send(m)
}

// Recv returns the next record, buffered deliveries first. A read that
// exceeds the timeout leaves the stream in an undefined state.
func (c *Client) Recv() (wire.Message, error) {
	if len(c.backlog) > 0 {
		m := c.backlog[0]
		c.backlog = c.backlog[1:]
		return m, nil
	}
	return c.read()
}

func (c *Client) read() (wire.Message, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	return c.stream.Recv()
}

// await reads until a response to cmd arrives, keeping anything else for
// Recv.
func (c *Client) await(cmd wire.Command) (wire.Message, error) {
	for {
		m, err := c.read()
		if err != nil {
			return wire.Message{}, err
		}
		if m.IsResponse() && (m.Cmd == cmd || m.Code == wire.CodeFraming) {
			if !m.Succeeded() {
				return m, &RejectedError{Reply: m}
			}
			return m, nil
		}
		c.backlog = append(c.backlog, m)
	}
}

// RequestNickname asks for name and waits for the decision.
func (c *Client) RequestNickname(name string) (wire.Message, error) {
	if err := c.Send(wire.Message{Cmd: wire.NicknameRequest, Msg: name}); err != nil {
		return wire.Message{}, err
	}
	return c.await(wire.NicknameRequest)
}

// Join joins channel and waits for the confirmation.
func (c *Client) Join(channel string) (wire.Message, error) {
	if err := c.Send(wire.Message{Cmd: wire.JoinChannel, Msg: channel}); err != nil {
		return wire.Message{}, err
	}
	return c.await(wire.JoinChannel)
}

// Private sends body to the client holding nickname to. Successful sends
// get no response.
func (c *Client) Private(to, body string) error {
	return c.Send(wire.Message{Cmd: wire.PrivateMessage, To: to, Msg: body})
}

// Say sends body to every member of channel, including this client if it
// joined.
func (c *Client) Say(channel, body string) error {
	return c.Send(wire.Message{Cmd: wire.ChannelMessage, Channel: channel, Msg: body})
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.stream.Close()
}
