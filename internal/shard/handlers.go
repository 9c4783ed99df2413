package shard

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/chatrelay/internal/cluster"
	"github.com/dreamware/chatrelay/internal/coordinator"
	"github.com/dreamware/chatrelay/internal/wire"
)

// Validation failures reported to clients.
var (
	ErrNicknameRequired  = errors.New("nickname is required")
	ErrAlreadyRegistered = errors.New("connection already has a nickname")
	ErrRequestPending    = errors.New("a nickname request is already pending")
	ErrNotRegistered     = errors.New("request a nickname first")
	ErrRecipientRequired = errors.New("recipient is required")
	ErrBodyRequired      = errors.New("message body is required")
	ErrUnknownChannel    = errors.New("unknown channel")
	ErrAlreadyJoined     = errors.New("already a member of this channel")
	ErrNicknameTimeout   = errors.New("nickname request timed out")
	ErrNicknameResolving = errors.New("an earlier request for this nickname is still being resolved, retry shortly")
)

func (s *Shard) handleInbound(ev inbound) {
	c := ev.c
	if c.closed {
		return
	}
	if ev.err != nil {
		s.fail(c, wire.Failure(0, wire.CodeFraming, ev.err.Error()))
		return
	}

	m := ev.msg
	if !m.Cmd.ClientFacing() {
		s.fail(c, wire.Failure(m.Cmd, wire.CodeUnknownCommand, fmt.Sprintf("unrecognized command %d", int(m.Cmd))))
		return
	}
	switch m.Cmd {
	case wire.NicknameRequest:
		s.requestNickname(c, m)
	case wire.PrivateMessage:
		s.privateMessage(c, m)
	case wire.JoinChannel:
		s.joinChannel(c, m)
	case wire.ChannelMessage:
		s.channelMessage(c, m)
	}
}

func (s *Shard) fail(c *conn, reply wire.Message) {
	s.metrics.Failure(reply.Code)
	s.send(c, reply)
}

func (s *Shard) invalid(c *conn, cmd wire.Command, err error) {
	s.fail(c, wire.Failure(cmd, wire.CodeValidation, err.Error()))
}

func (s *Shard) requestNickname(c *conn, m wire.Message) {
	name := m.Msg
	if name == "" {
		name = m.Nickname
	}
	switch {
	case name == "":
		s.invalid(c, wire.NicknameRequest, ErrNicknameRequired)
		return
	case c.nickname != "":
		s.invalid(c, wire.NicknameRequest, ErrAlreadyRegistered)
		return
	case s.pending[c.id] != nil:
		s.invalid(c, wire.NicknameRequest, ErrRequestPending)
		return
	case s.resolving(name):
		// A late grant for the abandoned request would otherwise make this
		// one look like a conflict.
		s.invalid(c, wire.NicknameRequest, ErrNicknameResolving)
		return
	}

	p := &pending{requestID: uuid.NewString(), name: name}
	connID, requestID := c.id, p.requestID
	p.timer = time.AfterFunc(s.opts.NicknameTimeout, func() {
		s.inbox.Push(expired{connID: connID, requestID: requestID})
	})
	s.pending[c.id] = p

	s.hub.RequestNickname(cluster.NicknameRequest{
		Shard:     s.id,
		ConnID:    c.id,
		RequestID: p.requestID,
		Name:      name,
	})
}

// resolving reports whether a request for name was abandoned, by timeout or
// disconnect, and its decision has not arrived yet.
func (s *Shard) resolving(name string) bool {
	for _, n := range s.abandoned {
		if n == name {
			return true
		}
	}
	return false
}

// abandon stops p's timer and remembers it until its decision arrives.
func (s *Shard) abandon(p *pending) {
	p.timer.Stop()
	s.abandoned[p.requestID] = p.name
}

// handleDecision resolves a coordinator decision against the pending entry
// of the connection that asked, never by nickname alone.
func (s *Shard) handleDecision(d cluster.Decision) {
	p, ok := s.pending[d.ConnID]
	if !ok || p.requestID != d.RequestID {
		// The request timed out or its connection closed first.
		delete(s.abandoned, d.RequestID)
		if d.Granted {
			s.log.Debug("releasing orphaned grant", zap.String("nickname", d.Name), zap.String("conn", d.ConnID))
			s.hub.ReleaseNickname(s.id, d.Name)
		}
		return
	}
	p.timer.Stop()
	delete(s.pending, d.ConnID)
	c := s.conns[d.ConnID]

	if !d.Granted {
		code := wire.CodeConflict
		if errors.Is(d.Err, coordinator.ErrShardDetached) {
			code = wire.CodeUnavailable
		}
		reason := "nickname denied"
		if d.Err != nil {
			reason = d.Err.Error()
		}
		reply := wire.Failure(wire.NicknameRequest, code, reason)
		reply.Nickname = d.Name
		s.fail(c, reply)
		return
	}

	c.nickname = d.Name
	s.bindings[d.Name] = c
	reply := wire.OK(wire.NicknameRequest)
	reply.Nickname = d.Name
	s.send(c, reply)
	s.log.Debug("nickname bound", zap.String("nickname", d.Name), zap.String("conn", c.id))
}

func (s *Shard) handleExpired(ev expired) {
	p, ok := s.pending[ev.connID]
	if !ok || p.requestID != ev.requestID {
		return
	}
	delete(s.pending, ev.connID)
	s.abandon(p)
	s.metrics.Expired()
	s.log.Warn("nickname request timed out", zap.String("nickname", p.name), zap.String("conn", ev.connID))

	reply := wire.Failure(wire.NicknameRequest, wire.CodeTimeout, ErrNicknameTimeout.Error())
	reply.Nickname = p.name
	s.fail(s.conns[ev.connID], reply)
}

func (s *Shard) privateMessage(c *conn, m wire.Message) {
	switch {
	case c.nickname == "":
		s.invalid(c, wire.PrivateMessage, ErrNotRegistered)
		return
	case m.To == "":
		s.invalid(c, wire.PrivateMessage, ErrRecipientRequired)
		return
	case m.Msg == "":
		s.invalid(c, wire.PrivateMessage, ErrBodyRequired)
		return
	}
	s.hub.Relay(s.id, wire.Message{
		Cmd:  wire.PrivateMessage,
		From: c.nickname,
		To:   m.To,
		Msg:  m.Msg,
	})
}

func (s *Shard) joinChannel(c *conn, m wire.Message) {
	name := m.Msg
	if name == "" {
		name = m.Channel
	}
	if !s.catalog.Contains(name) {
		s.invalid(c, wire.JoinChannel, fmt.Errorf("%w %q", ErrUnknownChannel, name))
		return
	}
	if _, ok := c.joined[name]; ok {
		s.invalid(c, wire.JoinChannel, fmt.Errorf("%w %q", ErrAlreadyJoined, name))
		return
	}

	c.joined[name] = struct{}{}
	s.members[name][c.id] = c

	reply := wire.OK(wire.JoinChannel)
	reply.Channel = name
	reply.Msg = name
	s.send(c, reply)
}

func (s *Shard) channelMessage(c *conn, m wire.Message) {
	switch {
	case c.nickname == "":
		s.invalid(c, wire.ChannelMessage, ErrNotRegistered)
		return
	case !s.catalog.Contains(m.Channel):
		s.invalid(c, wire.ChannelMessage, fmt.Errorf("%w %q", ErrUnknownChannel, m.Channel))
		return
	case m.Msg == "":
		s.invalid(c, wire.ChannelMessage, ErrBodyRequired)
		return
	}
	s.hub.Relay(s.id, wire.Message{
		Cmd:     wire.ChannelMessage,
		From:    c.nickname,
		Channel: m.Channel,
		Msg:     m.Msg,
	})
}

// handleRelayed delivers a broadcast to the local connections it targets.
// Anything not addressed to this shard's connections is dropped; the shard
// that holds the recipient delivers from the same broadcast.
func (s *Shard) handleRelayed(m wire.Message) {
	switch m.Cmd {
	case wire.PrivateMessage:
		if c, ok := s.bindings[m.To]; ok {
			s.deliver(c, m)
		}
	case wire.ChannelMessage:
		for _, c := range s.members[m.Channel] {
			s.deliver(c, m)
		}
	default:
		s.log.Warn("ignoring relayed command", zap.Stringer("cmd", m.Cmd))
	}
}

func (s *Shard) deliver(c *conn, m wire.Message) {
	s.metrics.Deliver(m.Cmd.String())
	s.send(c, m)
}
