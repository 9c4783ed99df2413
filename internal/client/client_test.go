package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/chatrelay/internal/wire"
)

// scriptedServer accepts one connection and answers each request with the
// next canned batch of records.
func scriptedServer(t *testing.T, batches ...[]wire.Message) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dec, enc := wire.NewDecoder(conn, 0), wire.NewEncoder(conn, 0)
		for _, batch := range batches {
			if _, err := dec.Decode(); err != nil {
				return
			}
			for _, m := range batch {
				if err := enc.Encode(m); err != nil {
					return
				}
			}
		}
		_, _ = dec.Decode()
	}()
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	c.SetTimeout(2 * time.Second)
	return c
}

func TestRequestNicknameKeepsEarlierDeliveries(t *testing.T) {
	granted := wire.OK(wire.NicknameRequest)
	granted.Nickname = "alice"
	delivery := wire.Message{Cmd: wire.ChannelMessage, From: "bob", Channel: "CH1", Msg: "hi"}

	c := dial(t, scriptedServer(t, []wire.Message{delivery, granted}))

	reply, err := c.RequestNickname("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", reply.Nickname)

	m, err := c.Recv()
	require.NoError(t, err)
	assert.Equal(t, delivery, m)
}

func TestRejectedResponse(t *testing.T) {
	denied := wire.Failure(wire.JoinChannel, wire.CodeValidation, "unknown channel")
	c := dial(t, scriptedServer(t, []wire.Message{denied}))

	reply, err := c.Join("CH9")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, wire.CodeValidation, rejected.Reply.Code)
	assert.Equal(t, reply, rejected.Reply)
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), addr)
	assert.Error(t, err)
}
