package integration

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/chatrelay/internal/client"
	"github.com/dreamware/chatrelay/internal/cluster"
	"github.com/dreamware/chatrelay/internal/coordinator"
	"github.com/dreamware/chatrelay/internal/server"
	"github.com/dreamware/chatrelay/internal/shard"
	"github.com/dreamware/chatrelay/internal/wire"
)

// TestSystem is a complete relay running in-process behind a real TCP
// listener.
type TestSystem struct {
	t      *testing.T
	shards []*shard.Shard
	addr   string
}

// NewTestSystem starts a coordinator, n shards and the TCP accept loop. Everything
// is stopped when the test ends.
func NewTestSystem(t *testing.T, n int) *TestSystem {
	t.Helper()
	log := zaptest.NewLogger(t)
	coord := coordinator.New(log, nil, nil)

	shards := make([]*shard.Shard, n)
	for i := range shards {
		shards[i] = shard.New(cluster.ShardID(i), coord, shard.Options{Logger: log})
		coord.Attach(shards[i])
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2 + n)
	go func() { defer wg.Done(); _ = coord.Run(ctx) }()
	for _, s := range shards {
		go func() { defer wg.Done(); _ = s.Run(ctx) }()
	}
	srv := server.New(log, server.NewBalancer(shards), 0)
	go func() { defer wg.Done(); _ = srv.ServeTCP(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return &TestSystem{t: t, shards: shards, addr: ln.Addr().String()}
}

// Connect opens a client and waits until its shard has taken it, so the
// next connection is placed with up-to-date load.
func (ts *TestSystem) Connect() *client.Client {
	ts.t.Helper()
	before := ts.totalLoad()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, ts.addr)
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { _ = c.Close() })
	require.Eventually(ts.t, func() bool { return ts.totalLoad() == before+1 }, 2*time.Second, 2*time.Millisecond)
	return c
}

// Register connects and binds name.
func (ts *TestSystem) Register(name string) *client.Client {
	ts.t.Helper()
	c := ts.Connect()
	_, err := c.RequestNickname(name)
	require.NoError(ts.t, err, "register %s", name)
	return c
}

func (ts *TestSystem) totalLoad() int {
	total := 0
	for _, s := range ts.shards {
		total += s.Load()
	}
	return total
}

// Loads returns the connection count of every shard.
func (ts *TestSystem) Loads() []int {
	loads := make([]int, len(ts.shards))
	for i, s := range ts.shards {
		loads[i] = s.Load()
	}
	return loads
}

// Members returns the number of connections joined to channel across all
// shards.
func (ts *TestSystem) Members(channel string) int {
	ts.t.Helper()
	total := 0
	for _, s := range ts.shards {
		info, err := s.Info(context.Background())
		require.NoError(ts.t, err)
		total += info.Channels[channel]
	}
	return total
}

func assertSilent(t *testing.T, c *client.Client) {
	t.Helper()
	c.SetTimeout(150 * time.Millisecond)
	m, err := c.Recv()
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected no delivery, got %+v (err %v)", m, err)
	}
}

func requireRejected(t *testing.T, err error, code string) wire.Message {
	t.Helper()
	var rejected *client.RejectedError
	require.True(t, errors.As(err, &rejected), "expected a structured failure, got %v", err)
	assert.Equal(t, code, rejected.Reply.Code)
	return rejected.Reply
}

func TestClientsSpreadAcrossShards(t *testing.T) {
	ts := NewTestSystem(t, 3)
	for range 6 {
		ts.Connect()
	}
	assert.Equal(t, []int{2, 2, 2}, ts.Loads())
}

func TestConcurrentNicknameRequestsAcrossShards(t *testing.T) {
	ts := NewTestSystem(t, 2)
	a, b := ts.Connect(), ts.Connect()
	require.Equal(t, []int{1, 1}, ts.Loads(), "contenders must live on different shards")

	for _, name := range []string{"alice", "bob", "carol", "dave", "erin", "frank", "grace", "heidi"} {
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, c := range []*client.Client{a, b} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = c.RequestNickname(name)
			}()
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
				continue
			}
			reply := requireRejected(t, err, wire.CodeConflict)
			assert.Equal(t, name, reply.Nickname)
		}
		require.Equal(t, 1, winners, "exactly one connection gets %q", name)

		// Fresh, unbound contenders for the next round.
		_ = a.Close()
		_ = b.Close()
		require.Eventually(t, func() bool { return ts.totalLoad() == 0 }, 2*time.Second, 2*time.Millisecond)
		a, b = ts.Connect(), ts.Connect()
		require.Equal(t, []int{1, 1}, ts.Loads())
	}
}

func TestNicknameAvailableAfterTeardown(t *testing.T) {
	ts := NewTestSystem(t, 3)
	alice := ts.Register("alice")

	second := ts.Connect()
	_, err := second.RequestNickname("alice")
	requireRejected(t, err, wire.CodeConflict)

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		_, err := second.RequestNickname("alice")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPrivateMessageReachesOnlyRecipient(t *testing.T) {
	ts := NewTestSystem(t, 3)
	alice := ts.Register("alice")
	bob := ts.Register("bob")
	carol := ts.Register("carol")
	require.Equal(t, []int{1, 1, 1}, ts.Loads())

	require.NoError(t, alice.Private("bob", "hello bob, are you there?"))

	got, err := bob.Recv()
	require.NoError(t, err)
	assert.Equal(t, wire.Message{
		Cmd:  wire.PrivateMessage,
		From: "alice",
		To:   "bob",
		Msg:  "hello bob, are you there?",
	}, got)
	assertSilent(t, alice)
	assertSilent(t, carol)
}

func TestPrivateMessageToUnknownNickname(t *testing.T) {
	ts := NewTestSystem(t, 2)
	alice := ts.Register("alice")
	bob := ts.Register("bob")

	require.NoError(t, alice.Private("nobody", "hello?"))
	assertSilent(t, bob)
	assertSilent(t, alice)
}

func TestChannelMessageReachesAllMembers(t *testing.T) {
	ts := NewTestSystem(t, 3)
	alice := ts.Register("alice")
	bob := ts.Register("bob")
	carol := ts.Register("carol")
	dave := ts.Register("dave")

	for _, c := range []*client.Client{alice, bob, dave} {
		_, err := c.Join("CH1")
		require.NoError(t, err)
	}
	_, err := carol.Join("CH2")
	require.NoError(t, err)
	assert.Equal(t, 3, ts.Members("CH1"))

	require.NoError(t, alice.Say("CH1", "hello channel"))

	want := wire.Message{Cmd: wire.ChannelMessage, From: "alice", Channel: "CH1", Msg: "hello channel"}
	for _, c := range []*client.Client{alice, bob, dave} {
		got, err := c.Recv()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assertSilent(t, carol)
}

func TestJoinUnknownChannel(t *testing.T) {
	ts := NewTestSystem(t, 2)
	alice := ts.Register("alice")
	_, err := alice.Join("CH1")
	require.NoError(t, err)

	_, err = alice.Join("CH42")
	reply := requireRejected(t, err, wire.CodeValidation)
	assert.Contains(t, reply.Msg, "unknown channel")

	assert.Equal(t, 1, ts.Members("CH1"))
	assert.Zero(t, ts.Members("CH2"))
	assert.Zero(t, ts.Members("CH42"))
}

func TestTeardownLeavesChannels(t *testing.T) {
	ts := NewTestSystem(t, 2)
	alice := ts.Register("alice")
	bob := ts.Register("bob")
	for _, c := range []*client.Client{alice, bob} {
		for _, ch := range []string{"CH1", "CH3"} {
			_, err := c.Join(ch)
			require.NoError(t, err)
		}
	}

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		return ts.Members("CH1") == 1 && ts.Members("CH3") == 1
	}, 2*time.Second, 10*time.Millisecond)

	newcomer := ts.Connect()
	_, err := newcomer.RequestNickname("alice")
	require.NoError(t, err)

	require.NoError(t, bob.Say("CH3", "still here"))
	got, err := bob.Recv()
	require.NoError(t, err)
	assert.Equal(t, "still here", got.Msg)
	assertSilent(t, newcomer)
}

func TestMessagesBeforeRegistration(t *testing.T) {
	ts := NewTestSystem(t, 2)
	ts.Register("bob")
	anon := ts.Connect()
	anon.SetTimeout(2 * time.Second)

	for _, m := range []wire.Message{
		{Cmd: wire.PrivateMessage, To: "bob", Msg: "hi"},
		{Cmd: wire.ChannelMessage, Channel: "CH1", Msg: "hi"},
	} {
		require.NoError(t, anon.Send(m))
		reply, err := anon.Recv()
		require.NoError(t, err)
		assert.Equal(t, m.Cmd, reply.Cmd)
		assert.False(t, reply.Succeeded())
		assert.Equal(t, wire.CodeValidation, reply.Code)
	}

	_, err := anon.RequestNickname("anon")
	require.NoError(t, err, "the connection stays usable after validation failures")
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	ts := NewTestSystem(t, 1)
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	payload := "{not json"
	_, err = conn.Write(append([]byte{byte(len(payload))}, payload...))
	require.NoError(t, err)

	dec := wire.NewDecoder(conn, 0)
	reply, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, wire.CodeFraming, reply.Code)

	// A request split across two writes is reassembled
	frame, err := wire.EncodeFrame(wire.Message{Cmd: wire.NicknameRequest, Msg: "alice"})
	require.NoError(t, err)
	_, err = conn.Write(frame[:3])
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write(frame[3:])
	require.NoError(t, err)

	reply, err = dec.Decode()
	require.NoError(t, err)
	assert.True(t, reply.Succeeded())
}

func TestOversizeFrameClosesConnection(t *testing.T) {
	ts := NewTestSystem(t, 1)
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	frame, err := wire.EncodeFrame(wire.Message{Cmd: wire.NicknameRequest, Msg: "alice"})
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
	reply, err := wire.NewDecoder(conn, 0).Decode()
	require.NoError(t, err)
	require.True(t, reply.Succeeded())

	// Only the length prefix; the relay must give up before reading a body.
	_, err = conn.Write(varint.ToUvarint(wire.DefaultMaxFrame + 1))
	require.NoError(t, err)
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return ts.totalLoad() == 0 }, 2*time.Second, 2*time.Millisecond)

	again := ts.Connect()
	require.Eventually(t, func() bool {
		_, err := again.RequestNickname("alice")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}
