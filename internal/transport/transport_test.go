package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/chatrelay/internal/wire"
)

func TestTCPStreamRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	s := NewTCPStream(server, 0)
	defer s.Close()
	defer client.Close()

	go func() {
		enc := wire.NewEncoder(client, 0)
		_ = enc.Encode(wire.Message{Cmd: wire.NicknameRequest, Msg: "alice"})
	}()

	m, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, wire.Message{Cmd: wire.NicknameRequest, Msg: "alice"}, m)

	reply := wire.OK(wire.NicknameRequest)
	reply.Nickname = "alice"
	errCh := make(chan error, 1)
	go func() { errCh <- s.Send(reply) }()

	got, err := wire.NewDecoder(client, 0).Decode()
	require.NoError(t, err)
	assert.True(t, got.Succeeded())
	assert.Equal(t, "alice", got.Nickname)
	require.NoError(t, <-errCh)
}

func TestTCPStreamMalformedThenValid(t *testing.T) {
	server, client := net.Pipe()
	s := NewTCPStream(server, 0)
	defer s.Close()
	defer client.Close()

	go func() {
		// varint length 5 followed by a payload that is not JSON
		_, _ = client.Write(append([]byte{5}, "nope!"...))
		_ = wire.NewEncoder(client, 0).Encode(wire.Message{Cmd: wire.JoinChannel, Msg: "CH1"})
	}()

	_, err := s.Recv()
	require.Error(t, err)
	assert.True(t, wire.IsRecoverable(err))

	m, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, wire.JoinChannel, m.Cmd)
}

func TestTCPStreamOversizeIsFatal(t *testing.T) {
	server, client := net.Pipe()
	s := NewTCPStream(server, 16)
	defer s.Close()
	defer client.Close()

	go func() {
		_ = wire.NewEncoder(client, 1024).Encode(wire.Message{Cmd: wire.PrivateMessage, To: "bob", Msg: strings.Repeat("x", 64)})
	}()

	_, err := s.Recv()
	assert.ErrorIs(t, err, wire.ErrFrameTooLarge)
	assert.False(t, wire.IsRecoverable(err))
}

func TestTCPStreamClose(t *testing.T) {
	server, client := net.Pipe()
	s := NewTCPStream(server, 0)

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close(), "second close returns the first result")

	_, err := client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "pipe", s.RemoteAddr())
}

// echoServer serves a WebSocket endpoint that echoes decoded records and
// reports decode errors as framing failures.
func echoServer(t *testing.T, maxFrame int) (string, <-chan error) {
	t.Helper()
	fatal := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := Upgrade(w, r, maxFrame)
		if err != nil {
			return
		}
		defer s.Close()
		for {
			m, err := s.Recv()
			if err != nil {
				if wire.IsRecoverable(err) {
					_ = s.Send(wire.Failure(0, wire.CodeFraming, err.Error()))
					continue
				}
				fatal <- err
				return
			}
			if err := s.Send(m); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), fatal
}

func TestWSStreamEcho(t *testing.T) {
	url, _ := echoServer(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := DialWS(ctx, url, 0)
	require.NoError(t, err)
	defer c.Close()

	want := wire.Message{Cmd: wire.ChannelMessage, Channel: "CH2", Msg: "hi all"}
	require.NoError(t, c.Send(want))
	got, err := c.Recv()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NotEmpty(t, c.RemoteAddr())
}

func TestWSStreamMalformedKeepsConnection(t *testing.T) {
	url, _ := echoServer(t, 0)
	raw, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer raw.Close()

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"msg":"no command"}`)))
	_, data, err := raw.ReadMessage()
	require.NoError(t, err)
	reply, err := wire.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, wire.CodeFraming, reply.Code)

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"cmd":3,"msg":"CH1"}`)))
	_, data, err = raw.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"cmd":3,"msg":"CH1"}`, string(data))
}

func TestWSStreamOversizeIsFatal(t *testing.T) {
	url, fatal := echoServer(t, 32)
	raw, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer raw.Close()

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"cmd":2,"to":"bob","msg":"`+strings.Repeat("x", 64)+`"}`)))

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, websocket.ErrReadLimit)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not end the stream")
	}
}

func TestWSStreamPeerCloseIsEOF(t *testing.T) {
	url, fatal := echoServer(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := DialWS(ctx, url, 0)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not see the close")
	}
}
