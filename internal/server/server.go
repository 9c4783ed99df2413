package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/chatrelay/internal/shard"
	"github.com/dreamware/chatrelay/internal/transport"
)

// Server accepts client connections and hands them to shards.
type Server struct {
	log      *zap.Logger
	balancer *Balancer
	maxFrame int
}

// New creates a server. maxFrame bounds a single inbound record for both
// transports.
func New(log *zap.Logger, b *Balancer, maxFrame int) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{log: log.Named("server"), balancer: b, maxFrame: maxFrame}
}

// ServeTCP accepts framed TCP clients from ln and hands each one to the
// balancer until ctx is cancelled. Cancelling ctx closes ln and ServeTCP
// returns nil.
//
// Accept failures other than a closed listener (EMFILE, ENFILE, aborted
// handshakes) are transient: the loop backs off, from 5ms doubling up to 1s,
// and keeps accepting. Connections already handed to shards are never
// affected by an accept failure.
//
// Parameters:
//   - ctx: Stops the loop and closes ln when cancelled
//   - ln: Listener to accept from; owned by ServeTCP from here on
//
// Returns:
//   - nil after ctx is cancelled
//   - An error wrapping net.ErrClosed if ln was closed by someone else
//
// Example:
//
//	ln, _ := net.Listen("tcp", ":7000")
//	g.Go(func() error { return srv.ServeTCP(ctx, ln) })
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.Info("accepting tcp clients", zap.Stringer("addr", ln.Addr()))
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			delay = backoff(delay)
			s.log.Warn("accept error, retrying", zap.Error(err), zap.Duration("delay", delay))
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			continue
		}
		delay = 0
		s.assign(transport.NewTCPStream(conn, s.maxFrame))
	}
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// WebSocketHandler returns a handler that upgrades requests on /ws and hands
// the resulting stream to the balancer. Requests that are not WebSocket
// handshakes get 400 from the upgrader.
//
// Example:
//
//	hs := &http.Server{Handler: srv.WebSocketHandler()}
//	go hs.Serve(wsListener)
func (s *Server) WebSocketHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	stream, err := transport.Upgrade(w, r, s.maxFrame)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	s.assign(stream)
}

func (s *Server) assign(stream shard.Stream) {
	sh, err := s.balancer.Assign(stream)
	if err != nil {
		s.log.Warn("rejecting connection", zap.String("remote", stream.RemoteAddr()), zap.Error(err))
		_ = stream.Close()
		return
	}
	s.log.Debug("connection assigned", zap.String("remote", stream.RemoteAddr()), zap.Stringer("shard", sh.ID()))
}
