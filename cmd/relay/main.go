// Package main implements the chat relay service: a coordinator that owns
// the global nickname namespace and a fixed set of shards that own client
// connections, all in one process.
//
// Architecture:
//
//	┌───────────────────────────────────────────────┐
//	│                    relay                       │
//	├───────────────────────────────────────────────┤
//	│  Client endpoints:                            │
//	│    TCP        - varint framed JSON records    │
//	│    /ws        - one JSON record per message   │
//	├───────────────────────────────────────────────┤
//	│  Admin HTTP:                                  │
//	│    /health /nicknames /shards /channels       │
//	│    /metrics                                   │
//	├───────────────────────────────────────────────┤
//	│  Components:                                  │
//	│    Coordinator  - nickname arbitration, relay │
//	│    Shards       - connections, channels       │
//	│    Watchdog     - shard heartbeats            │
//	└───────────────────────────────────────────────┘
//
// Configuration is read from RELAY_* environment variables; see package
// config for the full list and defaults.
//
// Example usage:
//
//	RELAY_LISTEN=:9000 RELAY_SHARDS=8 RELAY_LOG_FORMAT=console ./relay
//
//	# list reserved nicknames
//	curl localhost:9090/nicknames
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/chatrelay/internal/cluster"
	"github.com/dreamware/chatrelay/internal/config"
	"github.com/dreamware/chatrelay/internal/coordinator"
	"github.com/dreamware/chatrelay/internal/metrics"
	"github.com/dreamware/chatrelay/internal/server"
	"github.com/dreamware/chatrelay/internal/shard"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// onReady is called with the bound addresses once every listener is open.
// Tests use it to wait for startup.
var onReady func(addrs)

const shutdownTimeout = 5 * time.Second

// addrs are the addresses the relay actually bound, which differ from the
// configured ones when a port of 0 is used.
type addrs struct {
	TCP   string
	WS    string
	Admin string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logFatal("config: %v", err)
		return
	}
	logger, err := newLogger(cfg)
	if err != nil {
		logFatal("logger: %v", err)
		return
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger, onReady); err != nil {
		logFatal("relay: %v", err)
		return
	}
	logger.Info("relay stopped")
}

// newLogger builds a JSON production logger or a console development logger
// at the configured level.
func newLogger(cfg config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	return zc.Build()
}

// run starts every component and blocks until ctx is cancelled or a
// listener fails. A shard that exits on its own is logged and left down;
// its nicknames are released and the balancer stops using it. A shard the
// watchdog declares dead is excluded from placement before it is stopped.
func run(ctx context.Context, cfg config.Config, log *zap.Logger, ready func(addrs)) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	wd := coordinator.NewWatchdog(cfg.Heartbeat, log)
	coord := coordinator.New(log, m, wd)

	shards := make([]*shard.Shard, cfg.Shards)
	for i := range shards {
		shards[i] = shard.New(cluster.ShardID(i), coord, shard.Options{
			Logger:            log,
			Metrics:           m,
			Channels:          cfg.Channels,
			NicknameTimeout:   cfg.NicknameTimeout,
			HeartbeatInterval: cfg.Heartbeat,
			SendQueue:         cfg.SendQueue,
		})
		coord.Attach(shards[i])
	}
	balancer := server.NewBalancer(shards)
	wd.SetOnDead(func(id cluster.ShardID) {
		log.Error("shard missed heartbeats, detaching", zap.Stringer("shard", id))
		balancer.Exclude(id)
		coord.ShardExited(id)
		if int(id) >= 0 && int(id) < len(shards) {
			shards[id].Stop()
		}
	})

	lns, bound, err := listen(cfg)
	if err != nil {
		return err
	}
	log.Info("relay starting",
		zap.String("tcp", bound.TCP),
		zap.String("ws", bound.WS),
		zap.String("admin", bound.Admin),
		zap.Int("shards", cfg.Shards),
		zap.Strings("channels", cfg.Channels))

	srv := server.New(log, balancer, cfg.MaxFrame)
	admin := server.NewAdmin(log, coord, wd, shards, reg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return wd.Run(gctx) })
	for _, s := range shards {
		g.Go(func() error {
			if err := s.Run(gctx); err != nil {
				log.Error("shard exited", zap.Stringer("shard", s.ID()), zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error { return srv.ServeTCP(gctx, lns.tcp) })
	if lns.ws != nil {
		g.Go(serveHTTP(gctx, &http.Server{Handler: srv.WebSocketHandler(), ReadHeaderTimeout: 5 * time.Second}, lns.ws))
	}
	g.Go(serveHTTP(gctx, &http.Server{Handler: admin.Handler(), ReadHeaderTimeout: 5 * time.Second}, lns.admin))

	if ready != nil {
		ready(bound)
	}
	return g.Wait()
}

type listeners struct {
	tcp   net.Listener
	ws    net.Listener
	admin net.Listener
}

func (l listeners) close() error {
	var errs error
	for _, ln := range []net.Listener{l.tcp, l.ws, l.admin} {
		if ln != nil {
			errs = multierr.Append(errs, ln.Close())
		}
	}
	return errs
}

// listen opens every configured endpoint, closing whatever was opened if
// one of them fails.
func listen(cfg config.Config) (listeners, addrs, error) {
	var (
		lns   listeners
		bound addrs
		err   error
	)
	if lns.tcp, err = net.Listen("tcp", cfg.Listen); err != nil {
		return lns, bound, fmt.Errorf("listen tcp %s: %w", cfg.Listen, err)
	}
	bound.TCP = lns.tcp.Addr().String()

	if cfg.WSListen != "" {
		if lns.ws, err = net.Listen("tcp", cfg.WSListen); err != nil {
			err = fmt.Errorf("listen ws %s: %w", cfg.WSListen, err)
			return lns, bound, multierr.Append(err, lns.close())
		}
		bound.WS = lns.ws.Addr().String()
	}

	if lns.admin, err = net.Listen("tcp", cfg.AdminAddr); err != nil {
		err = fmt.Errorf("listen admin %s: %w", cfg.AdminAddr, err)
		return lns, bound, multierr.Append(err, lns.close())
	}
	bound.Admin = lns.admin.Addr().String()
	return lns, bound, nil
}

// serveHTTP serves srv on ln until ctx is cancelled, then shuts it down
// gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, ln net.Listener) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ln) }()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
