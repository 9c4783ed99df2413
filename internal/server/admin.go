package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/chatrelay/internal/cluster"
	"github.com/dreamware/chatrelay/internal/coordinator"
	"github.com/dreamware/chatrelay/internal/shard"
)

const queryTimeout = 2 * time.Second

// Registry is the read side of the coordinator used by the admin API.
type Registry interface {
	Snapshot(ctx context.Context) ([]cluster.Reservation, error)
}

// Admin serves the operator HTTP API.
//
//	GET /health     200 while at least one shard is live, 503 otherwise
//	GET /nicknames  reserved nicknames and their owning shards
//	GET /shards     per-shard connections, nicknames, channels and liveness
//	GET /channels   the channel catalog
//	GET /metrics    Prometheus exposition
type Admin struct {
	log      *zap.Logger
	registry Registry
	watchdog *coordinator.Watchdog
	shards   []*shard.Shard
	gatherer prometheus.Gatherer
}

// NewAdmin creates the admin API. watchdog and gatherer may be nil.
func NewAdmin(log *zap.Logger, registry Registry, watchdog *coordinator.Watchdog, shards []*shard.Shard, gatherer prometheus.Gatherer) *Admin {
	if log == nil {
		log = zap.NewNop()
	}
	return &Admin{
		log:      log.Named("admin"),
		registry: registry,
		watchdog: watchdog,
		shards:   shards,
		gatherer: gatherer,
	}
}

// Handler returns the admin routes.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/nicknames", a.handleNicknames)
	mux.HandleFunc("/shards", a.handleShards)
	mux.HandleFunc("/channels", a.handleChannels)
	if a.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// handleHealth counts shards that have not stopped and that the watchdog
// still tracks as not dead. The coordinator forgets a shard once it is
// detached, so an untracked shard is not live either.
func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var health map[cluster.ShardID]*coordinator.ShardHealth
	if a.watchdog != nil {
		health = a.watchdog.All()
	}
	live := 0
	for _, s := range a.shards {
		if s.State() == shard.ShardStateStopped {
			continue
		}
		if health != nil {
			if h, ok := health[s.ID()]; !ok || h.Status == coordinator.StatusDead {
				continue
			}
		}
		live++
	}
	status, code := "ok", http.StatusOK
	if live == 0 {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	a.writeJSON(w, code, struct {
		Status string `json:"status"`
		Shards int    `json:"shards"`
		Live   int    `json:"live"`
	}{Status: status, Shards: len(a.shards), Live: live})
}

func (a *Admin) handleNicknames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	reservations, err := a.registry.Snapshot(ctx)
	if err != nil {
		a.log.Warn("nickname snapshot failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if reservations == nil {
		reservations = []cluster.Reservation{}
	}
	a.writeJSON(w, http.StatusOK, struct {
		Nicknames []cluster.Reservation `json:"nicknames"`
		Count     int                   `json:"count"`
	}{Nicknames: reservations, Count: len(reservations)})
}

type shardView struct {
	shard.Info
	Health string `json:"health"`
}

func (a *Admin) handleShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	views := make([]shardView, 0, len(a.shards))
	var errs error
	for _, s := range a.shards {
		info, err := s.Info(ctx)
		if err != nil && !errors.Is(err, shard.ErrShardStopped) {
			errs = multierr.Append(errs, err)
			continue
		}
		views = append(views, shardView{Info: info, Health: a.health(info)})
	}
	if errs != nil {
		a.log.Warn("shard query failed", zap.Error(errs))
		http.Error(w, errs.Error(), http.StatusServiceUnavailable)
		return
	}
	a.writeJSON(w, http.StatusOK, struct {
		Shards    []shardView `json:"shards"`
		NumShards int         `json:"num_shards"`
	}{Shards: views, NumShards: len(a.shards)})
}

func (a *Admin) health(info shard.Info) string {
	if info.State == shard.ShardStateStopped {
		return coordinator.StatusDead
	}
	if a.watchdog == nil {
		return coordinator.StatusUnknown
	}
	if h := a.watchdog.Health(info.ID); h != nil {
		return h.Status
	}
	return coordinator.StatusUnknown
}

func (a *Admin) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channels := []string{}
	if len(a.shards) > 0 {
		channels = a.shards[0].Catalog().Names()
	}
	a.writeJSON(w, http.StatusOK, struct {
		Channels []string `json:"channels"`
	}{Channels: channels})
}

func (a *Admin) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Debug("write response", zap.Error(err))
	}
}
