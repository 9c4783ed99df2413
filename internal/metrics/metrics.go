// Package metrics defines the Prometheus collectors exported by the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatrelay"

// Relay groups every collector the coordinator and shards update.
// A nil *Relay is valid and records nothing.
type Relay struct {
	NicknameDecisions *prometheus.CounterVec // result = granted|conflict|detached
	NicknameReleases  prometheus.Counter
	Reservations      prometheus.Gauge
	Relayed           *prometheus.CounterVec // cmd
	ShardExits        prometheus.Counter

	Connections    *prometheus.GaugeVec   // shard
	Failures       *prometheus.CounterVec // code
	Delivered      *prometheus.CounterVec // cmd
	PendingExpired prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Relay {
	m := &Relay{
		NicknameDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "nickname_decisions_total",
			Help:      "Nickname requests decided by the coordinator, by result.",
		}, []string{"result"}),
		NicknameReleases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "nickname_releases_total",
			Help:      "Nicknames removed from the reservation table.",
		}),
		Reservations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "reservations",
			Help:      "Nicknames currently reserved.",
		}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "relayed_total",
			Help:      "Messages fanned out to shards, by command.",
		}, []string{"cmd"}),
		ShardExits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "shard_exits_total",
			Help:      "Shards detached after exiting or missing heartbeats.",
		}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "connections",
			Help:      "Live client connections per shard.",
		}, []string{"shard"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "failures_total",
			Help:      "Failure responses sent to clients, by code.",
		}, []string{"code"}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "delivered_total",
			Help:      "Messages delivered to local connections, by command.",
		}, []string{"cmd"}),
		PendingExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "nickname_timeouts_total",
			Help:      "Nickname requests failed because no decision arrived in time.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.NicknameDecisions, m.NicknameReleases, m.Reservations, m.Relayed, m.ShardExits,
			m.Connections, m.Failures, m.Delivered, m.PendingExpired,
		)
	}
	return m
}

// Decision counts one coordinator decision.
func (m *Relay) Decision(result string) {
	if m == nil {
		return
	}
	m.NicknameDecisions.WithLabelValues(result).Inc()
}

// Released counts one release and updates the reservation gauge.
func (m *Relay) Released(reserved int) {
	if m == nil {
		return
	}
	m.NicknameReleases.Inc()
	m.Reservations.Set(float64(reserved))
}

// Reserved updates the reservation gauge.
func (m *Relay) Reserved(reserved int) {
	if m == nil {
		return
	}
	m.Reservations.Set(float64(reserved))
}

// Relay counts one fan-out.
func (m *Relay) Relay(cmd string) {
	if m == nil {
		return
	}
	m.Relayed.WithLabelValues(cmd).Inc()
}

// ShardExited counts one detached shard.
func (m *Relay) ShardExited() {
	if m == nil {
		return
	}
	m.ShardExits.Inc()
}

// SetConnections records the live connection count for a shard.
func (m *Relay) SetConnections(shard string, n int) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(shard).Set(float64(n))
}

// Failure counts one failure response.
func (m *Relay) Failure(code string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(code).Inc()
}

// Deliver counts one local delivery.
func (m *Relay) Deliver(cmd string) {
	if m == nil {
		return
	}
	m.Delivered.WithLabelValues(cmd).Inc()
}

// Expired counts one timed out nickname request.
func (m *Relay) Expired() {
	if m == nil {
		return
	}
	m.PendingExpired.Inc()
}
