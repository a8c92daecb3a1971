package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/krisalay/doccache/types"
)

// Keys for outcome labels.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Prometheus reports cache events as Prometheus collectors.
// Register Collectors() with a registry before use.
type Prometheus struct {
	lookups       *prometheus.CounterVec
	discards      *prometheus.CounterVec
	writeBacks    *prometheus.CounterVec
	recoveryOps   *prometheus.CounterVec
	replays       *prometheus.CounterVec
	pendingWrites prometheus.Gauge
}

var _ types.Metrics = (*Prometheus)(nil)

// NewPrometheus builds unregistered collectors.
func NewPrometheus() *Prometheus {
	return &Prometheus{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doccache_lookups_total",
			Help: "Cumulative number of document lookups, by result (hit or miss).",
		}, []string{"result"}),
		discards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doccache_discards_total",
			Help: "Cumulative number of entries discarded from memory, by reason (evict or expire).",
		}, []string{"reason"}),
		writeBacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doccache_write_backs_total",
			Help: "Cumulative number of write-back attempts to the backing store, by status.",
		}, []string{"status"}),
		recoveryOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doccache_recovery_log_ops_total",
			Help: "Cumulative number of durable recovery log operations, by op (put or remove).",
		}, []string{"op"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doccache_replays_total",
			Help: "Cumulative number of recovery records replayed at startup, by status.",
		}, []string{"status"}),
		pendingWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "doccache_pending_writes",
			Help: "Number of snapshots awaiting confirmation by the backing store.",
		}),
	}
}

// Collectors returns every collector, for registration.
func (p *Prometheus) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		p.lookups,
		p.discards,
		p.writeBacks,
		p.recoveryOps,
		p.replays,
		p.pendingWrites,
	}
}

func (p *Prometheus) Hit()                { p.lookups.WithLabelValues("hit").Inc() }
func (p *Prometheus) Miss()               { p.lookups.WithLabelValues("miss").Inc() }
func (p *Prometheus) Eviction()           { p.discards.WithLabelValues("evict").Inc() }
func (p *Prometheus) Expire()             { p.discards.WithLabelValues("expire").Inc() }
func (p *Prometheus) WriteBack(ok bool)   { p.writeBacks.WithLabelValues(status(ok)).Inc() }
func (p *Prometheus) RecoveryPut()        { p.recoveryOps.WithLabelValues("put").Inc() }
func (p *Prometheus) RecoveryRemove()     { p.recoveryOps.WithLabelValues("remove").Inc() }
func (p *Prometheus) Replay(ok bool)      { p.replays.WithLabelValues(status(ok)).Inc() }
func (p *Prometheus) PendingWrites(n int) { p.pendingWrites.Set(float64(n)) }

func status(ok bool) string {
	if ok {
		return Ok
	}
	return Fail
}
