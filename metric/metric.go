// Package metric exposes the datastore's Prometheus metrics: commit
// phase durations, lock wait times, Sub-SHM ack latency, and replay
// lag, plus a registry services can use to add their own without
// colliding on names. Adapted from the teacher's metric/core.go and
// metric/registry.go (same platform-vs-per-caller split), narrowed to
// this module's own domain.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every core datastore metric, independent of any one
// module or session.
type Metrics struct {
	CommitsTotal       *prometheus.CounterVec
	CommitAborted      *prometheus.CounterVec
	CommitPhaseSeconds *prometheus.HistogramVec
	LockWaitSeconds    *prometheus.HistogramVec
	LockInconsistent   *prometheus.CounterVec
	SubAckSeconds      *prometheus.HistogramVec
	SubAckTimeouts     *prometheus.CounterVec
	ReplayLagSeconds   *prometheus.GaugeVec
	GenerationCurrent  prometheus.Gauge
	PendingOps         prometheus.Gauge
}

// NewMetrics creates every core metric, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		CommitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "yangstore",
				Subsystem: "commit",
				Name:      "total",
				Help:      "Total number of completed commits, by outcome",
			},
			[]string{"module", "outcome"},
		),
		CommitAborted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "yangstore",
				Subsystem: "commit",
				Name:      "aborted_total",
				Help:      "Total number of commits aborted, by reason",
			},
			[]string{"module", "reason"},
		),
		CommitPhaseSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "yangstore",
				Subsystem: "commit",
				Name:      "phase_duration_seconds",
				Help:      "Time spent in a single commit phase",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		LockWaitSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "yangstore",
				Subsystem: "locktable",
				Name:      "wait_seconds",
				Help:      "Time spent waiting to acquire a module lock",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"module", "kind"},
		),
		LockInconsistent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "yangstore",
				Subsystem: "locktable",
				Name:      "inconsistent_total",
				Help:      "Total number of write-lock acquisitions that recovered a dead holder's lease",
			},
			[]string{"module"},
		),
		SubAckSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "yangstore",
				Subsystem: "subshm",
				Name:      "ack_wait_seconds",
				Help:      "Time spent waiting for every cross-process subscriber to acknowledge a change event",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"module", "kind"},
		),
		SubAckTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "yangstore",
				Subsystem: "subshm",
				Name:      "ack_timeouts_total",
				Help:      "Total number of ack waits that timed out with subscribers unacknowledged",
			},
			[]string{"module", "kind"},
		),
		ReplayLagSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "yangstore",
				Subsystem: "replay",
				Name:      "lag_seconds",
				Help:      "Age of the most recently delivered replay entry for a module's replay consumer",
			},
			[]string{"module"},
		),
		GenerationCurrent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "yangstore",
				Subsystem: "shm",
				Name:      "generation",
				Help:      "Current MAIN-SHM generation counter",
			},
		),
		PendingOps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "yangstore",
				Subsystem: "shm",
				Name:      "pending_ops",
				Help:      "Number of queued but undrained module-table operations",
			},
		),
	}
}

// RecordCommit records a completed commit's outcome.
func (m *Metrics) RecordCommit(module, outcome string) {
	m.CommitsTotal.WithLabelValues(module, outcome).Inc()
}

// RecordAbort records an aborted commit and its reason.
func (m *Metrics) RecordAbort(module, reason string) {
	m.CommitAborted.WithLabelValues(module, reason).Inc()
}

// ObservePhaseDuration records how long a commit phase took.
func (m *Metrics) ObservePhaseDuration(phase string, seconds float64) {
	m.CommitPhaseSeconds.WithLabelValues(phase).Observe(seconds)
}

// ObserveLockWait records how long a lock acquisition waited.
func (m *Metrics) ObserveLockWait(module, kind string, seconds float64) {
	m.LockWaitSeconds.WithLabelValues(module, kind).Observe(seconds)
}

// RecordLockInconsistent records a dead-holder lease recovery.
func (m *Metrics) RecordLockInconsistent(module string) {
	m.LockInconsistent.WithLabelValues(module).Inc()
}

// ObserveAckWait records how long an ack-bitmap wait took.
func (m *Metrics) ObserveAckWait(module, kind string, seconds float64) {
	m.SubAckSeconds.WithLabelValues(module, kind).Observe(seconds)
}

// RecordAckTimeout records an ack wait that timed out.
func (m *Metrics) RecordAckTimeout(module, kind string) {
	m.SubAckTimeouts.WithLabelValues(module, kind).Inc()
}

// SetReplayLag sets the replay consumer's current lag for module.
func (m *Metrics) SetReplayLag(module string, seconds float64) {
	m.ReplayLagSeconds.WithLabelValues(module).Set(seconds)
}

// SetGeneration sets the current MAIN-SHM generation gauge.
func (m *Metrics) SetGeneration(gen uint64) {
	m.GenerationCurrent.Set(float64(gen))
}

// SetPendingOps sets the queued-operations gauge.
func (m *Metrics) SetPendingOps(n int) {
	m.PendingOps.Set(float64(n))
}

// Registry owns the Prometheus registry backing the core Metrics plus
// any caller-registered collectors, keyed to avoid name collisions
// across independently-developed subscribers sharing one process.
type Registry struct {
	prom    *prometheus.Registry
	Metrics *Metrics

	mu        sync.RWMutex
	collected map[string]prometheus.Collector
}

// NewRegistry creates a Registry with the core Metrics already
// registered, plus the standard Go runtime/process collectors.
func NewRegistry() *Registry {
	prom := prometheus.NewRegistry()
	r := &Registry{prom: prom, collected: make(map[string]prometheus.Collector)}
	r.Metrics = NewMetrics()
	prom.MustRegister(
		r.Metrics.CommitsTotal,
		r.Metrics.CommitAborted,
		r.Metrics.CommitPhaseSeconds,
		r.Metrics.LockWaitSeconds,
		r.Metrics.LockInconsistent,
		r.Metrics.SubAckSeconds,
		r.Metrics.SubAckTimeouts,
		r.Metrics.ReplayLagSeconds,
		r.Metrics.GenerationCurrent,
		r.Metrics.PendingOps,
	)
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Prometheus returns the underlying registry, e.g. for a promhttp
// handler.
func (r *Registry) Prometheus() *prometheus.Registry { return r.prom }

// Register adds a caller's collector under owner.name, rejecting a
// second registration under the same key.
func (r *Registry) Register(owner, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", owner, name)
	if _, exists := r.collected[key]; exists {
		return fmt.Errorf("metric: %s already registered", key)
	}
	if err := r.prom.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return fmt.Errorf("metric: %s conflicts with an existing prometheus collector: %w", key, err)
		}
		return fmt.Errorf("metric: register %s: %w", key, err)
	}
	r.collected[key] = c
	return nil
}

// Unregister removes a previously-registered collector.
func (r *Registry) Unregister(owner, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", owner, name)
	c, exists := r.collected[key]
	if !exists {
		return false
	}
	if !r.prom.Unregister(c) {
		return false
	}
	delete(r.collected, key)
	return true
}
