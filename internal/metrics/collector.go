// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"go.uber.org/zap"
)

// Collector aggregates the engine's prometheus metrics. A nil *Collector
// is valid and records nothing, so components can treat metrics as
// optional.
type Collector struct {
	claimsTotal     *prometheus.CounterVec
	claimDuration   prometheus.Histogram
	lockContention  prometheus.Counter
	reclaimsTotal   *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	ownedTasks      *prometheus.GaugeVec
	malformedTotal  prometheus.Counter
	staleLocksSwept prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers the engine metrics on the given registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := func(c prometheus.Collector) prometheus.Collector {
		reg.MustRegister(c)
		return c
	}

	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.claimsTotal = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Total number of claim attempts by outcome",
		},
		[]string{"outcome"},
	)).(*prometheus.CounterVec)

	c.claimDuration = factory(prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_duration_seconds",
			Help:      "Claim attempt duration in seconds, including lock retries",
			Buckets:   prometheus.DefBuckets,
		},
	)).(prometheus.Histogram)

	c.lockContention = factory(prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Total number of lock acquisition attempts that found the lock held",
		},
	)).(prometheus.Counter)

	c.reclaimsTotal = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclaims_total",
			Help:      "Total number of task reclaims by reason",
		},
		[]string{"reason"},
	)).(*prometheus.CounterVec)

	c.queueDepth = factory(prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of tasks currently in the assignment queue mirror",
		},
	)).(prometheus.Gauge)

	c.ownedTasks = factory(prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "owned_tasks",
			Help:      "Number of tasks currently owned, per agent",
		},
		[]string{"agent_id"},
	)).(*prometheus.GaugeVec)

	c.malformedTotal = factory(prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_documents_total",
			Help:      "Total number of documents routed to the malformed folder",
		},
	)).(prometheus.Counter)

	c.staleLocksSwept = factory(prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_locks_swept_total",
			Help:      "Total number of stale claim locks removed by the sweep",
		},
	)).(prometheus.Counter)

	return c
}

// ObserveClaim records a claim attempt outcome and duration.
func (c *Collector) ObserveClaim(outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.claimsTotal.WithLabelValues(outcome).Inc()
	c.claimDuration.Observe(seconds)
}

// ObserveLockContention counts a lock acquisition that found the lock held.
func (c *Collector) ObserveLockContention() {
	if c == nil {
		return
	}
	c.lockContention.Inc()
}

// ObserveReclaim counts a reclaim by reason.
func (c *Collector) ObserveReclaim(reason string) {
	if c == nil {
		return
	}
	c.reclaimsTotal.WithLabelValues(reason).Inc()
}

// SetQueueDepth sets the current queue mirror size.
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// SetOwnedTasks sets the owned-task gauge for an agent.
func (c *Collector) SetOwnedTasks(agentID string, n int) {
	if c == nil {
		return
	}
	c.ownedTasks.WithLabelValues(agentID).Set(float64(n))
}

// ObserveMalformed counts a document routed to the malformed folder.
func (c *Collector) ObserveMalformed() {
	if c == nil {
		return
	}
	c.malformedTotal.Inc()
}

// ObserveStaleLocks counts stale locks removed by a sweep.
func (c *Collector) ObserveStaleLocks(n int) {
	if c == nil {
		return
	}
	c.staleLocksSwept.Add(float64(n))
}
