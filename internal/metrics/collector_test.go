package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("taskfold", reg, zap.NewNop())

	c.ObserveClaim("success", 0.05)
	c.ObserveClaim("success", 0.02)
	c.ObserveClaim("lock_busy", 1.2)
	c.ObserveReclaim("timeout")
	c.ObserveReclaim("agent_unresponsive")
	c.ObserveReclaim("timeout")
	c.SetQueueDepth(7)
	c.ObserveMalformed()
	c.ObserveStaleLocks(3)

	if got := testutil.ToFloat64(c.claimsTotal.WithLabelValues("success")); got != 2 {
		t.Errorf("claims_total{success}: got %v", got)
	}
	if got := testutil.ToFloat64(c.reclaimsTotal.WithLabelValues("timeout")); got != 2 {
		t.Errorf("reclaims_total{timeout}: got %v", got)
	}
	if got := testutil.ToFloat64(c.queueDepth); got != 7 {
		t.Errorf("queue_depth: got %v", got)
	}
	if got := testutil.ToFloat64(c.staleLocksSwept); got != 3 {
		t.Errorf("stale_locks_swept_total: got %v", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.ObserveClaim("success", 0.01)
	c.ObserveReclaim("timeout")
	c.SetQueueDepth(1)
	c.SetOwnedTasks("alice", 2)
	c.ObserveLockContention()
	c.ObserveMalformed()
	c.ObserveStaleLocks(1)
}
