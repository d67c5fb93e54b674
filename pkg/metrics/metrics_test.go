package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("test")

	c.RolloutStarted()
	c.RolloutFinished("main", protocol.VerdictCommit)
	c.OutcomeRecorded(protocol.OutcomeSuccess, 10*time.Millisecond)
	c.OutcomeRecorded(protocol.OutcomeFailed, 20*time.Millisecond)
	c.PrepareTimedOut("main")
	c.DeliveryFailed(protocol.PhaseRollback)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.rollouts.WithLabelValues("main", "COMMIT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outcomes.WithLabelValues("FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.prepareTimeouts.WithLabelValues("main")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deliveryFailures.WithLabelValues("rollback")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.rolloutsInFlight))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RolloutStarted()
		c.RolloutFinished("g", protocol.VerdictRollback)
		c.OutcomeRecorded(protocol.OutcomeSuccess, time.Second)
		c.PrepareTimedOut("g")
		c.DeliveryFailed(protocol.PhaseCommit)
	})
	assert.Nil(t, c.Registry())
}
