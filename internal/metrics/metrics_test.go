package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveBootDecision_IncrementsByKind(t *testing.T) {
	ObserveBootDecision("install")
	ObserveBootDecision("install")
	ObserveBootDecision("await")

	assert.Equal(t, float64(2), testutil.ToFloat64(bootDecisions.WithLabelValues("install")))
	assert.Equal(t, float64(1), testutil.ToFloat64(bootDecisions.WithLabelValues("await")))
}

func TestObserveLockWait_RecordsObservation(t *testing.T) {
	before := testutil.CollectAndCount(lockWaitSeconds)
	ObserveLockWait("acquired", 0.01)
	assert.Greater(t, testutil.CollectAndCount(lockWaitSeconds), before-1)
}

func TestIncTaskRetry_IncrementsByTask(t *testing.T) {
	IncTaskRetry("2")
	IncTaskRetry("2")

	assert.Equal(t, float64(2), testutil.ToFloat64(taskRetries.WithLabelValues("2")))
}

func TestSetQueueDepth_SetsGaugeByQueue(t *testing.T) {
	SetQueueDepth("audit", 7)
	SetQueueDepth("audit", 3)

	assert.Equal(t, float64(3), testutil.ToFloat64(queueDepth.WithLabelValues("audit")))
}
