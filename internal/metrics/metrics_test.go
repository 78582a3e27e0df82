package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(AdmissionTotal.WithLabelValues("capacity"))
	RecordAdmission("capacity")
	assert.Equal(t, before+1, testutil.ToFloat64(AdmissionTotal.WithLabelValues("capacity")))

	before = testutil.ToFloat64(SessionTransitions.WithLabelValues("RUNNING", "RECOVERING"))
	RecordTransition("RUNNING", "RECOVERING")
	assert.Equal(t, before+1, testutil.ToFloat64(SessionTransitions.WithLabelValues("RUNNING", "RECOVERING")))

	before = testutil.ToFloat64(RecoveryActions.WithLabelValues("restart"))
	RecordRecovery("restart")
	assert.Equal(t, before+1, testutil.ToFloat64(RecoveryActions.WithLabelValues("restart")))
}

func TestObserveProbe(t *testing.T) {
	ObserveProbe("ok", time.Now().Add(-100*time.Millisecond))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(ProbeDuration), 1)
}
