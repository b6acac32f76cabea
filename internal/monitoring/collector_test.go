package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/screening-cli/internal/event"
	"github.com/sells-group/screening-cli/internal/model"
)

func TestCollectorRecordsRunLifecycle(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	metrics := NewMetrics(prometheus.NewRegistry())
	collector := NewCollector(bus, metrics)

	bus.Publish(event.Event{Type: event.RunStarted, RunID: "r1"})
	bus.Publish(event.Event{
		Type:  event.StageCompleted,
		RunID: "r1",
		Verdict: &model.StageVerdict{
			Stage:    "external-model",
			Outcome:  model.StageSuccess,
			Attempts: 3,
			Elapsed:  120 * time.Millisecond,
		},
	})
	bus.Publish(event.Event{
		Type: event.RunCompleted, RunID: "r1",
		Run: &model.Run{ID: "r1", State: model.StateApproved},
	})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.RunsCompleted.WithLabelValues("approved")) == 1
	}, time.Second, 10*time.Millisecond)
	collector.Stop()

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RunsStarted))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveRuns))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.StageRetries.WithLabelValues("external-model")))
}

func TestCollectorTracksManualReviewQueue(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	metrics := NewMetrics(prometheus.NewRegistry())
	collector := NewCollector(bus, metrics)

	bus.Publish(event.Event{Type: event.RunStarted, RunID: "r1"})
	bus.Publish(event.Event{
		Type: event.RunTransitioned, RunID: "r1",
		From: model.StateScreening, To: model.StateManualReview,
		Run: &model.Run{ID: "r1", State: model.StateManualReview},
	})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.ManualReviewQueue) == 1
	}, time.Second, 10*time.Millisecond)

	bus.Publish(event.Event{
		Type: event.RunCompleted, RunID: "r1",
		Run: &model.Run{
			ID: "r1", State: model.StateApproved,
			Decision: &model.ManualDecision{Approve: true, Reviewer: "alex"},
		},
	})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.ManualReviewQueue) == 0
	}, time.Second, 10*time.Millisecond)
	collector.Stop()

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RunsCompleted.WithLabelValues("approved")))
}
