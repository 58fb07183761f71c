package metrics

import (
	"testing"
	"time"

	"shelfsync/internal/events"
	"shelfsync/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	// IncHTTP should not panic
	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
	})
}

func TestSubscribe_CountsEngineEvents(t *testing.T) {
	bus := events.NewEventBus()
	stop := Subscribe(bus)

	delivered := testutil.ToFloat64(actions.WithLabelValues("delivered"))
	failed := testutil.ToFloat64(actions.WithLabelValues("failed"))
	pulledOK := testutil.ToFloat64(pulls.WithLabelValues("products", "ok"))
	stored := testutil.ToFloat64(pulledRecords.WithLabelValues("products"))

	require.NoError(t, bus.PublishJSON(events.EventActionDelivered, events.ActionEventPayload{ActionID: 1}))
	require.NoError(t, bus.PublishJSON(events.EventActionFailed, events.ActionEventPayload{ActionID: 2}))
	require.NoError(t, bus.PublishJSON(events.EventPullCompleted, events.PullEventPayload{Entity: "products", Records: 7}))
	require.NoError(t, bus.PublishJSON(events.EventDrainCompleted, events.DrainEventPayload{Duration: time.Second}))

	assert.Equal(t, delivered+1, testutil.ToFloat64(actions.WithLabelValues("delivered")))
	assert.Equal(t, failed+1, testutil.ToFloat64(actions.WithLabelValues("failed")))
	assert.Equal(t, pulledOK+1, testutil.ToFloat64(pulls.WithLabelValues("products", "ok")))
	assert.Equal(t, stored+7, testutil.ToFloat64(pulledRecords.WithLabelValues("products")))

	stop()
	require.NoError(t, bus.PublishJSON(events.EventActionDelivered, events.ActionEventPayload{ActionID: 3}))
	assert.Equal(t, delivered+1, testutil.ToFloat64(actions.WithLabelValues("delivered")))
}

func TestObserveStatus(t *testing.T) {
	ObserveStatus(models.SyncStatus{Online: true, PendingCount: 4, Exhausted: 1})
	assert.Equal(t, float64(1), testutil.ToFloat64(online))
	assert.Equal(t, float64(4), testutil.ToFloat64(pendingActions))
	assert.Equal(t, float64(1), testutil.ToFloat64(exhaustedActions))

	ObserveStatus(models.SyncStatus{})
	assert.Equal(t, float64(0), testutil.ToFloat64(online))
}
