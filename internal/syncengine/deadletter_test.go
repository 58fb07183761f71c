package syncengine

import (
	"context"
	"testing"
	"time"

	"shelfsync/internal/database"
	"shelfsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbandon_WaitsForInFlightDelivery(t *testing.T) {
	h := setupEngine(t, Options{Online: true})
	ctx := context.Background()

	h.remote.block = make(chan struct{})
	h.remote.started = make(chan struct{}, 1)
	a := h.enqueue(t, models.ActionCreate, "orders", "http://shop.test/orders", `{"id":"o1"}`)

	drained := make(chan DrainResult, 1)
	go func() {
		res, _ := h.engine.DrainQueue(ctx)
		drained <- res
	}()
	<-h.remote.started

	abandoned := make(chan error, 1)
	go func() {
		_, err := h.engine.Abandon(ctx, a.ID, "operator")
		abandoned <- err
	}()

	select {
	case <-abandoned:
		t.Fatal("abandon ran while the action was being delivered")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.remote.block)
	res := <-drained
	assert.Equal(t, 1, res.Delivered)
	require.ErrorIs(t, <-abandoned, database.ErrNotFound)

	dead, err := h.queue.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)

	_, err = h.engine.Requeue(ctx, a.ID)
	require.ErrorIs(t, err, database.ErrNotFound)

	_, err = h.engine.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://shop.test/orders"}, h.remote.deliveries())
}

func TestDrainQueue_DeliveredActionLeavesNoDeadLetter(t *testing.T) {
	h := setupEngine(t, Options{Online: true})
	ctx := context.Background()

	a := h.enqueue(t, models.ActionCreate, "orders", "http://shop.test/orders", `{"id":"o1"}`)
	// Another process on the same store abandons the action mid-delivery.
	h.remote.onSend = func() {
		_, err := h.queue.Abandon(ctx, a.ID, "operator")
		assert.NoError(t, err)
	}

	res, err := h.engine.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	dead, err := h.queue.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)

	h.remote.onSend = nil
	_, err = h.engine.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Len(t, h.remote.deliveries(), 1)
}

func TestAbandonAndRequeue_RefreshStatus(t *testing.T) {
	h := setupEngine(t, Options{})
	ctx := context.Background()

	a := h.enqueue(t, models.ActionUpdate, "orders", "http://shop.test/orders/o1", `{"id":"o1"}`)
	h.enqueue(t, models.ActionUpdate, "orders", "http://shop.test/orders/o2", `{"id":"o2"}`)
	require.NoError(t, h.engine.RefreshStatus(ctx))
	assert.Equal(t, 2, h.engine.Status().PendingCount)

	dl, err := h.engine.Abandon(ctx, a.ID, "wrong customer")
	require.NoError(t, err)
	assert.Equal(t, "wrong customer", dl.Reason)
	assert.Equal(t, 1, h.engine.Status().PendingCount)

	requeued, err := h.engine.Requeue(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, requeued.RetryCount)
	assert.Equal(t, 2, h.engine.Status().PendingCount)
}

func TestDrainQueue_CancelledPassStillPublishesCounters(t *testing.T) {
	h := setupEngine(t, Options{Online: true})
	ctx, cancel := context.WithCancel(context.Background())

	first := "https://api.example.com/orders/1"
	second := "https://api.example.com/orders/2"
	h.remote.onSend = cancel
	h.remote.errs[second] = context.Canceled
	h.enqueue(t, models.ActionCreate, "orders", first, `{}`)
	h.enqueue(t, models.ActionCreate, "orders", second, `{}`)
	h.enqueue(t, models.ActionCreate, "orders", "https://api.example.com/orders/3", `{}`)

	res, err := h.engine.DrainQueue(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Delivered, "accepted before cancellation is still acknowledged")
	assert.Equal(t, []string{first, second}, h.remote.deliveries())

	st := h.engine.Status()
	assert.False(t, st.IsSyncing)
	assert.Equal(t, 2, st.PendingCount)
	assert.Equal(t, 2, res.Pending)
}
