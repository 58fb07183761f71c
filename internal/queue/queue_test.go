package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shelfsync/internal/database"
	"shelfsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistrar struct {
	mu         sync.Mutex
	registered []int64
	cleared    int
	err        error
}

func (f *fakeRegistrar) Register(_ context.Context, a *models.QueuedAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, a.ID)
	return f.err
}

func (f *fakeRegistrar) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return f.err
}

type fakeSink struct {
	letters []*models.DeadLetter
}

func (f *fakeSink) DeadLettered(_ context.Context, dl *models.DeadLetter) error {
	f.letters = append(f.letters, dl)
	return nil
}

func setupQueue(t *testing.T, reg *fakeRegistrar, sink *fakeSink) (*Queue, *database.DB) {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "queue.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var q *Queue
	switch {
	case reg != nil && sink != nil:
		q = New(db, reg, sink, &logger)
	case reg != nil:
		q = New(db, reg, nil, &logger)
	case sink != nil:
		q = New(db, nil, sink, &logger)
	default:
		q = New(db, nil, nil, &logger)
	}
	return q, db
}

var orderTarget = models.Target{URL: "https://shop.example.com/api/orders"}

func TestEnqueue(t *testing.T) {
	reg := &fakeRegistrar{}
	q, _ := setupQueue(t, reg, nil)
	ctx := context.Background()

	before := time.Now()
	a, err := q.Enqueue(ctx, models.ActionCreate, "orders", json.RawMessage(`{"total":10}`), orderTarget, map[string]string{"X-Till": "3"})
	require.NoError(t, err)

	assert.NotZero(t, a.ID)
	assert.Equal(t, "POST", a.Target.Method)
	assert.False(t, a.Acknowledged)
	assert.Zero(t, a.RetryCount)
	assert.NotEmpty(t, a.IdempotencyKey)
	assert.False(t, a.EnqueuedAt.Before(before))
	assert.Equal(t, []int64{a.ID}, reg.registered)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.IdempotencyKey, pending[0].IdempotencyKey)
	assert.Equal(t, "3", pending[0].Headers["X-Till"])
}

func TestEnqueue_RegistrationFailureIsNotFatal(t *testing.T) {
	reg := &fakeRegistrar{err: errors.New("redis down")}
	q, _ := setupQueue(t, reg, nil)

	_, err := q.Enqueue(context.Background(), models.ActionUpdate, "cart", json.RawMessage(`{"qty":2}`),
		models.Target{URL: "https://shop.example.com/api/cart/1"}, nil)
	require.NoError(t, err)

	n, err := q.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueue_Validation(t *testing.T) {
	q, _ := setupQueue(t, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		kind    models.ActionKind
		entity  string
		payload json.RawMessage
		target  models.Target
	}{
		{"unknown kind", "upsert", "orders", nil, orderTarget},
		{"empty entity", models.ActionCreate, " ", nil, orderTarget},
		{"relative url", models.ActionCreate, "orders", nil, models.Target{URL: "/orders"}},
		{"bad scheme", models.ActionCreate, "orders", nil, models.Target{URL: "ftp://host/orders"}},
		{"broken payload", models.ActionCreate, "orders", json.RawMessage(`{"total":`), orderTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.kind, tt.entity, tt.payload, tt.target, nil)
			assert.ErrorIs(t, err, ErrInvalidAction)
		})
	}

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListPending_FIFO(t *testing.T) {
	q, _ := setupQueue(t, nil, nil)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	q.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	var ids []int64
	for _, entity := range []string{"orders", "cart", "customers"} {
		a, err := q.Enqueue(ctx, models.ActionCreate, entity, nil, orderTarget, nil)
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}

	require.NoError(t, q.Acknowledge(ctx, ids[1]))

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].ID)
	assert.Equal(t, ids[2], pending[1].ID)
}

func TestRecordFailureAndExhaustion(t *testing.T) {
	q, _ := setupQueue(t, nil, nil)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, models.ActionDelete, "orders", nil, orderTarget, nil)
	require.NoError(t, err)
	assert.Equal(t, "DELETE", a.Target.Method)

	for i := 1; i <= models.DefaultMaxRetries; i++ {
		n, err := q.RecordFailure(ctx, a.ID, "status 500", nil)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	exhausted, err := q.CountExhausted(ctx, models.DefaultMaxRetries)
	require.NoError(t, err)
	assert.Equal(t, 1, exhausted)

	got, err := q.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Exhausted(models.DefaultMaxRetries))
}

func TestAbandonRequeuePurge(t *testing.T) {
	reg := &fakeRegistrar{}
	sink := &fakeSink{}
	q, _ := setupQueue(t, reg, sink)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, models.ActionCreate, "orders", json.RawMessage(`{}`), orderTarget, nil)
	require.NoError(t, err)

	dl, err := q.Abandon(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "abandoned", dl.Reason)
	require.Len(t, sink.letters, 1)
	assert.Equal(t, a.ID, sink.letters[0].ID)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	requeued, err := q.Requeue(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.IdempotencyKey, requeued.IdempotencyKey)
	assert.Equal(t, []int64{a.ID, a.ID}, reg.registered)

	_, err = q.Abandon(ctx, a.ID, "operator")
	require.NoError(t, err)
	require.NoError(t, q.PurgeDeadLetter(ctx, a.ID))

	dead, err = q.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)

	_, err = q.Abandon(ctx, a.ID, "gone")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestClearRegistrations(t *testing.T) {
	reg := &fakeRegistrar{}
	q, _ := setupQueue(t, reg, nil)
	q.ClearRegistrations(context.Background())
	assert.Equal(t, 1, reg.cleared)

	bare, _ := setupQueue(t, nil, nil)
	bare.ClearRegistrations(context.Background())
}
