// Package queue is the durable offline action queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"shelfsync/internal/domain"
	"shelfsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrInvalidAction = errors.New("invalid action")

const registerTimeout = 2 * time.Second

type Queue struct {
	store     domain.ActionStore
	registrar domain.Registrar
	sink      domain.DeadLetterSink
	logger    *zerolog.Logger
	now       func() time.Time
}

// New builds a queue over store. registrar and sink may be nil.
func New(store domain.ActionStore, registrar domain.Registrar, sink domain.DeadLetterSink, logger *zerolog.Logger) *Queue {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Queue{
		store:     store,
		registrar: registrar,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
	}
}

// Enqueue persists a mutation for later delivery. It never depends on connectivity.
func (q *Queue) Enqueue(ctx context.Context, kind models.ActionKind, entity string, payload json.RawMessage, target models.Target, headers map[string]string) (*models.QueuedAction, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, kind)
	}
	entity = strings.TrimSpace(entity)
	if entity == "" {
		return nil, fmt.Errorf("%w: entity is required", ErrInvalidAction)
	}
	if err := validateTarget(target); err != nil {
		return nil, err
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidAction)
	}
	if target.Method == "" {
		target.Method = kind.DefaultMethod()
	}
	target.Method = strings.ToUpper(target.Method)

	action := &models.QueuedAction{
		Kind:           kind,
		Entity:         entity,
		Payload:        payload,
		Target:         target,
		Headers:        headers,
		IdempotencyKey: uuid.NewString(),
		EnqueuedAt:     q.now(),
	}
	if err := q.store.InsertAction(ctx, action); err != nil {
		return nil, err
	}

	q.logger.Info().
		Int64("action_id", action.ID).
		Str("kind", string(kind)).
		Str("entity", entity).
		Msg("Action enqueued")

	q.register(ctx, action)
	return action, nil
}

// register is best effort: the action is already durable and the periodic drain will find it.
func (q *Queue) register(ctx context.Context, action *models.QueuedAction) {
	if q.registrar == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	if err := q.registrar.Register(rctx, action); err != nil {
		q.logger.Warn().Err(err).Int64("action_id", action.ID).Msg("Background sync registration failed")
	}
}

// ClearRegistrations drops outstanding wake registrations once the queue is empty.
func (q *Queue) ClearRegistrations(ctx context.Context) {
	if q.registrar == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	if err := q.registrar.Clear(rctx); err != nil {
		q.logger.Debug().Err(err).Msg("Failed to clear sync registrations")
	}
}

func validateTarget(t models.Target) error {
	u, err := url.Parse(t.URL)
	if err != nil || t.URL == "" {
		return fmt.Errorf("%w: target url %q", ErrInvalidAction, t.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: target url must be http(s): %q", ErrInvalidAction, t.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: target url has no host: %q", ErrInvalidAction, t.URL)
	}
	return nil
}

// ListPending returns unacknowledged actions in enqueue order.
func (q *Queue) ListPending(ctx context.Context) ([]models.QueuedAction, error) {
	return q.store.PendingActions(ctx)
}

func (q *Queue) Get(ctx context.Context, id int64) (*models.QueuedAction, error) {
	return q.store.GetAction(ctx, id)
}

// Acknowledge removes a delivered action; it is never returned by ListPending again.
func (q *Queue) Acknowledge(ctx context.Context, id int64) error {
	return q.store.AcknowledgeAction(ctx, id)
}

// RecordFailure increments the retry count by exactly one and returns the new count.
func (q *Queue) RecordFailure(ctx context.Context, id int64, errMsg string, nextAttemptAt *time.Time) (int, error) {
	return q.store.RecordActionFailure(ctx, id, errMsg, nextAttemptAt)
}

// Abandon moves the action to the dead-letter table and mirrors it to the sink.
func (q *Queue) Abandon(ctx context.Context, id int64, reason string) (*models.DeadLetter, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "abandoned"
	}
	dl, err := q.store.MoveToDeadLetter(ctx, id, reason, q.now())
	if err != nil {
		return nil, err
	}
	q.logger.Warn().Int64("action_id", id).Str("entity", dl.Entity).Str("reason", reason).Msg("Action abandoned")

	if q.sink != nil {
		if err := q.sink.DeadLettered(ctx, dl); err != nil {
			q.logger.Warn().Err(err).Int64("action_id", id).Msg("Failed to mirror dead letter")
		}
	}
	return dl, nil
}

func (q *Queue) DeadLetters(ctx context.Context) ([]models.DeadLetter, error) {
	return q.store.DeadLetters(ctx)
}

// Requeue gives an abandoned action a fresh retry budget.
func (q *Queue) Requeue(ctx context.Context, id int64) (*models.QueuedAction, error) {
	action, err := q.store.RequeueDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	q.logger.Info().Int64("action_id", id).Str("entity", action.Entity).Msg("Action requeued")
	q.register(ctx, action)
	return action, nil
}

func (q *Queue) PurgeDeadLetter(ctx context.Context, id int64) error {
	return q.store.DeleteDeadLetter(ctx, id)
}

func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.store.CountPendingActions(ctx)
}

func (q *Queue) CountExhausted(ctx context.Context, ceiling int) (int, error) {
	return q.store.CountExhaustedActions(ctx, ceiling)
}
