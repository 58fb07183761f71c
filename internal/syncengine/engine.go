// Package syncengine reconciles the local store with the remote service: it drains the
// offline queue and pulls entity changes.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"shelfsync/internal/domain"
	"shelfsync/internal/models"

	"github.com/rs/zerolog"
)

var ErrUnknownEntity = errors.New("unknown entity")

// Deps are the collaborators of the engine. Events may be nil.
type Deps struct {
	Queue   domain.ActionQueue
	Records domain.RecordStore
	Meta    domain.SyncMetaStore
	Remote  domain.Remote
	Events  domain.EventPublisher
}

type Options struct {
	Retry RetryPolicy
	// DeadLetterExhausted abandons actions that reached the retry ceiling instead of
	// leaving them queued.
	DeadLetterExhausted bool
	// PullOverlap is subtracted from the request start time when no server cursor is
	// returned, so the next window overlaps the previous one.
	PullOverlap time.Duration
	Entities    []models.Entity
	Online      bool
}

type Engine struct {
	queue   domain.ActionQueue
	records domain.RecordStore
	meta    domain.SyncMetaStore
	remote  domain.Remote
	events  domain.EventPublisher

	policy              RetryPolicy
	deadLetterExhausted bool
	pullOverlap         time.Duration
	entities            []models.Entity

	logger *zerolog.Logger
	now    func() time.Time

	// run serializes drains and pulls: a second caller waits, then makes its own pass.
	run    sync.Mutex
	status *StatusSubject
}

func New(deps Deps, opts Options, logger *zerolog.Logger) *Engine {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry.MaxRetries = models.DefaultMaxRetries
	}
	return &Engine{
		queue:               deps.Queue,
		records:             deps.Records,
		meta:                deps.Meta,
		remote:              deps.Remote,
		events:              deps.Events,
		policy:              opts.Retry,
		deadLetterExhausted: opts.DeadLetterExhausted,
		pullOverlap:         opts.PullOverlap,
		entities:            append([]models.Entity(nil), opts.Entities...),
		logger:              logger,
		now:                 time.Now,
		status:              NewStatusSubject(models.SyncStatus{Online: opts.Online}),
	}
}

// OnStatusChange subscribes fn to status changes. fn receives the current status
// immediately. Call the returned function to unsubscribe.
func (e *Engine) OnStatusChange(fn func(models.SyncStatus)) func() {
	return e.status.Subscribe(fn)
}

func (e *Engine) Status() models.SyncStatus {
	return e.status.Snapshot()
}

func (e *Engine) Online() bool {
	return e.status.Snapshot().Online
}

// SetOnline records a connectivity change. It never starts sync work by itself.
func (e *Engine) SetOnline(online bool) {
	if e.Online() == online {
		return
	}
	e.logger.Info().Bool("online", online).Msg("Connectivity changed")
	e.status.Update(func(s *models.SyncStatus) { s.Online = online })
}

func (e *Engine) Entities() []models.Entity {
	return append([]models.Entity(nil), e.entities...)
}

func (e *Engine) MaxRetries() int {
	return e.policy.ceiling()
}

// RefreshStatus recomputes the queue counters, e.g. after an enqueue.
func (e *Engine) RefreshStatus(ctx context.Context) error {
	pending, exhausted, err := e.counts(ctx)
	if err != nil {
		return err
	}
	e.status.Update(func(s *models.SyncStatus) {
		s.PendingCount = pending
		s.Exhausted = exhausted
	})
	return nil
}

func (e *Engine) counts(ctx context.Context) (int, int, error) {
	pending, err := e.queue.Count(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("count pending actions: %w", err)
	}
	exhausted, err := e.queue.CountExhausted(ctx, e.policy.ceiling())
	if err != nil {
		return 0, 0, fmt.Errorf("count exhausted actions: %w", err)
	}
	return pending, exhausted, nil
}

func (e *Engine) publish(eventType string, payload interface{}) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishJSON(eventType, payload); err != nil {
		e.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}

// storageError marks a local store failure, which aborts a sync pass.
type storageError struct {
	err error
}

func (s *storageError) Error() string { return s.err.Error() }
func (s *storageError) Unwrap() error { return s.err }

func storage(err error) error {
	if err == nil {
		return nil
	}
	var se *storageError
	if errors.As(err, &se) {
		return err
	}
	return &storageError{err: err}
}

// IsStorageError reports whether err came from the local store rather than the remote.
func IsStorageError(err error) bool {
	var se *storageError
	return errors.As(err, &se)
}
