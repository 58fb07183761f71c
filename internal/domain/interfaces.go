package domain

import (
	"context"
	"encoding/json"
	"time"

	"shelfsync/internal/models"
)

type RecordStore interface {
	Get(ctx context.Context, collection, key string) (models.Record, bool, error)
	GetAll(ctx context.Context, collection string) ([]models.Record, error)
	GetByIndex(ctx context.Context, collection, index string, value any) ([]models.Record, error)
	Put(ctx context.Context, collection string, record models.Record) error
	PutMany(ctx context.Context, collection string, records []models.Record) error
	Delete(ctx context.Context, collection, key string) error
	Clear(ctx context.Context, collection string) error
	Count(ctx context.Context, collection string) (int, error)
}

type ActionStore interface {
	InsertAction(ctx context.Context, action *models.QueuedAction) error
	PendingActions(ctx context.Context) ([]models.QueuedAction, error)
	GetAction(ctx context.Context, id int64) (*models.QueuedAction, error)
	AcknowledgeAction(ctx context.Context, id int64) error
	RecordActionFailure(ctx context.Context, id int64, errMsg string, nextAttemptAt *time.Time) (int, error)
	CountPendingActions(ctx context.Context) (int, error)
	CountExhaustedActions(ctx context.Context, ceiling int) (int, error)
	MoveToDeadLetter(ctx context.Context, id int64, reason string, at time.Time) (*models.DeadLetter, error)
	DeadLetters(ctx context.Context) ([]models.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, id int64) (*models.QueuedAction, error)
	DeleteDeadLetter(ctx context.Context, id int64) error
}

type SyncMetaStore interface {
	SyncMeta(ctx context.Context, entity string) (*models.SyncMeta, error)
	SaveSyncMeta(ctx context.Context, meta models.SyncMeta) error
	ListSyncMeta(ctx context.Context) ([]models.SyncMeta, error)
}

// ActionQueue is the offline queue as seen by the sync engine and the admin API.
type ActionQueue interface {
	Enqueue(ctx context.Context, kind models.ActionKind, entity string, payload json.RawMessage, target models.Target, headers map[string]string) (*models.QueuedAction, error)
	ListPending(ctx context.Context) ([]models.QueuedAction, error)
	Acknowledge(ctx context.Context, id int64) error
	RecordFailure(ctx context.Context, id int64, errMsg string, nextAttemptAt *time.Time) (int, error)
	Abandon(ctx context.Context, id int64, reason string) (*models.DeadLetter, error)
	DeadLetters(ctx context.Context) ([]models.DeadLetter, error)
	Requeue(ctx context.Context, id int64) (*models.QueuedAction, error)
	PurgeDeadLetter(ctx context.Context, id int64) error
	Count(ctx context.Context) (int, error)
	CountExhausted(ctx context.Context, ceiling int) (int, error)
	ClearRegistrations(ctx context.Context)
}

// Remote delivers queued actions and fetches entity changes.
// Deliver returns an error only when no HTTP status was obtained.
type Remote interface {
	Deliver(ctx context.Context, action *models.QueuedAction) (int, error)
	Fetch(ctx context.Context, req models.PullRequest) (*models.PullResult, error)
}

// Registrar asks the host to wake the sync engine later, even if this process is idle.
type Registrar interface {
	Register(ctx context.Context, action *models.QueuedAction) error
	Clear(ctx context.Context) error
}

type DeadLetterSink interface {
	DeadLettered(ctx context.Context, dl *models.DeadLetter) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
