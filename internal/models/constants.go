package models

import "time"

const (
	// DefaultMaxRetries is the delivery attempt ceiling for a queued action.
	DefaultMaxRetries = 3

	// DefaultSyncInterval is how often the queue is drained while online.
	DefaultSyncInterval = 5 * time.Minute

	// DefaultProbeInterval is how often the remote health endpoint is polled.
	DefaultProbeInterval = 30 * time.Second

	// DefaultRequestTimeout bounds a single remote request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultPullPageLimit caps how many pages one pull follows.
	DefaultPullPageLimit = 100

	// SchemaVersion is the version of the built-in collection declarations.
	SchemaVersion = 1
)

// Query parameter and header names used by the pull protocol.
const (
	ParamUpdatedSince = "updated_since"
	ParamCursor       = "cursor"
	HeaderSyncCursor  = "X-Sync-Cursor"
	HeaderIdempotency = "Idempotency-Key"
)
