package models

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ActionKind is the mutation a queued action performs.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
)

// Valid reports whether k is one of the known kinds.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// DefaultMethod is the HTTP method used when a target leaves it empty.
func (k ActionKind) DefaultMethod() string {
	switch k {
	case ActionCreate:
		return http.MethodPost
	case ActionUpdate:
		return http.MethodPut
	case ActionDelete:
		return http.MethodDelete
	default:
		return ""
	}
}

// ParseActionKind converts user input into an ActionKind.
func ParseActionKind(s string) (ActionKind, error) {
	k := ActionKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown action kind %q", s)
	}
	return k, nil
}

// Target is where and how a queued action is delivered.
type Target struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

// QueuedAction is a persisted mutation that has not been confirmed by the remote service.
type QueuedAction struct {
	ID             int64             `json:"id"`
	Kind           ActionKind        `json:"kind"`
	Entity         string            `json:"entity"`
	Payload        json.RawMessage   `json:"payload"`
	Target         Target            `json:"target"`
	Headers        map[string]string `json:"headers,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	EnqueuedAt     time.Time         `json:"enqueued_at"`
	Acknowledged   bool              `json:"acknowledged"`
	RetryCount     int               `json:"retry_count"`
	LastError      *string           `json:"last_error,omitempty"`
	NextAttemptAt  *time.Time        `json:"next_attempt_at,omitempty"`
}

// Exhausted reports whether the action used up its delivery attempts.
func (a *QueuedAction) Exhausted(ceiling int) bool {
	return ceiling > 0 && a.RetryCount >= ceiling
}

// Due reports whether a backoff gate allows delivery at now.
func (a *QueuedAction) Due(now time.Time) bool {
	return a.NextAttemptAt == nil || !a.NextAttemptAt.After(now)
}

// DeadLetter is an action removed from the queue without being delivered.
type DeadLetter struct {
	QueuedAction
	Reason      string    `json:"reason"`
	AbandonedAt time.Time `json:"abandoned_at"`
}
