package syncengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"shelfsync/internal/database"
	"shelfsync/internal/events"
	"shelfsync/internal/models"
)

// DrainResult summarizes one pass over the queue.
type DrainResult struct {
	Skipped   int  `json:"skipped"`
	Attempted int  `json:"attempted"`
	Delivered int  `json:"delivered"`
	Conflicts int  `json:"conflicts"`
	Failed    int  `json:"failed"`
	Exhausted int  `json:"exhausted"`
	Abandoned int  `json:"abandoned"`
	Pending   int  `json:"pending"`
	Offline   bool `json:"offline,omitempty"`
}

// DrainQueue delivers pending actions in enqueue order, one at a time. It is a no-op
// while offline. A call made during another sync operation waits for it to finish.
// Per-action failures are recorded on the action; only local store failures and
// context cancellation are returned.
func (e *Engine) DrainQueue(ctx context.Context) (DrainResult, error) {
	if !e.Online() {
		return DrainResult{Offline: true}, nil
	}

	e.run.Lock()
	defer e.run.Unlock()

	if !e.Online() {
		return DrainResult{Offline: true}, nil
	}
	return e.drainAndPublish(ctx)
}

func (e *Engine) drainAndPublish(ctx context.Context) (DrainResult, error) {
	e.status.Update(func(s *models.SyncStatus) { s.IsSyncing = true })

	start := e.now()
	res, err := e.drain(ctx)
	e.finishDrain(ctx, &res, err, start)
	return res, err
}

func (e *Engine) drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult

	actions, err := e.queue.ListPending(ctx)
	if err != nil {
		return res, storage(fmt.Errorf("list pending actions: %w", err))
	}

	ceiling := e.policy.ceiling()
	for i := range actions {
		action := &actions[i]

		if action.Exhausted(ceiling) {
			res.Exhausted++
			if err := e.handleExhausted(ctx, action, &res); err != nil {
				return res, err
			}
			continue
		}
		if e.policy.backoff() && !action.Due(e.now()) {
			res.Skipped++
			continue
		}

		res.Attempted++
		status, derr := e.remote.Deliver(ctx, action)
		if derr != nil && ctx.Err() != nil {
			return res, ctx.Err()
		}

		switch {
		case derr == nil && status >= 200 && status < 300:
			if err := e.acknowledge(ctx, action); err != nil {
				return res, err
			}
			res.Delivered++
			e.publish(events.EventActionDelivered, actionPayload(action, status, ""))

		case derr == nil && status == http.StatusConflict:
			if err := e.acknowledge(ctx, action); err != nil {
				return res, err
			}
			res.Conflicts++
			e.logger.Info().Int64("action_id", action.ID).Str("entity", action.Entity).Msg("Conflict resolved by server, action dropped")
			e.publish(events.EventActionConflict, actionPayload(action, status, ""))

		default:
			msg := deliveryError(status, derr)
			if err := e.recordFailure(ctx, action, msg); err != nil {
				return res, err
			}
			res.Failed++
			e.publish(events.EventActionFailed, actionPayload(action, status, msg))
		}
	}
	return res, nil
}

func (e *Engine) handleExhausted(ctx context.Context, action *models.QueuedAction, res *DrainResult) error {
	if !e.deadLetterExhausted {
		e.logger.Debug().Int64("action_id", action.ID).Int("retry_count", action.RetryCount).Msg("Skipping exhausted action")
		e.publish(events.EventActionExhausted, actionPayload(action, 0, lastError(action)))
		return nil
	}

	reason := fmt.Sprintf("retry ceiling %d reached", e.policy.ceiling())
	if le := lastError(action); le != "" {
		reason += ": " + le
	}
	if _, err := e.queue.Abandon(ctx, action.ID, reason); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		return storage(fmt.Errorf("abandon action %d: %w", action.ID, err))
	}
	res.Abandoned++
	e.publish(events.EventActionAbandoned, actionPayload(action, 0, reason))
	return nil
}

// acknowledge runs even if ctx was cancelled after the remote accepted the action.
func (e *Engine) acknowledge(ctx context.Context, action *models.QueuedAction) error {
	ctx = context.WithoutCancel(ctx)
	err := e.queue.Acknowledge(ctx, action.ID)
	if errors.Is(err, database.ErrNotFound) {
		return e.dropDelivered(ctx, action.ID)
	}
	if err != nil {
		return storage(fmt.Errorf("acknowledge action %d: %w", action.ID, err))
	}
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, action *models.QueuedAction, msg string) error {
	var next *time.Time
	if delay := e.policy.NextDelay(action.RetryCount + 1); delay > 0 {
		t := e.now().Add(delay)
		next = &t
	}

	retries, err := e.queue.RecordFailure(ctx, action.ID, msg, next)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storage(fmt.Errorf("record failure of action %d: %w", action.ID, err))
	}
	action.RetryCount = retries
	action.LastError = &msg

	ev := e.logger.Warn()
	if retries >= e.policy.ceiling() {
		ev = e.logger.Error()
	}
	ev.Int64("action_id", action.ID).
		Str("entity", action.Entity).
		Int("retry_count", retries).
		Str("error", msg).
		Msg("Action delivery failed")
	return nil
}

func (e *Engine) finishDrain(ctx context.Context, res *DrainResult, drainErr error, start time.Time) {
	// Counters are published even when the pass was cancelled.
	ctx = context.WithoutCancel(ctx)
	pending, exhausted, countErr := e.counts(ctx)
	if countErr == nil {
		res.Pending = pending
	}
	now := e.now()

	e.status.Update(func(s *models.SyncStatus) {
		s.IsSyncing = false
		if countErr == nil {
			s.PendingCount = pending
			s.Exhausted = exhausted
		}
		if drainErr == nil {
			t := now
			s.LastSyncTime = &t
		}
		s.Error = drainSummary(res, exhausted, drainErr)
	})

	if countErr != nil {
		e.logger.Error().Err(countErr).Msg("Failed to refresh queue counters")
	}
	if drainErr != nil {
		e.logger.Error().Err(drainErr).Msg("Queue drain aborted")
	} else if countErr == nil && pending == 0 {
		e.queue.ClearRegistrations(ctx)
	}

	e.logger.Info().
		Int("attempted", res.Attempted).
		Int("delivered", res.Delivered).
		Int("conflicts", res.Conflicts).
		Int("failed", res.Failed).
		Int("exhausted", res.Exhausted).
		Int("pending", res.Pending).
		Dur("took", now.Sub(start)).
		Msg("Queue drained")

	e.publish(events.EventDrainCompleted, events.DrainEventPayload{
		Attempted: res.Attempted,
		Delivered: res.Delivered,
		Conflicts: res.Conflicts,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
		Exhausted: res.Exhausted,
		Abandoned: res.Abandoned,
		Pending:   res.Pending,
		Duration:  now.Sub(start),
	})
}

func drainSummary(res *DrainResult, exhausted int, err error) string {
	var parts []string
	if err != nil {
		parts = append(parts, err.Error())
	}
	if res.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d action(s) failed", res.Failed))
	}
	if exhausted > 0 {
		parts = append(parts, fmt.Sprintf("%d action(s) exhausted retries", exhausted))
	}
	return strings.Join(parts, "; ")
}

func deliveryError(status int, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("http %d %s", status, http.StatusText(status))
}

func lastError(a *models.QueuedAction) string {
	if a.LastError == nil {
		return ""
	}
	return *a.LastError
}

func actionPayload(a *models.QueuedAction, status int, errMsg string) events.ActionEventPayload {
	return events.ActionEventPayload{
		ActionID:   a.ID,
		Entity:     a.Entity,
		Kind:       string(a.Kind),
		Status:     status,
		RetryCount: a.RetryCount,
		Error:      errMsg,
	}
}
