package syncengine

import (
	"context"
	"errors"

	"shelfsync/internal/database"
	"shelfsync/internal/models"
)

// Abandon moves a queued action to the dead letters. It waits for a running drain or pull,
// so an action is never abandoned while its delivery is in flight.
func (e *Engine) Abandon(ctx context.Context, id int64, reason string) (*models.DeadLetter, error) {
	e.run.Lock()
	defer e.run.Unlock()

	dl, err := e.queue.Abandon(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	e.refreshAfterChange(ctx)
	return dl, nil
}

// Requeue returns a dead letter to the queue with a fresh retry budget.
func (e *Engine) Requeue(ctx context.Context, id int64) (*models.QueuedAction, error) {
	e.run.Lock()
	defer e.run.Unlock()

	action, err := e.queue.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}
	e.refreshAfterChange(ctx)
	return action, nil
}

func (e *Engine) refreshAfterChange(ctx context.Context) {
	if err := e.RefreshStatus(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to refresh status")
	}
}

// dropDelivered removes the dead letter of an action the remote already accepted. Another
// process working on the same store can abandon an action while this one delivers it.
func (e *Engine) dropDelivered(ctx context.Context, id int64) error {
	err := e.queue.PurgeDeadLetter(ctx, id)
	switch {
	case err == nil:
		e.logger.Warn().Int64("action_id", id).Msg("Action was abandoned during delivery, dead letter dropped")
		return nil
	case errors.Is(err, database.ErrNotFound):
		e.logger.Warn().Int64("action_id", id).Msg("Delivered action was already removed from the queue")
		return nil
	default:
		return storage(err)
	}
}
