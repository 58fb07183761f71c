package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shelfsync/internal/events"
	"shelfsync/internal/models"
)

// FullSyncResult reports a full reconciliation. Pulled maps entity to records stored.
type FullSyncResult struct {
	Drain  DrainResult       `json:"drain"`
	Pulled map[string]int    `json:"pulled"`
	Failed map[string]string `json:"failed,omitempty"`
}

// PullEntity fetches changes of entity from endpoint and upserts them into the collection of
// the same name. It is a no-op while offline.
func (e *Engine) PullEntity(ctx context.Context, entity, endpoint string) error {
	return e.pullLocked(ctx, models.Entity{Name: entity, Endpoint: endpoint})
}

// PullRegistered pulls a configured entity by name.
func (e *Engine) PullRegistered(ctx context.Context, name string) error {
	for _, ent := range e.entities {
		if ent.Name == name {
			return e.pullLocked(ctx, ent)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownEntity, name)
}

func (e *Engine) pullLocked(ctx context.Context, ent models.Entity) error {
	if !e.Online() {
		return nil
	}
	e.run.Lock()
	defer e.run.Unlock()

	if !e.Online() {
		return nil
	}
	_, err := e.pull(ctx, ent)
	return err
}

// FullSync drains the queue, then pulls every registered entity in order. Pull failures are
// collected and joined; a local store failure stops the sync.
func (e *Engine) FullSync(ctx context.Context) (FullSyncResult, error) {
	res := FullSyncResult{Pulled: map[string]int{}}
	if !e.Online() {
		res.Drain.Offline = true
		return res, nil
	}

	e.run.Lock()
	defer e.run.Unlock()

	if !e.Online() {
		res.Drain.Offline = true
		return res, nil
	}

	drained, err := e.drainAndPublish(ctx)
	res.Drain = drained
	if err != nil {
		return res, err
	}

	var errs []error
	for _, ent := range e.entities {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		n, err := e.pull(ctx, ent)
		if err != nil {
			if res.Failed == nil {
				res.Failed = map[string]string{}
			}
			res.Failed[ent.Name] = err.Error()
			if IsStorageError(err) {
				return res, err
			}
			errs = append(errs, err)
			continue
		}
		res.Pulled[ent.Name] = n
	}
	return res, errors.Join(errs...)
}

func (e *Engine) pull(ctx context.Context, ent models.Entity) (int, error) {
	logger := e.logger.With().Str("entity", ent.Name).Logger()
	start := e.now()

	n, res, err := e.fetchAndStore(ctx, ent, start)
	if err != nil {
		logger.Error().Err(err).Msg("Pull failed")
		e.publish(events.EventPullFailed, events.PullEventPayload{
			Entity:   ent.Name,
			Duration: e.now().Sub(start),
			Error:    err.Error(),
		})
		return 0, err
	}

	logger.Info().Int("records", n).Int("pages", res.Pages).Str("cursor", res.Cursor).Msg("Pull completed")
	e.publish(events.EventPullCompleted, events.PullEventPayload{
		Entity:   ent.Name,
		Records:  n,
		Pages:    res.Pages,
		Cursor:   res.Cursor,
		Duration: e.now().Sub(start),
	})
	return n, nil
}

func (e *Engine) fetchAndStore(ctx context.Context, ent models.Entity, start time.Time) (int, *models.PullResult, error) {
	meta, err := e.meta.SyncMeta(ctx, ent.Name)
	if err != nil {
		return 0, nil, storage(fmt.Errorf("load sync meta: %w", err))
	}

	req := models.PullRequest{Entity: ent.Name, Endpoint: ent.Endpoint}
	if meta != nil {
		if meta.Cursor != "" {
			req.Cursor = meta.Cursor
		} else if !meta.LastPulledAt.IsZero() {
			since := meta.LastPulledAt
			req.Since = &since
		}
	}

	res, err := e.remote.Fetch(ctx, req)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch %s: %w", ent.Name, err)
	}

	collection := ent.CollectionName()
	if len(res.Records) > 0 {
		if err := e.records.PutMany(ctx, collection, res.Records); err != nil {
			return 0, nil, storage(fmt.Errorf("store %d record(s) in %s: %w", len(res.Records), collection, err))
		}
	}

	next := models.SyncMeta{
		Entity:       ent.Name,
		LastPulledAt: start.Add(-e.pullOverlap),
		Cursor:       res.Cursor,
		UpdatedAt:    e.now(),
	}
	if next.Cursor == "" && meta != nil {
		next.Cursor = meta.Cursor
	}
	if err := e.meta.SaveSyncMeta(ctx, next); err != nil {
		return 0, nil, storage(fmt.Errorf("save sync meta: %w", err))
	}
	return len(res.Records), res, nil
}
