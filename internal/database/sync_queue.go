package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shelfsync/internal/models"
)

const actionColumns = `id, kind, entity, payload, url, method, headers, idempotency_key, enqueued_at, acknowledged, retry_count, last_error, next_attempt_at`

const deadLetterColumns = `id, kind, entity, payload, url, method, headers, idempotency_key, enqueued_at, retry_count, last_error, reason, abandoned_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// InsertAction persists a new action and fills in its ID.
func (d *DB) InsertAction(ctx context.Context, action *models.QueuedAction) error {
	db, err := d.conn(ctx)
	if err != nil {
		return err
	}
	headers, err := encodeHeaders(action.Headers)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, `
        INSERT INTO pending_actions (kind, entity, payload, url, method, headers, idempotency_key, enqueued_at, acknowledged, retry_count, last_error, next_attempt_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		string(action.Kind),
		action.Entity,
		nullablePayload(action.Payload),
		action.Target.URL,
		action.Target.Method,
		headers,
		action.IdempotencyKey,
		nanos(action.EnqueuedAt),
		action.RetryCount,
		action.LastError,
		nullableNanos(action.NextAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue action: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	action.ID = id
	return nil
}

// PendingActions returns unacknowledged actions oldest first.
func (d *DB) PendingActions(ctx context.Context) ([]models.QueuedAction, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM pending_actions WHERE acknowledged = 0 ORDER BY enqueued_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending actions: %w", err)
	}
	defer rows.Close()

	actions := []models.QueuedAction{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *a)
	}
	return actions, rows.Err()
}

func (d *DB) GetAction(ctx context.Context, id int64) (*models.QueuedAction, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return nil, err
	}
	a, err := scanAction(db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM pending_actions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action %d: %w", id, ErrNotFound)
	}
	return a, err
}

// AcknowledgeAction marks the action delivered and removes it in the same transaction.
func (d *DB) AcknowledgeAction(ctx context.Context, id int64) error {
	db, err := d.conn(ctx)
	if err != nil {
		return err
	}
	return withTx(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE pending_actions SET acknowledged = 1 WHERE id = ? AND acknowledged = 0`, id)
		if err != nil {
			return fmt.Errorf("failed to acknowledge action %d: %w", id, err)
		}
		if err := requireRow(res, "action", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove action %d: %w", id, err)
		}
		return nil
	})
}

// RecordActionFailure bumps the retry count by one and stores the failure text.
func (d *DB) RecordActionFailure(ctx context.Context, id int64, errMsg string, nextAttemptAt *time.Time) (int, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return 0, err
	}
	var retries int
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE pending_actions
            SET retry_count = retry_count + 1, last_error = ?, next_attempt_at = ?
            WHERE id = ? AND acknowledged = 0`,
			errMsg, nullableNanos(nextAttemptAt), id)
		if err != nil {
			return fmt.Errorf("failed to record failure of action %d: %w", id, err)
		}
		if err := requireRow(res, "action", id); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT retry_count FROM pending_actions WHERE id = ?`, id).Scan(&retries)
	})
	return retries, err
}

func (d *DB) CountPendingActions(ctx context.Context) (int, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_actions WHERE acknowledged = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending actions: %w", err)
	}
	return n, nil
}

// CountExhaustedActions counts queued actions at or above the retry ceiling.
func (d *DB) CountExhaustedActions(ctx context.Context, ceiling int) (int, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_actions WHERE acknowledged = 0 AND retry_count >= ?`, ceiling,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count exhausted actions: %w", err)
	}
	return n, nil
}

// MoveToDeadLetter removes the action from the queue and stores it as abandoned, atomically.
func (d *DB) MoveToDeadLetter(ctx context.Context, id int64, reason string, at time.Time) (*models.DeadLetter, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return nil, err
	}
	var dl *models.DeadLetter
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		a, err := scanAction(tx.QueryRowContext(ctx,
			`SELECT `+actionColumns+` FROM pending_actions WHERE id = ? AND acknowledged = 0`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("action %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		headers, err := encodeHeaders(a.Headers)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO dead_letters (`+deadLetterColumns+`)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, string(a.Kind), a.Entity, nullablePayload(a.Payload), a.Target.URL, a.Target.Method, headers,
			a.IdempotencyKey, nanos(a.EnqueuedAt), a.RetryCount, a.LastError, reason, nanos(at))
		if err != nil {
			return fmt.Errorf("failed to store dead letter %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove action %d: %w", id, err)
		}
		dl = &models.DeadLetter{QueuedAction: *a, Reason: reason, AbandonedAt: fromNanos(nanos(at))}
		return nil
	})
	return dl, err
}

// DeadLetters returns abandoned actions, most recent first.
func (d *DB) DeadLetters(ctx context.Context) ([]models.DeadLetter, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters ORDER BY abandoned_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	out := []models.DeadLetter{}
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *dl)
	}
	return out, rows.Err()
}

// RequeueDeadLetter puts an abandoned action back in the queue with a fresh retry budget.
// It keeps its ID, idempotency key and original enqueue time.
func (d *DB) RequeueDeadLetter(ctx context.Context, id int64) (*models.QueuedAction, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return nil, err
	}
	var action *models.QueuedAction
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		dl, err := scanDeadLetter(tx.QueryRowContext(ctx,
			`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dead letter %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		a := dl.QueuedAction
		a.RetryCount = 0
		a.LastError = nil
		a.NextAttemptAt = nil
		headers, err := encodeHeaders(a.Headers)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO pending_actions (`+actionColumns+`)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, NULL, NULL)`,
			a.ID, string(a.Kind), a.Entity, nullablePayload(a.Payload), a.Target.URL, a.Target.Method, headers,
			a.IdempotencyKey, nanos(a.EnqueuedAt))
		if err != nil {
			return fmt.Errorf("failed to requeue action %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove dead letter %d: %w", id, err)
		}
		action = &a
		return nil
	})
	return action, err
}

func (d *DB) DeleteDeadLetter(ctx context.Context, id int64) error {
	db, err := d.conn(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter %d: %w", id, err)
	}
	return requireRow(res, "dead letter", id)
}

func scanAction(row rowScanner) (*models.QueuedAction, error) {
	var (
		a            models.QueuedAction
		kind         string
		payload      sql.NullString
		headers      sql.NullString
		enqueuedAt   int64
		lastError    sql.NullString
		nextAttempt  sql.NullInt64
		acknowledged bool
	)
	err := row.Scan(&a.ID, &kind, &a.Entity, &payload, &a.Target.URL, &a.Target.Method, &headers,
		&a.IdempotencyKey, &enqueuedAt, &acknowledged, &a.RetryCount, &lastError, &nextAttempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan action: %w", err)
	}
	a.Kind = models.ActionKind(kind)
	a.Acknowledged = acknowledged
	a.EnqueuedAt = fromNanos(enqueuedAt)
	if payload.Valid {
		a.Payload = json.RawMessage(payload.String)
	}
	if lastError.Valid {
		msg := lastError.String
		a.LastError = &msg
	}
	if nextAttempt.Valid {
		t := fromNanos(nextAttempt.Int64)
		a.NextAttemptAt = &t
	}
	if a.Headers, err = decodeHeaders(headers); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanDeadLetter(row rowScanner) (*models.DeadLetter, error) {
	var (
		dl          models.DeadLetter
		kind        string
		payload     sql.NullString
		headers     sql.NullString
		enqueuedAt  int64
		lastError   sql.NullString
		abandonedAt int64
	)
	err := row.Scan(&dl.ID, &kind, &dl.Entity, &payload, &dl.Target.URL, &dl.Target.Method, &headers,
		&dl.IdempotencyKey, &enqueuedAt, &dl.RetryCount, &lastError, &dl.Reason, &abandonedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan dead letter: %w", err)
	}
	dl.Kind = models.ActionKind(kind)
	dl.EnqueuedAt = fromNanos(enqueuedAt)
	dl.AbandonedAt = fromNanos(abandonedAt)
	if payload.Valid {
		dl.Payload = json.RawMessage(payload.String)
	}
	if lastError.Valid {
		msg := lastError.String
		dl.LastError = &msg
	}
	if dl.Headers, err = decodeHeaders(headers); err != nil {
		return nil, err
	}
	return &dl, nil
}

func requireRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

func encodeHeaders(h map[string]string) (any, error) {
	if len(h) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	return string(data), nil
}

func decodeHeaders(s sql.NullString) (map[string]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(s.String), &h); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	return h, nil
}

func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}
