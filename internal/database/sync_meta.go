package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shelfsync/internal/models"
)

// SyncMeta returns the pull watermark of entity, or nil before its first successful pull.
func (d *DB) SyncMeta(ctx context.Context, entity string) (*models.SyncMeta, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return nil, err
	}
	var (
		meta       models.SyncMeta
		lastPulled int64
		updated    int64
		cursor     sql.NullString
	)
	err = db.QueryRowContext(ctx,
		`SELECT entity, last_pulled_at, cursor, updated_at FROM sync_meta WHERE entity = ?`, entity,
	).Scan(&meta.Entity, &lastPulled, &cursor, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync meta for %s: %w", entity, err)
	}
	meta.LastPulledAt = fromNanos(lastPulled)
	meta.UpdatedAt = fromNanos(updated)
	meta.Cursor = cursor.String
	return &meta, nil
}

// SaveSyncMeta overwrites the watermark of meta.Entity.
func (d *DB) SaveSyncMeta(ctx context.Context, meta models.SyncMeta) error {
	db, err := d.conn(ctx)
	if err != nil {
		return err
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = time.Now()
	}
	var cursor any
	if meta.Cursor != "" {
		cursor = meta.Cursor
	}
	_, err = db.ExecContext(ctx, `
        INSERT INTO sync_meta (entity, last_pulled_at, cursor, updated_at) VALUES (?, ?, ?, ?)
        ON CONFLICT(entity) DO UPDATE SET
            last_pulled_at = excluded.last_pulled_at,
            cursor = excluded.cursor,
            updated_at = excluded.updated_at`,
		meta.Entity, nanos(meta.LastPulledAt), cursor, nanos(meta.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save sync meta for %s: %w", meta.Entity, err)
	}
	return nil
}

func (d *DB) ListSyncMeta(ctx context.Context) ([]models.SyncMeta, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT entity, last_pulled_at, cursor, updated_at FROM sync_meta ORDER BY entity`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync meta: %w", err)
	}
	defer rows.Close()

	out := []models.SyncMeta{}
	for rows.Next() {
		var (
			meta       models.SyncMeta
			lastPulled int64
			updated    int64
			cursor     sql.NullString
		)
		if err := rows.Scan(&meta.Entity, &lastPulled, &cursor, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan sync meta: %w", err)
		}
		meta.LastPulledAt = fromNanos(lastPulled)
		meta.UpdatedAt = fromNanos(updated)
		meta.Cursor = cursor.String
		out = append(out, meta)
	}
	return out, rows.Err()
}
