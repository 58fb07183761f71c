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

// Get returns the record stored under key, or false when there is none.
func (d *DB) Get(ctx context.Context, collection, key string) (models.Record, bool, error) {
	db, _, err := d.schema(ctx, collection)
	if err != nil {
		return nil, false, err
	}

	var data []byte
	err = db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE collection = ? AND key = ?`, collection, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}

	rec, err := models.DecodeRecord(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return rec, true, nil
}

// GetAll returns every record of the collection ordered by key.
func (d *DB) GetAll(ctx context.Context, collection string) ([]models.Record, error) {
	db, _, err := d.schema(ctx, collection)
	if err != nil {
		return nil, err
	}
	return queryRecords(ctx, db,
		`SELECT data FROM records WHERE collection = ? ORDER BY key`, collection)
}

// GetByIndex returns the records whose indexed attribute equals value.
func (d *DB) GetByIndex(ctx context.Context, collection, index string, value any) ([]models.Record, error) {
	db, schema, err := d.schema(ctx, collection)
	if err != nil {
		return nil, err
	}
	if _, ok := schema.Index(index); !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, collection, index)
	}
	v, ok := models.ScalarString(value)
	if !ok {
		return []models.Record{}, nil
	}

	return queryRecords(ctx, db, `
        SELECT r.data
        FROM record_indexes i
        JOIN records r ON r.collection = i.collection AND r.key = i.key
        WHERE i.collection = ? AND i.index_name = ? AND i.value = ?
        ORDER BY r.key`,
		collection, index, v)
}

// Put inserts or replaces one record.
func (d *DB) Put(ctx context.Context, collection string, record models.Record) error {
	return d.PutMany(ctx, collection, []models.Record{record})
}

// PutMany upserts all records in one transaction: either every record is stored or none is.
func (d *DB) PutMany(ctx context.Context, collection string, records []models.Record) error {
	db, schema, err := d.schema(ctx, collection)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	type prepared struct {
		key  string
		data []byte
		rec  models.Record
	}
	batch := make([]prepared, 0, len(records))
	for i, rec := range records {
		key, ok := rec.KeyString(schema.KeyPath)
		if !ok {
			return fmt.Errorf("%w: %s record #%d lacks %q", ErrMissingKey, collection, i, schema.KeyPath)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", collection, key, err)
		}
		batch = append(batch, prepared{key: key, data: data, rec: rec})
	}

	now := nanos(time.Now())
	return withTx(ctx, db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO records (collection, key, data, updated_at) VALUES (?, ?, ?, ?)
            ON CONFLICT(collection, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("prepare put: %w", err)
		}
		defer stmt.Close()

		for _, p := range batch {
			if _, err := stmt.ExecContext(ctx, collection, p.key, string(p.data), now); err != nil {
				return fmt.Errorf("put %s/%s: %w", collection, p.key, err)
			}
			if err := clearIndexes(ctx, tx, collection, p.key); err != nil {
				return err
			}
			if err := writeIndexes(ctx, tx, schema, p.key, p.rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes one record; deleting a missing key is not an error.
func (d *DB) Delete(ctx context.Context, collection, key string) error {
	db, _, err := d.schema(ctx, collection)
	if err != nil {
		return err
	}
	return withTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND key = ?`, collection, key); err != nil {
			return fmt.Errorf("delete %s/%s: %w", collection, key, err)
		}
		return clearIndexes(ctx, tx, collection, key)
	})
}

// Clear empties the collection.
func (d *DB) Clear(ctx context.Context, collection string) error {
	db, _, err := d.schema(ctx, collection)
	if err != nil {
		return err
	}
	return withTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, collection); err != nil {
			return fmt.Errorf("clear %s: %w", collection, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM record_indexes WHERE collection = ?`, collection); err != nil {
			return fmt.Errorf("clear indexes of %s: %w", collection, err)
		}
		return nil
	})
}

func (d *DB) Count(ctx context.Context, collection string) (int, error) {
	db, _, err := d.schema(ctx, collection)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE collection = ?`, collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

func queryRecords(ctx context.Context, db *sql.DB, query string, args ...any) ([]models.Record, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := []models.Record{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := models.DecodeRecord(data)
		if err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
