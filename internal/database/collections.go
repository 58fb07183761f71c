package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shelfsync/internal/models"

	"github.com/rs/zerolog"
)

type registeredCollection struct {
	keyPath string
	indexes string
	version int
}

// registerCollections records every declared collection and rebuilds the ones whose
// declaration changed since the file was last opened.
func registerCollections(ctx context.Context, db *sql.DB, declared []models.CollectionSchema, logger *zerolog.Logger) (map[string]models.CollectionSchema, error) {
	schemas := make(map[string]models.CollectionSchema, len(declared))

	for _, schema := range declared {
		if err := schema.Validate(); err != nil {
			return nil, err
		}
		if schema.Version == 0 {
			schema.Version = 1
		}
		indexes, err := json.Marshal(schema.Indexes)
		if err != nil {
			return nil, fmt.Errorf("encode indexes for %s: %w", schema.Name, err)
		}

		var reg registeredCollection
		err = db.QueryRowContext(ctx,
			`SELECT key_path, indexes, version FROM collections WHERE name = ?`, schema.Name,
		).Scan(&reg.keyPath, &reg.indexes, &reg.version)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = db.ExecContext(ctx,
				`INSERT INTO collections (name, key_path, indexes, version, updated_at) VALUES (?, ?, ?, ?, ?)`,
				schema.Name, schema.KeyPath, string(indexes), schema.Version, nanos(time.Now()))
			if err != nil {
				return nil, fmt.Errorf("register collection %s: %w", schema.Name, err)
			}
		case err != nil:
			return nil, fmt.Errorf("load collection %s: %w", schema.Name, err)
		case reg.keyPath != schema.KeyPath || reg.indexes != string(indexes) || reg.version != schema.Version:
			logger.Info().
				Str("collection", schema.Name).
				Int("from_version", reg.version).
				Int("to_version", schema.Version).
				Msg("Collection declaration changed, rebuilding")
			if err := rebuildCollection(ctx, db, schema, reg.keyPath != schema.KeyPath, string(indexes), logger); err != nil {
				return nil, err
			}
		}

		schemas[schema.Name] = schema
	}

	return schemas, nil
}

// rebuildCollection recomputes index rows and, when the key path moved, record keys.
// Records that lack the new key are dropped; they come back with the next pull.
func rebuildCollection(ctx context.Context, db *sql.DB, schema models.CollectionSchema, rekey bool, indexes string, logger *zerolog.Logger) error {
	return withTx(ctx, db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT key, data FROM records WHERE collection = ?`, schema.Name)
		if err != nil {
			return fmt.Errorf("scan collection %s: %w", schema.Name, err)
		}
		type stored struct {
			key  string
			data []byte
		}
		var all []stored
		for rows.Next() {
			var s stored
			if err := rows.Scan(&s.key, &s.data); err != nil {
				rows.Close()
				return fmt.Errorf("scan record: %w", err)
			}
			all = append(all, s)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM record_indexes WHERE collection = ?`, schema.Name); err != nil {
			return fmt.Errorf("clear indexes of %s: %w", schema.Name, err)
		}
		if rekey {
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, schema.Name); err != nil {
				return fmt.Errorf("rekey %s: %w", schema.Name, err)
			}
		}

		dropped := 0
		for _, s := range all {
			rec, err := models.DecodeRecord(s.data)
			if err != nil {
				return fmt.Errorf("decode record %s/%s: %w", schema.Name, s.key, err)
			}
			key := s.key
			if rekey {
				newKey, ok := rec.KeyString(schema.KeyPath)
				if !ok {
					dropped++
					continue
				}
				key = newKey
				if err := clearIndexes(ctx, tx, schema.Name, key); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT OR REPLACE INTO records (collection, key, data, updated_at) VALUES (?, ?, ?, ?)`,
					schema.Name, key, string(s.data), nanos(time.Now())); err != nil {
					return fmt.Errorf("rekey %s/%s: %w", schema.Name, key, err)
				}
			}
			if err := writeIndexes(ctx, tx, schema, key, rec); err != nil {
				return err
			}
		}
		if dropped > 0 {
			logger.Warn().Str("collection", schema.Name).Int("dropped", dropped).Msg("Records without the new key path were dropped")
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE collections SET key_path = ?, indexes = ?, version = ?, updated_at = ? WHERE name = ?`,
			schema.KeyPath, indexes, schema.Version, nanos(time.Now()), schema.Name)
		if err != nil {
			return fmt.Errorf("update collection %s: %w", schema.Name, err)
		}
		return nil
	})
}

func writeIndexes(ctx context.Context, tx *sql.Tx, schema models.CollectionSchema, key string, rec models.Record) error {
	for _, idx := range schema.Indexes {
		value, ok := rec.KeyString(idx.KeyPath)
		if !ok {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO record_indexes (collection, index_name, value, key) VALUES (?, ?, ?, ?)`,
			schema.Name, idx.Name, value, key)
		if err != nil {
			return fmt.Errorf("index %s.%s: %w", schema.Name, idx.Name, err)
		}
	}
	return nil
}

func clearIndexes(ctx context.Context, tx *sql.Tx, collection, key string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM record_indexes WHERE collection = ? AND key = ?`, collection, key)
	if err != nil {
		return fmt.Errorf("clear index rows %s/%s: %w", collection, key, err)
	}
	return nil
}
