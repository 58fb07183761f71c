package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"shelfsync/internal/models"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // sqlite driver, no cgo
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	DriverCGO  = "sqlite3"
	DriverPure = "sqlite"
)

var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrUnknownIndex      = errors.New("unknown index")
	ErrMissingKey        = errors.New("record has no primary key")
	ErrNotFound          = errors.New("not found")
)

// Options tune how the store file is opened.
type Options struct {
	Driver      string
	BusyTimeout time.Duration
	Collections []models.CollectionSchema
}

// DB is the local store. The underlying connection is opened on first use and shared by
// every caller; a failed open is retried by the next call.
type DB struct {
	path   string
	opts   Options
	logger *zerolog.Logger

	mu      sync.Mutex
	db      *sql.DB
	schemas map[string]models.CollectionSchema
}

// New prepares a store without touching the filesystem.
func New(path string, opts Options, logger *zerolog.Logger) *DB {
	if opts.Driver == "" {
		opts.Driver = DriverCGO
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if len(opts.Collections) == 0 {
		opts.Collections = models.DefaultCollections()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &DB{path: path, opts: opts, logger: logger}
}

// NewDB opens a store with the built-in collections and default settings.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	d := New(path, Options{}, logger)
	if _, err := d.Open(context.Background()); err != nil {
		return nil, err
	}
	return d, nil
}

// Open returns the shared connection, creating the file, running migrations and
// registering collections the first time.
func (d *DB) Open(ctx context.Context) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		return d.db, nil
	}

	if dir := filepath.Dir(d.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(d.opts.Driver, d.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	schemas, err := registerCollections(ctx, db, d.opts.Collections, d.logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	d.db = db
	d.schemas = schemas
	d.logger.Info().Str("path", d.path).Str("driver", d.opts.Driver).Int("collections", len(schemas)).Msg("Local store opened")
	return db, nil
}

func (d *DB) dsn() string {
	ms := d.opts.BusyTimeout.Milliseconds()
	if d.opts.Driver == DriverPure {
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", d.path, ms)
	}
	return fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", d.path, ms)
}

// runMigrations applies the embedded schema. The migrate instance is not closed because
// its database driver would close db with it.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	defer src.Close()

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to instantiate migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// conn opens lazily.
func (d *DB) conn(ctx context.Context) (*sql.DB, error) {
	return d.Open(ctx)
}

func (d *DB) schema(ctx context.Context, collection string) (*sql.DB, models.CollectionSchema, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return nil, models.CollectionSchema{}, err
	}
	d.mu.Lock()
	s, ok := d.schemas[collection]
	d.mu.Unlock()
	if !ok {
		return nil, models.CollectionSchema{}, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return db, s, nil
}

// Collections lists the registered collection declarations.
func (d *DB) Collections(ctx context.Context) ([]models.CollectionSchema, error) {
	if _, err := d.conn(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.CollectionSchema, 0, len(d.schemas))
	for _, s := range d.schemas {
		out = append(out, s)
	}
	return models.MergeCollections(nil, out), nil
}

func (d *DB) Path() string {
	return d.path
}

// Close releases the connection. A later call reopens the same file.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	d.schemas = nil
	return err
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
