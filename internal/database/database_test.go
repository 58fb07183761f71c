package database

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"shelfsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(t.TempDir(), "store.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "store.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
	assert.Equal(t, dbPath, db.Path())
}

func TestOpen_ConcurrentCallersShareConnection(t *testing.T) {
	db := New(filepath.Join(t.TempDir(), "store.db"), Options{}, nil)
	defer db.Close()

	const callers = 10
	conns := make([]*sql.DB, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = db.Open(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, conns[0], conns[i])
	}
}

func TestOpen_RetriesAfterFailure(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	db := New(filepath.Join(blocker, "store.db"), Options{}, nil)
	defer db.Close()

	_, err := db.Open(context.Background())
	require.Error(t, err)

	require.NoError(t, os.Remove(blocker))
	require.NoError(t, os.Mkdir(blocker, 0o755))

	conn, err := db.Open(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, conn)
}

func TestOpen_LazyOnFirstOperation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "lazy.db")
	db := New(dbPath, Options{}, nil)
	defer db.Close()

	assert.NoFileExists(t, dbPath)

	n, err := db.Count(context.Background(), "products")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.FileExists(t, dbPath)
}

func TestOpen_PureGoDriver(t *testing.T) {
	db := New(filepath.Join(t.TempDir(), "pure.db"), Options{Driver: DriverPure}, nil)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Put(ctx, "customers", models.Record{"id": "c1", "email": "a@example.com"}))

	got, err := db.GetByIndex(ctx, "customers", "email", "a@example.com")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0]["id"])
}

func TestCollections_RegisteredFromDeclarations(t *testing.T) {
	db := setupTestDB(t)

	cols, err := db.Collections(context.Background())
	require.NoError(t, err)

	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"cart", "customers", "orders", "products"}, names)
}

func TestCollections_RebuildOnDeclarationChange(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "store.db")

	v1 := []models.CollectionSchema{{
		Name:    "suppliers",
		KeyPath: "id",
		Version: 1,
		Indexes: []models.IndexSchema{{Name: "country", KeyPath: "country"}},
	}}
	db := New(dbPath, Options{Collections: v1}, nil)
	require.NoError(t, db.PutMany(ctx, "suppliers", []models.Record{
		{"id": "s1", "code": "ACME", "country": "DE", "city": "Berlin"},
		{"id": "s2", "code": "GLOBEX", "country": "US", "city": "Austin"},
		{"id": "s3", "country": "DE", "city": "Bonn"},
	}))
	require.NoError(t, db.Close())

	v2 := []models.CollectionSchema{{
		Name:    "suppliers",
		KeyPath: "code",
		Version: 2,
		Indexes: []models.IndexSchema{{Name: "city", KeyPath: "city"}},
	}}
	db = New(dbPath, Options{Collections: v2}, nil)
	defer db.Close()

	rec, ok, err := db.Get(ctx, "suppliers", "ACME")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Berlin", rec["city"])

	n, err := db.Count(ctx, "suppliers")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "record without the new key path is dropped")

	byCity, err := db.GetByIndex(ctx, "suppliers", "city", "Austin")
	require.NoError(t, err)
	require.Len(t, byCity, 1)
	assert.Equal(t, "GLOBEX", byCity[0]["code"])

	_, err = db.GetByIndex(ctx, "suppliers", "country", "DE")
	assert.ErrorIs(t, err, ErrUnknownIndex)
}

func TestUnknownCollection(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, _, err := db.Get(ctx, "invoices", "1")
	assert.ErrorIs(t, err, ErrUnknownCollection)

	err = db.Put(ctx, "invoices", models.Record{"id": "1"})
	assert.ErrorIs(t, err, ErrUnknownCollection)

	_, err = db.Count(ctx, "invoices")
	assert.ErrorIs(t, err, ErrUnknownCollection)
}
