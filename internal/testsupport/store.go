package testsupport

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/albatrossmedia/ISN-MVP/internal/queue"
	"github.com/albatrossmedia/ISN-MVP/internal/registry"
	"github.com/albatrossmedia/ISN-MVP/internal/storage"
)

// MustOpenDB opens a fresh SQLite database in a temp directory.
func MustOpenDB(t testing.TB) *sql.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "isn.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// MustOpenRegistry builds a registry on a fresh database.
func MustOpenRegistry(t testing.TB, opts ...registry.Option) *registry.Registry {
	t.Helper()
	return MustOpenRegistryOn(t, MustOpenDB(t), opts...)
}

// MustOpenRegistryOn builds a registry on db.
func MustOpenRegistryOn(t testing.TB, db *sql.DB, opts ...registry.Option) *registry.Registry {
	t.Helper()
	reg, err := registry.New(context.Background(), db, opts...)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	return reg
}

// MustOpenQueue builds a SQLite queue on db.
func MustOpenQueue(t testing.TB, db *sql.DB, opts ...queue.Option) *queue.SQLiteStore {
	t.Helper()
	store, err := queue.NewSQLiteStore(context.Background(), db, opts...)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
