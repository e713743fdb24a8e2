// Package sqlitetest opens throwaway migrated databases for tests.
package sqlitetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/database"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/migrations"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/store/sqlite"
)

// New returns a repository on a fresh database file under t.TempDir.
func New(t testing.TB) *sqlite.Repository {
	t.Helper()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "territory.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	if err := migrations.Run(db); err != nil {
		db.Close()
		t.Fatalf("running migrations: %v", err)
	}
	repo := sqlite.New(db)
	t.Cleanup(func() { repo.Close() })
	return repo
}
