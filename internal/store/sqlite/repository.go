// Package sqlite is the libSQL-backed territory repository. SQLite has no row
// locks, so writers of one tile are serialised in-process and every write
// transaction starts with BEGIN IMMEDIATE to take the database write lock up
// front.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/database"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/territory"
)

// timeLayout sorts lexicographically, so range filters work on TEXT columns.
const timeLayout = "2006-01-02T15:04:05.000Z"

type Repository struct {
	db    *sqlx.DB
	locks *tileLocks
}

// New wraps an open, migrated database.
func New(db *sql.DB) *Repository {
	return &Repository{
		db:    sqlx.NewDb(db, "sqlite3"),
		locks: newTileLocks(),
	}
}

func (r *Repository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) WithTileLock(ctx context.Context, tileID string, fn func(ctx context.Context, tx territory.Tx) error) error {
	release, err := r.locks.acquire(ctx, tileID)
	if err != nil {
		return fmt.Errorf("waiting for tile lock: %w", err)
	}
	defer release()

	conn, err := r.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	if err := database.ApplyPragmas(ctx, conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	// Finish the transaction even if ctx is cancelled halfway through.
	bg := context.WithoutCancel(ctx)
	if err := fn(ctx, &tx{conn: conn, tileID: tileID}); err != nil {
		if _, rbErr := conn.ExecContext(bg, "ROLLBACK"); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rolling back: %w", rbErr))
		}
		return err
	}
	if _, err := conn.ExecContext(bg, "COMMIT"); err != nil {
		conn.ExecContext(bg, "ROLLBACK")
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// tileLocks is a reference-counted set of per-tile locks. Entries are removed
// once nobody holds or waits on them.
type tileLocks struct {
	mu sync.Mutex
	m  map[string]*tileLock
}

type tileLock struct {
	ch   chan struct{}
	refs int
}

func newTileLocks() *tileLocks {
	return &tileLocks{m: make(map[string]*tileLock)}
}

func (l *tileLocks) acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.m[id]
	if !ok {
		tl = &tileLock{ch: make(chan struct{}, 1)}
		l.m[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.ch <- struct{}{}:
		return func() {
			<-tl.ch
			l.drop(id, tl)
		}, nil
	case <-ctx.Done():
		l.drop(id, tl)
		return nil, ctx.Err()
	}
}

func (l *tileLocks) drop(id string, tl *tileLock) {
	l.mu.Lock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.m, id)
	}
	l.mu.Unlock()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp %q: %w", s.String, err)
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
