package gormdb_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/store/gormdb"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/territory"
)

func TestUnsupportedDriver(t *testing.T) {
	_, err := gormdb.ConnectWithRetry(context.Background(), slog.Default(), "oracle", "dsn", 1, 0)
	if !errors.Is(err, gormdb.ErrUnsupportedDriver) {
		t.Fatalf("err = %v, want ErrUnsupportedDriver", err)
	}
}

// connect needs TEST_GORM_DRIVER (postgres or mysql) and TEST_GORM_DSN.
func connect(t *testing.T) *gormdb.Repository {
	t.Helper()
	driver, dsn := os.Getenv("TEST_GORM_DRIVER"), os.Getenv("TEST_GORM_DSN")
	if driver == "" || dsn == "" {
		t.Skip("TEST_GORM_DRIVER and TEST_GORM_DSN not set")
	}
	repo, err := gormdb.ConnectWithRetry(context.Background(), slog.Default(), driver, dsn, 3, time.Second)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestConcurrentClaims(t *testing.T) {
	repo := connect(t)
	store := territory.NewStore(repo, citylord.DefaultRules(), slog.Default())
	ctx := context.Background()
	tileID := "test:" + uuid.NewString()
	neutral := ""

	var (
		mu      sync.Mutex
		claimed int
		wg      sync.WaitGroup
	)
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.ClaimTile(ctx, tileID, fmt.Sprintf("runner-%d", i),
				territory.ClaimOpts{ExpectedOwner: &neutral})
			if err != nil {
				t.Errorf("runner %d: %v", i, err)
				return
			}
			if res.Outcome == citylord.OutcomeClaimed {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Errorf("%d runners claimed the tile, want 1", claimed)
	}
	counts, err := repo.CountOwnerChanges(ctx, []string{tileID}, time.Time{})
	if err != nil {
		t.Fatalf("CountOwnerChanges: %v", err)
	}
	if counts[tileID] != 1 {
		t.Errorf("owner changes = %d, want 1", counts[tileID])
	}
}

func TestDoubleAttackRollsBack(t *testing.T) {
	repo := connect(t)
	store := territory.NewStore(repo, citylord.DefaultRules(), slog.Default())
	ctx := context.Background()
	tileID := "test:" + uuid.NewString()

	if _, err := store.ClaimTile(ctx, tileID, "alice", territory.ClaimOpts{}); err != nil {
		t.Fatalf("ClaimTile: %v", err)
	}
	first, err := store.DamageTile(ctx, tileID, "bob", 0)
	if err != nil {
		t.Fatalf("first attack: %v", err)
	}
	if _, err := store.DamageTile(ctx, tileID, "bob", 0); !errors.Is(err, territory.ErrAlreadyAttackedToday) {
		t.Fatalf("second attack: err = %v, want ErrAlreadyAttackedToday", err)
	}
	tile, err := store.GetTile(ctx, tileID)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if tile.HP != first.HP {
		t.Errorf("hp = %d after rejected attack, want %d", tile.HP, first.HP)
	}
}

func TestRunsAreUniquePerUserAndKey(t *testing.T) {
	repo := connect(t)
	ctx := context.Background()
	run := citylord.Run{
		ID:             uuid.NewString(),
		ActivityID:     uuid.NewString(),
		UserID:         "u-" + uuid.NewString(),
		IdempotencyKey: "k1",
		Result:         []byte(`{"success":true}`),
		CreatedAt:      time.Now(),
	}
	if err := repo.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}
	run.ID = uuid.NewString()
	if err := repo.InsertRun(ctx, run); !errors.Is(err, territory.ErrDuplicateRun) {
		t.Fatalf("duplicate: err = %v, want ErrDuplicateRun", err)
	}
	got, err := repo.FindRun(ctx, run.UserID, "k1")
	if err != nil {
		t.Fatalf("FindRun: %v", err)
	}
	var result struct{ Success bool }
	if err := json.Unmarshal(got.Result, &result); err != nil || !result.Success {
		t.Errorf("result = %s (%v)", got.Result, err)
	}
}

func TestFirstLockLeavesNeutralRow(t *testing.T) {
	repo := connect(t)
	ctx := context.Background()
	tileID := "test:" + uuid.NewString()

	err := repo.WithTileLock(ctx, tileID, func(ctx context.Context, tx territory.Tx) error {
		_, found, err := tx.Tile(ctx)
		if !found {
			t.Error("locked tile not found")
		}
		return err
	})
	if err != nil {
		t.Fatalf("WithTileLock: %v", err)
	}
	tile, err := repo.GetTile(ctx, tileID)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if tile.HP != citylord.DefaultRules().MaxHP || tile.Status != citylord.TileActive || tile.OwnerID != "" {
		t.Errorf("tile = %+v, want a neutral active tile at full hp", tile)
	}
}

func TestListTilesAcrossBatches(t *testing.T) {
	repo := connect(t)
	store := territory.NewStore(repo, citylord.DefaultRules(), slog.Default())
	ctx := context.Background()
	prefix := "test:" + uuid.NewString() + ":"

	ids := make([]string, 3000)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s%05d", prefix, i)
	}
	for _, id := range []string{ids[0], ids[1500], ids[2999]} {
		if _, err := store.ClaimTile(ctx, id, "alice", territory.ClaimOpts{}); err != nil {
			t.Fatalf("ClaimTile(%s): %v", id, err)
		}
	}
	got, err := repo.ListTiles(ctx, ids)
	if err != nil {
		t.Fatalf("ListTiles: %v", err)
	}
	if len(got) != 3 || got[0].ID != ids[0] || got[2].ID != ids[2999] {
		t.Errorf("ListTiles returned %d tiles, want the 3 claimed in id order", len(got))
	}
	counts, err := repo.CountOwnerChanges(ctx, ids, time.Time{})
	if err != nil {
		t.Fatalf("CountOwnerChanges: %v", err)
	}
	if len(counts) != 3 {
		t.Errorf("counted changes on %d tiles, want 3", len(counts))
	}
}
