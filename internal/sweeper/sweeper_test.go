package sweeper_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/cache"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/store/sqlite"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/store/sqlite/sqlitetest"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/sweeper"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/territory"
)

const day = 24 * time.Hour

type fixture struct {
	now   time.Time
	repo  *sqlite.Repository
	store *territory.Store
	sw    *sweeper.Sweeper
	mr    *miniredis.Miniredis
}

func (f *fixture) clock() time.Time { return f.now }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}
	f.mr = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f.repo = sqlitetest.New(t)
	f.store = territory.NewStore(f.repo, citylord.DefaultRules(), slog.Default(), territory.WithClock(f.clock))
	f.sw = sweeper.New(f.repo, f.store, cache.New(rdb), slog.Default())
	f.sw.SetClock(f.clock)
	return f
}

func (f *fixture) claim(t *testing.T, id, user string, faction citylord.Faction, area float64) {
	t.Helper()
	_, err := f.store.ClaimTile(context.Background(), id, user, territory.ClaimOpts{Faction: faction, AreaM2: area})
	if err != nil {
		t.Fatalf("ClaimTile(%s, %s): %v", id, user, err)
	}
}

func (f *fixture) run(t *testing.T) sweeper.Report {
	t.Helper()
	rep, err := f.sw.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return rep
}

func (f *fixture) tile(t *testing.T, id string) citylord.Tile {
	t.Helper()
	tile, err := f.store.GetTile(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	return tile
}

func TestSweepDecaysNeglectedTiles(t *testing.T) {
	f := newFixture(t)
	f.claim(t, "a", "alice", citylord.FactionRed, 1000)
	f.claim(t, "b", "bob", citylord.FactionBlue, 500)

	f.now = f.now.Add(7*day + 2*time.Hour)
	if rep := f.run(t); rep.Decayed != 2 || rep.Reset != 0 {
		t.Fatalf("first sweep = %+v, want 2 decayed", rep)
	}
	if hp := f.tile(t, "a").HP; hp != 90 {
		t.Errorf("hp after one day of decay = %d, want 90", hp)
	}

	if rep := f.run(t); rep.Decayed != 0 {
		t.Errorf("second sweep the same day decayed %d tiles", rep.Decayed)
	}
	if hp := f.tile(t, "a").HP; hp != 90 {
		t.Errorf("hp after repeated sweep = %d, want 90", hp)
	}

	// A visit resets the clock.
	f.claim(t, "b", "bob", citylord.FactionBlue, 500)

	f.now = f.now.Add(10 * day)
	rep := f.run(t)
	if rep.Reset != 1 {
		t.Fatalf("third sweep = %+v, want 1 reset", rep)
	}
	a := f.tile(t, "a")
	if a.OwnerID != "" || a.HP != citylord.DefaultRules().MaxHP || a.Status != citylord.TileActive {
		t.Errorf("decayed tile = %+v, want default neutral", a)
	}
	if b := f.tile(t, "b"); b.OwnerID != "bob" {
		t.Errorf("maintained tile lost its owner: %+v", b)
	}
}

func TestSweepExpiresCooldowns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.claim(t, "c", "carol", citylord.FactionRed, 1000)
	for _, attacker := range []string{"dave", "erin"} {
		if _, err := f.store.DamageTile(ctx, "c", attacker, 1); err != nil {
			t.Fatalf("DamageTile(%s): %v", attacker, err)
		}
	}
	if st := f.tile(t, "c").Status; st != citylord.TileNeutralCooldown {
		t.Fatalf("status = %s, want neutral_cooldown", st)
	}

	f.now = f.now.Add(30 * time.Minute)
	if rep := f.run(t); rep.CooldownsExpired != 0 {
		t.Errorf("cooldown lifted early: %+v", rep)
	}

	f.now = f.now.Add(time.Hour)
	if rep := f.run(t); rep.CooldownsExpired != 1 {
		t.Errorf("report = %+v, want 1 expired cooldown", rep)
	}
	c := f.tile(t, "c")
	if c.Status != citylord.TileActive || c.NeutralUntil != nil || c.HP != citylord.DefaultRules().MaxHP {
		t.Errorf("tile after expiry = %+v", c)
	}
}

func TestSweepFactionSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.sw.FactionSnapshot(ctx); !errors.Is(err, territory.ErrNotFound) {
		t.Fatalf("before any sweep: err = %v, want ErrNotFound", err)
	}

	f.claim(t, "a", "alice", citylord.FactionRed, 1000)
	f.claim(t, "b", "bob", citylord.FactionBlue, 500)
	f.claim(t, "c", "carol", citylord.FactionRed, 200)
	f.claim(t, "d", "drifter", citylord.FactionNone, 900)

	rep := f.run(t)
	if rep.Snapshot.RedArea != 1200 || rep.Snapshot.BlueArea != 500 {
		t.Fatalf("snapshot = %+v, want red 1200 blue 500", rep.Snapshot)
	}
	if ttl := f.mr.TTL(sweeper.SnapshotKey); ttl != sweeper.SnapshotTTL {
		t.Errorf("snapshot ttl = %v, want %v", ttl, sweeper.SnapshotTTL)
	}

	cached, err := f.sw.FactionSnapshot(ctx)
	if err != nil || cached.RedArea != 1200 {
		t.Fatalf("cached snapshot = %+v, %v", cached, err)
	}

	f.mr.FlushAll()
	stored, err := f.sw.FactionSnapshot(ctx)
	if err != nil {
		t.Fatalf("stored snapshot: %v", err)
	}
	if stored.BlueArea != 500 || !stored.UpdatedAt.Equal(f.now) {
		t.Errorf("stored snapshot = %+v", stored)
	}
}

func TestSweepPrunesColdHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.claim(t, "x", "alice", citylord.FactionNone, 0)
	f.claim(t, "x", "bob", citylord.FactionNone, 0)
	f.claim(t, "y", "carol", citylord.FactionNone, 0)

	f.now = f.now.Add(8 * day)
	f.claim(t, "z", "dave", citylord.FactionNone, 0)
	f.claim(t, "z", "erin", citylord.FactionNone, 0)

	rep := f.run(t)
	if rep.Pruned != 3 {
		t.Errorf("pruned %d changes, want 3", rep.Pruned)
	}
	counts, err := f.repo.CountOwnerChanges(ctx, []string{"x", "y", "z"}, time.Time{})
	if err != nil {
		t.Fatalf("CountOwnerChanges: %v", err)
	}
	if counts["z"] != 2 {
		t.Errorf("hot tile history = %d, want 2", counts["z"])
	}
}
