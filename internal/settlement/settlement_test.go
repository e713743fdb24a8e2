package settlement_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/cache"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/geo/geotest"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/hotzone"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/ingest"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/settlement"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/store/sqlite"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/store/sqlite/sqlitetest"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/territory"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/tile"
)

type env struct {
	svc   *settlement.Service
	store *territory.Store
	repo  *sqlite.Repository
	index *tile.Index
	pipe  *ingest.Pipeline
}

func newEnv(t *testing.T, cfg settlement.Config, limiter settlement.Limiter) *env {
	t.Helper()
	rules := citylord.DefaultRules()
	repo := sqlitetest.New(t)
	grid := tile.NewHexGrid(25)
	index := tile.NewIndex(grid, grid.Edge())
	pipe := ingest.New(rules, index)

	scorer := hotzone.New(nil, repo, rules, slog.Default())
	store := territory.NewStore(repo, rules, slog.Default(), territory.WithListener(scorer), territory.WithPenalty(scorer))
	svc := settlement.New(pipe, index, store, repo, scorer, limiter, cfg, slog.Default())
	return &env{svc: svc, store: store, repo: repo, index: index, pipe: pipe}
}

func squareRun() citylord.RunSubmission {
	return citylord.RunSubmission{Points: geotest.SquarePath(geotest.Origin, 200, 12, 3, 15)}
}

func (e *env) settle(t *testing.T, user, key string, sub citylord.RunSubmission) settlement.Result {
	t.Helper()
	res, err := e.svc.SettleRun(context.Background(), user, sub, key)
	if err != nil {
		t.Fatalf("SettleRun(%s, %s): %v", user, key, err)
	}
	return res
}

func (e *env) ingest(t *testing.T) ingest.Result {
	t.Helper()
	ing, err := e.pipe.Ingest(squareRun())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return ing
}

func (e *env) loopTiles(t *testing.T) []string {
	t.Helper()
	return e.ingest(t).Tiles
}

func TestSettleSquareLoop(t *testing.T) {
	e := newEnv(t, settlement.Config{}, nil)
	ctx := context.Background()

	res := e.settle(t, "alice", "run-1", squareRun())

	if !res.Success || !res.TerritoryCreated || res.Replayed {
		t.Fatalf("result = %+v", res)
	}
	tiles := e.loopTiles(t)
	if len(res.Outcomes) != len(tiles) {
		t.Fatalf("got %d outcomes, want %d", len(res.Outcomes), len(tiles))
	}
	for _, o := range res.Outcomes {
		if o.Outcome != citylord.OutcomeClaimed {
			t.Errorf("tile %s: outcome %s, want Claimed", o.TileID, o.Outcome)
		}
	}

	rules := citylord.DefaultRules()
	if want := float64(len(tiles)) * rules.PointsPerTile; res.ScoreDelta != want {
		t.Errorf("score delta = %v, want %v", res.ScoreDelta, want)
	}
	if want := float64(len(tiles)) * e.index.Grid().TileArea(); res.AreaDeltaM2 != want {
		t.Errorf("area delta = %v, want %v", res.AreaDeltaM2, want)
	}

	owned, err := e.store.ListOwnedBy(ctx, "alice")
	if err != nil {
		t.Fatalf("ListOwnedBy: %v", err)
	}
	if len(owned) != len(tiles) {
		t.Errorf("alice owns %d tiles, want %d", len(owned), len(tiles))
	}
	if s, _ := e.store.UserScore(ctx, "alice"); s != res.ScoreDelta {
		t.Errorf("score = %v, want %v", s, res.ScoreDelta)
	}
}

func TestSettleReplaysSameKey(t *testing.T) {
	e := newEnv(t, settlement.Config{}, nil)
	ctx := context.Background()

	first := e.settle(t, "alice", "run-1", squareRun())
	second := e.settle(t, "alice", "run-1", squareRun())

	if !second.Replayed {
		t.Error("second submission was not marked as replayed")
	}
	if second.RunID != first.RunID || second.ScoreDelta != first.ScoreDelta ||
		len(second.Outcomes) != len(first.Outcomes) {
		t.Errorf("replay differs: first=%+v second=%+v", first, second)
	}

	tiles := e.loopTiles(t)
	counts, err := e.repo.CountOwnerChanges(ctx, tiles, time.Time{})
	if err != nil {
		t.Fatalf("CountOwnerChanges: %v", err)
	}
	for _, id := range tiles {
		if counts[id] != 1 {
			t.Errorf("tile %s: %d owner changes, want 1", id, counts[id])
		}
	}

	// Same key from another user is a different run.
	other := e.settle(t, "bob", "run-1", squareRun())
	if other.Replayed || other.RunID == first.RunID {
		t.Errorf("bob's run was treated as alice's replay")
	}
}

func TestSettleConcurrentDuplicateSubmission(t *testing.T) {
	e := newEnv(t, settlement.Config{}, nil)

	const n = 4
	results := make([]settlement.Result, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.svc.SettleRun(context.Background(), "alice", squareRun(), "dup")
			if err != nil {
				t.Errorf("submission %d: %v", i, err)
				return
			}
			results[i] = res
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if results[i].RunID != results[0].RunID {
			t.Errorf("submission %d returned run %s, want %s", i, results[i].RunID, results[0].RunID)
		}
	}
	// Each tile is credited once, whichever submission claimed it.
	want := float64(len(e.loopTiles(t))) * citylord.DefaultRules().PointsPerTile
	if s, _ := e.store.UserScore(context.Background(), "alice"); s != want {
		t.Errorf("score = %v, want %v", s, want)
	}
}

func TestSettleContestedLoopKeepsLogConsistent(t *testing.T) {
	e := newEnv(t, settlement.Config{}, nil)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		claimed = make(map[string]int)
	)
	for _, user := range []string{"alice", "bob", "carol"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.svc.SettleRun(ctx, user, squareRun(), "k")
			if err != nil {
				t.Errorf("%s: %v", user, err)
				return
			}
			mu.Lock()
			for _, o := range res.Outcomes {
				if o.Outcome == citylord.OutcomeClaimed {
					claimed[o.TileID]++
				}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Every reported claim is one logged owner change, and none is lost.
	tiles := e.loopTiles(t)
	counts, err := e.repo.CountOwnerChanges(ctx, tiles, time.Time{})
	if err != nil {
		t.Fatalf("CountOwnerChanges: %v", err)
	}
	for _, id := range tiles {
		if claimed[id] == 0 || claimed[id] != counts[id] {
			t.Errorf("tile %s: %d claims reported, %d owner changes logged", id, claimed[id], counts[id])
		}
	}
}

func TestSettleAttacksPathTilesOutsideLoop(t *testing.T) {
	e := newEnv(t, settlement.Config{}, nil)
	ctx := context.Background()

	sub := squareRun()
	ing := e.ingest(t)
	loop := ing.Tiles
	var target string
	for _, id := range e.index.PathTiles(sub.Points) {
		if !slices.Contains(loop, id) {
			target = id
			break
		}
	}
	if target == "" {
		t.Fatal("square path has no tile outside its loop")
	}
	if _, err := e.store.ClaimTile(ctx, target, "bob", territory.ClaimOpts{}); err != nil {
		t.Fatalf("ClaimTile: %v", err)
	}

	res := e.settle(t, "alice", "run-1", sub)

	var got *settlement.Outcome
	for i := range res.Outcomes {
		if res.Outcomes[i].TileID == target {
			got = &res.Outcomes[i]
		}
	}
	if got == nil {
		t.Fatalf("no outcome for attacked tile %s", target)
	}
	rules := citylord.DefaultRules()
	wantDmg := rules.Damage(ing.AreaM2 / 1e6)
	if got.Outcome != citylord.OutcomeDamaged || got.Damage != wantDmg {
		t.Errorf("outcome = %s damage %d, want Damaged %d", got.Outcome, got.Damage, wantDmg)
	}
	if got.HP == nil || *got.HP != rules.MaxHP-wantDmg {
		t.Errorf("hp = %v, want %d", got.HP, rules.MaxHP-wantDmg)
	}

	// A second run the same day cannot hit the tile again.
	again := e.settle(t, "alice", "run-2", sub)
	for _, o := range again.Outcomes {
		if o.TileID == target && o.Outcome != citylord.OutcomeRejectedAlreadyAttacked {
			t.Errorf("second attack outcome = %s, want RejectedAlreadyAttacked", o.Outcome)
		}
	}
}

func TestSettleHotZoneScoresLess(t *testing.T) {
	e := newEnv(t, settlement.Config{}, nil)
	ctx := context.Background()

	contested := e.loopTiles(t)[0]
	for _, user := range []string{"bob", "carol"} {
		if _, err := e.store.ClaimTile(ctx, contested, user, territory.ClaimOpts{}); err != nil {
			t.Fatalf("ClaimTile(%s): %v", user, err)
		}
	}

	res := e.settle(t, "alice", "run-1", squareRun())

	rules := citylord.DefaultRules()
	cold := float64(len(res.Outcomes)-1) * rules.PointsPerTile
	if want := cold + rules.PointsPerTile*rules.HotZoneMultiplier; res.ScoreDelta != want {
		t.Errorf("score delta = %v, want %v", res.ScoreDelta, want)
	}
	for _, o := range res.Outcomes {
		if o.HotZone != (o.TileID == contested) {
			t.Errorf("tile %s: hotZone = %v", o.TileID, o.HotZone)
		}
	}
}

func TestSettleImplausibleRunIsKeptAsActivity(t *testing.T) {
	e := newEnv(t, settlement.Config{}, nil)
	ctx := context.Background()

	sub := squareRun()
	sub.DistanceMeters = 5000
	sub.DurationSeconds = 300

	res := e.settle(t, "alice", "fast", sub)
	if res.TerritoryCreated || len(res.Outcomes) != 0 {
		t.Errorf("implausible run changed the map: %+v", res)
	}
	if !slices.ContainsFunc(res.Warnings, func(w string) bool { return strings.Contains(w, "implausible motion") }) {
		t.Errorf("warnings = %v, want implausible motion", res.Warnings)
	}
	run, err := e.repo.FindRun(ctx, "alice", "fast")
	if err != nil {
		t.Fatalf("FindRun: %v", err)
	}
	if run.TerritoryCreated || run.DistanceMeters == 0 {
		t.Errorf("stored run = %+v", run)
	}
}

func TestSettleRejectsInvalidTrack(t *testing.T) {
	e := newEnv(t, settlement.Config{}, nil)
	ctx := context.Background()

	sub := squareRun()
	sub.Points = sub.Points[:4]
	if _, err := e.svc.SettleRun(ctx, "alice", sub, "bad"); !errors.Is(err, ingest.ErrInvalidSchema) {
		t.Fatalf("err = %v, want ErrInvalidSchema", err)
	}
	if _, err := e.repo.FindRun(ctx, "alice", "bad"); !errors.Is(err, territory.ErrNotFound) {
		t.Errorf("invalid run was persisted: %v", err)
	}
	if _, err := e.svc.SettleRun(ctx, "alice", squareRun(), ""); !errors.Is(err, settlement.ErrMissingIdempotencyKey) {
		t.Errorf("empty key: err = %v", err)
	}
}

func TestSettleQuota(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	e := newEnv(t, settlement.Config{SubmissionsPerHour: 1}, cache.New(rdb))
	ctx := context.Background()

	e.settle(t, "alice", "a", squareRun())
	if _, err := e.svc.SettleRun(ctx, "alice", squareRun(), "b"); !errors.Is(err, settlement.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	// Replays are not counted.
	if res := e.settle(t, "alice", "a", squareRun()); !res.Replayed {
		t.Error("replay was not served while over quota")
	}

	mr.Close()
	if _, err := e.svc.SettleRun(ctx, "bob", squareRun(), "c"); err != nil {
		t.Errorf("quota outage should fail open: %v", err)
	}
}

func TestSettleRetryAfterTimeoutCompletesClaims(t *testing.T) {
	e := newEnv(t, settlement.Config{Timeout: time.Nanosecond}, nil)
	ctx := context.Background()
	loop := e.loopTiles(t)

	// Tiles that committed before the deadline.
	committed := loop[:len(loop)/2]
	for _, id := range committed {
		if _, err := e.store.ClaimTile(ctx, id, "alice", territory.ClaimOpts{}); err != nil {
			t.Fatalf("ClaimTile(%s): %v", id, err)
		}
	}

	res := e.settle(t, "alice", "slow", squareRun())
	if res.Success || !slices.Contains(res.Warnings, settlement.WarnTimeout) {
		t.Fatalf("success=%v warnings=%v, want an unsuccessful timeout", res.Success, res.Warnings)
	}
	if _, err := e.repo.FindRun(ctx, "alice", "slow"); !errors.Is(err, territory.ErrNotFound) {
		t.Fatalf("FindRun after timeout: err = %v, want ErrNotFound", err)
	}

	scorer := hotzone.New(nil, e.repo, citylord.DefaultRules(), slog.Default())
	retry := settlement.New(e.pipe, e.index, e.store, e.repo, scorer, nil, settlement.Config{}, slog.Default())
	res, err := retry.SettleRun(ctx, "alice", squareRun(), "slow")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !res.Success || res.Replayed {
		t.Fatalf("retry success=%v replayed=%v, want a fresh settlement", res.Success, res.Replayed)
	}

	got := make(map[string]citylord.TileOutcome, len(res.Outcomes))
	for _, o := range res.Outcomes {
		got[o.TileID] = o.Outcome
	}
	for i, id := range loop {
		want := citylord.OutcomeClaimed
		if i < len(committed) {
			want = citylord.OutcomeAlreadyOwned
		}
		if got[id] != want {
			t.Errorf("tile %s outcome = %q, want %q", id, got[id], want)
		}
		tile, err := e.store.GetTile(ctx, id)
		if err != nil {
			t.Fatalf("GetTile(%s): %v", id, err)
		}
		if tile.OwnerID != "alice" {
			t.Errorf("tile %s owner = %q, want alice", id, tile.OwnerID)
		}
	}

	again, err := retry.SettleRun(ctx, "alice", squareRun(), "slow")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !again.Replayed || again.RunID != res.RunID {
		t.Errorf("completed retry was not recorded for replay")
	}
}

func TestAttackTerritory(t *testing.T) {
	e := newEnv(t, settlement.Config{}, nil)
	ctx := context.Background()
	id := e.loopTiles(t)[0]

	if _, err := e.store.ClaimTile(ctx, id, "bob", territory.ClaimOpts{}); err != nil {
		t.Fatalf("ClaimTile: %v", err)
	}
	res, err := e.svc.AttackTerritory(ctx, settlement.AttackRequest{
		AttackerID: "alice", TileID: id, CityID: "berlin", IntersectionAreaM2: 100_000,
	})
	if err != nil {
		t.Fatalf("AttackTerritory: %v", err)
	}
	if res.Damage != 50 || res.HP != 50 {
		t.Errorf("result = %+v, want 50 damage", res)
	}

	_, err = e.svc.AttackTerritory(ctx, settlement.AttackRequest{AttackerID: "alice", TileID: "nope"})
	if !errors.Is(err, ingest.ErrInvalidSchema) {
		t.Errorf("bad tile id: err = %v, want ErrInvalidSchema", err)
	}
}
