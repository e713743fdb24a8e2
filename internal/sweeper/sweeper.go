// Package sweeper runs the periodic maintenance pass: pruning old ownership
// history, refreshing the faction snapshot, decaying neglected tiles and
// lifting expired cooldowns. It is triggered externally and safe to re-run.
package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/territory"
)

const (
	SnapshotKey = "faction:snapshot"
	SnapshotTTL = time.Hour
)

// Repository is the read side the sweeper scans. Every write to a tile goes
// through the territory store.
type Repository interface {
	PruneOwnerChanges(ctx context.Context, before time.Time, hotThreshold int) (int64, error)
	FactionAreas(ctx context.Context) (citylord.FactionSnapshot, error)
	SaveFactionSnapshot(ctx context.Context, snap citylord.FactionSnapshot) error
	LatestFactionSnapshot(ctx context.Context) (citylord.FactionSnapshot, error)
	StaleTiles(ctx context.Context, before time.Time) ([]citylord.Tile, error)
	ExpiredCooldowns(ctx context.Context, now time.Time) ([]string, error)
}

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

type Report struct {
	Pruned           int64                    `json:"pruned"`
	Snapshot         citylord.FactionSnapshot `json:"snapshot"`
	Decayed          int                      `json:"decayed"`
	Reset            int                      `json:"reset"`
	CooldownsExpired int                      `json:"cooldownsExpired"`
	Failed           int                      `json:"failed"`
	DurationMs       int64                    `json:"durationMs"`
}

type Sweeper struct {
	repo   Repository
	store  *territory.Store
	cache  Cache
	logger *slog.Logger
	now    func() time.Time
}

// New builds a sweeper. cache may be nil.
func New(repo Repository, store *territory.Store, cache Cache, logger *slog.Logger) *Sweeper {
	return &Sweeper{repo: repo, store: store, cache: cache, logger: logger, now: time.Now}
}

func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Run performs one full pass. A failure on a single tile is counted and
// logged; a failed scan query aborts the pass.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	rules := s.store.Rules()
	now := s.now().UTC()
	var rep Report

	pruned, err := s.repo.PruneOwnerChanges(ctx, now.Add(-rules.HotZoneWindow), rules.HotZoneThreshold)
	if err != nil {
		return rep, err
	}
	rep.Pruned = pruned

	stale, err := s.repo.StaleTiles(ctx, now.Add(-rules.DecayAfter))
	if err != nil {
		return rep, err
	}
	for _, t := range stale {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		res, err := s.store.DecayTile(ctx, t.ID, now.Add(-rules.DecayAfter), decayLoss(t, now, rules))
		if err != nil {
			rep.Failed++
			s.logger.Warn("decay failed", "tile", t.ID, "error", err)
			continue
		}
		switch {
		case res.Reset:
			rep.Reset++
		case !res.Skipped:
			rep.Decayed++
		}
	}

	expired, err := s.repo.ExpiredCooldowns(ctx, now)
	if err != nil {
		return rep, err
	}
	for _, id := range expired {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := s.store.ResetTile(ctx, id); err != nil {
			rep.Failed++
			s.logger.Warn("cooldown expiry failed", "tile", id, "error", err)
			continue
		}
		rep.CooldownsExpired++
	}

	// Snapshot last so it reflects this pass's decay.
	if rep.Snapshot, err = s.refreshSnapshot(ctx, now); err != nil {
		return rep, err
	}

	rep.DurationMs = time.Since(start).Milliseconds()
	s.logger.Info("sweep finished",
		"pruned", rep.Pruned,
		"decayed", rep.Decayed,
		"reset", rep.Reset,
		"cooldowns_expired", rep.CooldownsExpired,
		"failed", rep.Failed,
		"duration_ms", rep.DurationMs,
	)
	return rep, nil
}

// decayLoss brings the tile down to what it would have left after losing
// DecayHPPerDay for every started day past the threshold. Damage already taken
// counts towards it, so running the sweep twice in a day decays once.
func decayLoss(t citylord.Tile, now time.Time, rules citylord.Rules) int {
	since := t.LastMaintainedAt
	if since == nil {
		since = t.CapturedAt
	}
	if since == nil {
		return rules.DecayHPPerDay
	}
	over := now.Sub(*since) - rules.DecayAfter
	if over <= 0 {
		return 0
	}
	days := int(math.Ceil(over.Hours() / 24))
	target := rules.MaxHP - days*rules.DecayHPPerDay
	return max(0, t.HP-max(0, target))
}

func (s *Sweeper) refreshSnapshot(ctx context.Context, now time.Time) (citylord.FactionSnapshot, error) {
	snap, err := s.repo.FactionAreas(ctx)
	if err != nil {
		return snap, err
	}
	snap.UpdatedAt = now
	if err := s.repo.SaveFactionSnapshot(ctx, snap); err != nil {
		return snap, err
	}
	if s.cache != nil {
		data, _ := json.Marshal(snap)
		if err := s.cache.Set(ctx, SnapshotKey, data, SnapshotTTL); err != nil {
			s.logger.Warn("caching faction snapshot failed", "error", err)
		}
	}
	return snap, nil
}

// FactionSnapshot returns the cached snapshot, falling back to the last
// persisted one. ErrNotFound means no sweep has run yet.
func (s *Sweeper) FactionSnapshot(ctx context.Context) (citylord.FactionSnapshot, error) {
	if s.cache != nil {
		data, err := s.cache.Get(ctx, SnapshotKey)
		if err == nil {
			var snap citylord.FactionSnapshot
			if err := json.Unmarshal(data, &snap); err == nil {
				return snap, nil
			}
		}
	}
	snap, err := s.repo.LatestFactionSnapshot(ctx)
	if errors.Is(err, territory.ErrNotFound) {
		return snap, err
	}
	if err != nil {
		return snap, fmt.Errorf("loading faction snapshot: %w", err)
	}
	return snap, nil
}
