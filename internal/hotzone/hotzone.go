// Package hotzone decides which tiles are contested. A tile is hot when its
// owner changed often enough inside the rolling window. Counts are cached and
// invalidated whenever the tile changes hands.
package hotzone

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
)

const keyPrefix = "hotzone:"

// Cache is the subset of the shared cache the scorer needs.
type Cache interface {
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// ChangeCounter is the durable source of truth.
type ChangeCounter interface {
	CountOwnerChanges(ctx context.Context, tileIDs []string, since time.Time) (map[string]int, error)
}

type Status struct {
	IsHotZone   bool `json:"isHotZone"`
	ChangeCount int  `json:"changeCount"`
}

type Scorer struct {
	cache  Cache
	counts ChangeCounter
	rules  citylord.Rules
	logger *slog.Logger
	now    func() time.Time
}

// New builds a scorer. cache may be nil, in which case every lookup counts
// from the store.
func New(cache Cache, counts ChangeCounter, rules citylord.Rules, logger *slog.Logger) *Scorer {
	return &Scorer{cache: cache, counts: counts, rules: rules, logger: logger, now: time.Now}
}

// SetClock replaces time.Now for window calculations.
func (s *Scorer) SetClock(now func() time.Time) { s.now = now }

func (s *Scorer) IsHotZone(ctx context.Context, tileID string) (Status, error) {
	m, err := s.BatchCheck(ctx, []string{tileID})
	if err != nil {
		return Status{}, err
	}
	return m[tileID], nil
}

// BatchCheck costs at most one cache read, one grouped count query and one
// pipelined cache write, whatever the number of tiles.
func (s *Scorer) BatchCheck(ctx context.Context, tileIDs []string) (map[string]Status, error) {
	ids := dedupe(tileIDs)
	out := make(map[string]Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	misses := ids
	if s.cache != nil {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = keyPrefix + id
		}
		vals, err := s.cache.MGet(ctx, keys)
		if err != nil {
			s.logger.Warn("hot zone cache read failed, counting from store", "tiles", len(ids), "error", err)
		} else {
			misses = nil
			for i, v := range vals {
				n, err := strconv.Atoi(string(v))
				if v == nil || err != nil {
					misses = append(misses, ids[i])
					continue
				}
				out[ids[i]] = s.status(n)
			}
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	since := s.now().Add(-s.rules.HotZoneWindow)
	counts, err := s.counts.CountOwnerChanges(ctx, misses, since)
	if err != nil {
		return nil, err
	}

	backfill := make(map[string][]byte, len(misses))
	for _, id := range misses {
		n := counts[id]
		out[id] = s.status(n)
		backfill[keyPrefix+id] = []byte(strconv.Itoa(n))
	}
	if s.cache != nil {
		if err := s.cache.SetMany(ctx, backfill, s.rules.HotZoneCacheTTL); err != nil {
			s.logger.Warn("hot zone cache backfill failed", "tiles", len(backfill), "error", err)
		}
	}
	return out, nil
}

// Invalidate drops the cached count for a tile.
func (s *Scorer) Invalidate(ctx context.Context, tileID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Del(ctx, keyPrefix+tileID)
}

// OwnerChanged invalidates the tile as soon as its owner-change entry commits.
func (s *Scorer) OwnerChanged(ctx context.Context, c citylord.OwnerChange) {
	if err := s.Invalidate(ctx, c.TileID); err != nil {
		s.logger.Warn("hot zone invalidation failed", "tile", c.TileID, "error", err)
	}
}

// CaptureMultiplier scales the score for capturing a tile. Hot tiles are worth
// less.
func (s *Scorer) CaptureMultiplier(hot bool) float64 {
	if hot {
		return s.rules.HotZoneMultiplier
	}
	return 1
}

// LossPenalty is what the previous owner loses, whatever the tile's status.
func (s *Scorer) LossPenalty(gained float64) float64 {
	return s.rules.LossFor(gained)
}

func (s *Scorer) status(n int) Status {
	return Status{IsHotZone: n >= s.rules.HotZoneThreshold, ChangeCount: n}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
