// Package settlement turns an uploaded run into tile mutations. Each tile is
// settled in its own transaction; the run row, carrying the final result, is
// written last so that a retry with the same idempotency key replays it.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/geo"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/hotzone"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/ingest"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/territory"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/tile"
)

var (
	ErrRateLimited           = errors.New("submission quota exceeded")
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
)

const WarnTimeout = "timeout"

// RunStore persists run history. It doubles as the idempotency record.
type RunStore interface {
	FindRun(ctx context.Context, userID, key string) (citylord.Run, error)
	InsertRun(ctx context.Context, run citylord.Run) error
}

type HotZones interface {
	BatchCheck(ctx context.Context, tileIDs []string) (map[string]hotzone.Status, error)
	CaptureMultiplier(hot bool) float64
}

// Limiter counts submissions per user. *cache.Cache implements it.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type Config struct {
	// Concurrency bounds the tile transactions in flight for one run.
	Concurrency int
	// SubmissionsPerHour is the per-user quota. Zero disables it.
	SubmissionsPerHour int
	// Timeout bounds the tile phase. Zero means the caller's deadline only.
	Timeout time.Duration
	// WriteTimeout bounds the final run insert, which ignores the caller's
	// cancellation.
	WriteTimeout time.Duration
}

type Outcome struct {
	TileID  string               `json:"tileId"`
	Outcome citylord.TileOutcome `json:"outcome"`
	Damage  int                  `json:"damage,omitempty"`
	HP      *int                 `json:"hp,omitempty"`
	HotZone bool                 `json:"hotZone,omitempty"`
}

type Result struct {
	Success          bool      `json:"success"`
	ActivityID       string    `json:"activityId"`
	RunID            string    `json:"runId"`
	TerritoryCreated bool      `json:"territoryCreated"`
	AreaDeltaM2      float64   `json:"areaDeltaM2"`
	ScoreDelta       float64   `json:"scoreDelta"`
	DistanceMeters   float64   `json:"distanceMeters"`
	Outcomes         []Outcome `json:"outcomes"`
	Warnings         []string  `json:"warnings"`
	Replayed         bool      `json:"replayed"`
}

type AttackRequest struct {
	AttackerID         string  `json:"attackerId"`
	TileID             string  `json:"tileId"`
	CityID             string  `json:"cityId"`
	IntersectionAreaM2 float64 `json:"intersectionAreaM2"`
}

type Service struct {
	pipeline *ingest.Pipeline
	index    *tile.Index
	store    *territory.Store
	runs     RunStore
	hot      HotZones
	limiter  Limiter
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New builds the orchestrator. limiter may be nil to disable the quota.
func New(pipeline *ingest.Pipeline, index *tile.Index, store *territory.Store, runs RunStore,
	hot HotZones, limiter Limiter, cfg Config, logger *slog.Logger) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Service{
		pipeline: pipeline,
		index:    index,
		store:    store,
		runs:     runs,
		hot:      hot,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces time.Now for run timestamps.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SettleRun validates sub and applies it to the map. Per-tile failures are
// reported as outcomes, never as the returned error.
func (s *Service) SettleRun(ctx context.Context, userID string, sub citylord.RunSubmission, key string) (Result, error) {
	if key == "" {
		return Result{}, ErrMissingIdempotencyKey
	}
	sub.UserID = userID
	sub.IdempotencyKey = key

	if res, ok, err := s.replay(ctx, userID, key); err != nil || ok {
		return res, err
	}

	if s.limiter != nil && s.cfg.SubmissionsPerHour > 0 {
		ok, err := s.limiter.Allow(ctx, "quota:runs:"+userID, s.cfg.SubmissionsPerHour, time.Hour)
		if err != nil {
			s.logger.Warn("submission quota unavailable, allowing", "user", userID, "error", err)
		} else if !ok {
			return Result{}, ErrRateLimited
		}
	}

	start := time.Now()
	res := Result{
		Success:    true,
		ActivityID: uuid.NewString(),
		RunID:      uuid.NewString(),
		Outcomes:   []Outcome{},
		Warnings:   []string{},
	}

	ing, err := s.pipeline.Ingest(sub)
	switch {
	case errors.Is(err, geo.ErrImplausibleMotion), errors.Is(err, tile.ErrPolygonTooLarge):
		// Kept as a plain activity: distance counts, the map does not change.
		res.Warnings = append(res.Warnings, ing.Warnings...)
		res.Warnings = append(res.Warnings, err.Error())
		res.DistanceMeters = ing.DistanceMeters
		ing.Polygon = nil
	case err != nil:
		return Result{}, err
	default:
		res.Warnings = append(res.Warnings, ing.Warnings...)
		res.DistanceMeters = ing.DistanceMeters
	}

	if ing.Polygon != nil {
		complete, err := s.settleTiles(ctx, userID, sub.Faction, ing, &res)
		if err != nil {
			return Result{}, err
		}
		if !complete {
			// Left unrecorded so a retry with the same key settles the rest.
			res.Success = false
			s.logger.Warn("run settlement timed out",
				"user", userID,
				"run", res.RunID,
				"tiles", len(res.Outcomes),
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return res, nil
		}
	}

	run := citylord.Run{
		ID:               res.RunID,
		ActivityID:       res.ActivityID,
		UserID:           userID,
		IdempotencyKey:   key,
		DistanceMeters:   res.DistanceMeters,
		DurationSeconds:  sub.DurationSeconds,
		AreaM2:           ing.AreaM2,
		TerritoryCreated: res.TerritoryCreated,
		Polygon:          ing.Polygon,
		CreatedAt:        s.now().UTC(),
	}
	if run.Result, err = json.Marshal(res); err != nil {
		return Result{}, fmt.Errorf("encoding result: %w", err)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.runs.InsertRun(wctx, run); err != nil {
		if errors.Is(err, territory.ErrDuplicateRun) {
			// A concurrent submission with the same key won the insert.
			if prior, ok, rerr := s.replay(wctx, userID, key); rerr == nil && ok {
				return prior, nil
			}
		}
		return Result{}, fmt.Errorf("recording run: %w", err)
	}

	s.logger.Info("run settled",
		"user", userID,
		"run", res.RunID,
		"tiles", len(res.Outcomes),
		"territory_created", res.TerritoryCreated,
		"score_delta", res.ScoreDelta,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (s *Service) replay(ctx context.Context, userID, key string) (Result, bool, error) {
	run, err := s.runs.FindRun(ctx, userID, key)
	if errors.Is(err, territory.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("checking idempotency: %w", err)
	}
	var res Result
	if err := json.Unmarshal(run.Result, &res); err != nil {
		return Result{}, false, fmt.Errorf("decoding stored result: %w", err)
	}
	res.Replayed = true
	return res, true, nil
}

type job struct {
	tileID   string
	attack   bool
	expected string
}

// settleTiles reports false when the deadline cut it short.
func (s *Service) settleTiles(ctx context.Context, userID string, faction citylord.Faction, ing ingest.Result, res *Result) (bool, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	inLoop := make(map[string]bool, len(ing.Tiles))
	for _, id := range ing.Tiles {
		inLoop[id] = true
	}
	var path []string
	for _, id := range s.index.PathTiles(ing.Points) {
		if !inLoop[id] {
			path = append(path, id)
		}
	}

	known, err := s.store.ListTiles(ctx, slices.Concat(ing.Tiles, path))
	if err != nil {
		if ctx.Err() != nil {
			res.Warnings = append(res.Warnings, WarnTimeout)
			return false, nil
		}
		return false, fmt.Errorf("reading tiles: %w", err)
	}
	owners := make(map[string]string, len(known))
	for _, t := range known {
		owners[t.ID] = t.OwnerID
	}

	jobs := make([]job, 0, len(ing.Tiles)+len(path))
	for _, id := range ing.Tiles {
		jobs = append(jobs, job{tileID: id, expected: owners[id]})
	}
	for _, id := range path {
		if owner := owners[id]; owner != "" && owner != userID {
			jobs = append(jobs, job{tileID: id, attack: true})
		}
	}

	hot, err := s.hot.BatchCheck(ctx, ing.Tiles)
	if err != nil {
		s.logger.Warn("hot zone lookup failed, scoring as normal", "user", userID, "error", err)
		res.Warnings = append(res.Warnings, "hot zone status unavailable")
		hot = nil
	}

	rules := s.store.Rules()
	tileArea := s.index.Grid().TileArea()
	areaKm2 := ing.AreaM2 / 1e6

	outcomes := make([]*Outcome, len(jobs))
	scores := make([]float64, len(jobs))
	failed := make([]error, len(jobs))

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if j.attack {
				r, err := s.store.DamageTile(ctx, j.tileID, userID, areaKm2)
				if err != nil {
					outcomes[i], failed[i] = errorOutcome(ctx, j.tileID, err)
					return nil
				}
				outcomes[i] = &Outcome{TileID: j.tileID, Outcome: r.Outcome, Damage: r.Damage, HP: &r.HP}
				return nil
			}

			isHot := hot[j.tileID].IsHotZone
			score := rules.PointsPerTile * s.hot.CaptureMultiplier(isHot)
			expected := j.expected
			r, err := s.store.ClaimTile(ctx, j.tileID, userID, territory.ClaimOpts{
				AreaM2:        tileArea,
				Faction:       faction,
				Score:         score,
				ExpectedOwner: &expected,
			})
			if err != nil {
				outcomes[i], failed[i] = errorOutcome(ctx, j.tileID, err)
				return nil
			}
			outcomes[i] = &Outcome{TileID: j.tileID, Outcome: r.Outcome, HotZone: isHot}
			if r.Outcome == citylord.OutcomeClaimed {
				scores[i] = score
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, o := range outcomes {
		if o == nil {
			continue
		}
		res.Outcomes = append(res.Outcomes, *o)
		if failed[i] != nil {
			s.logger.Warn("tile settlement failed", "user", userID, "tile", o.TileID, "error", failed[i])
			res.Warnings = append(res.Warnings, fmt.Sprintf("tile %s: settlement failed", o.TileID))
		}
		if o.Outcome == citylord.OutcomeClaimed {
			res.TerritoryCreated = true
			res.AreaDeltaM2 += tileArea
			res.ScoreDelta += scores[i]
		}
	}
	if ctx.Err() != nil {
		res.Warnings = append(res.Warnings, WarnTimeout)
		return false, nil
	}
	return true, nil
}

// errorOutcome maps a store error to the outcome reported for the tile. Tiles
// cut off by the deadline get no outcome at all.
func errorOutcome(ctx context.Context, tileID string, err error) (*Outcome, error) {
	var o citylord.TileOutcome
	switch {
	case errors.Is(err, territory.ErrTerritoryInCooldown):
		o = citylord.OutcomeRejectedCooldown
	case errors.Is(err, territory.ErrAlreadyAttackedToday):
		o = citylord.OutcomeRejectedAlreadyAttacked
	case errors.Is(err, territory.ErrCannotAttackOwnTerritory):
		o = citylord.OutcomeRejectedOwnTerritory
	case errors.Is(err, territory.ErrTileNotOwned):
		// Neutralised by someone else since the pre-read.
		o = citylord.OutcomeSuperseded
	case ctx.Err() != nil:
		return nil, nil
	default:
		return &Outcome{TileID: tileID, Outcome: citylord.OutcomeFailed}, err
	}
	return &Outcome{TileID: tileID, Outcome: o}, nil
}

// AttackTerritory applies a single attack outside of a run.
func (s *Service) AttackTerritory(ctx context.Context, req AttackRequest) (territory.DamageResult, error) {
	if req.AttackerID == "" || req.TileID == "" {
		return territory.DamageResult{}, fmt.Errorf("%w: attackerId and tileId are required", ingest.ErrInvalidSchema)
	}
	if _, err := s.index.TileToBoundary(req.TileID); err != nil {
		return territory.DamageResult{}, fmt.Errorf("%w: %w", ingest.ErrInvalidSchema, err)
	}
	res, err := s.store.DamageTile(ctx, req.TileID, req.AttackerID, req.IntersectionAreaM2/1e6)
	if err != nil {
		return territory.DamageResult{}, err
	}
	s.logger.Info("tile attacked",
		"attacker", req.AttackerID,
		"tile", req.TileID,
		"city", req.CityID,
		"damage", res.Damage,
		"outcome", res.Outcome,
	)
	return res, nil
}
