package territory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
)

type ClaimOpts struct {
	AreaM2  float64
	Faction citylord.Faction
	// Score is credited to the new owner and remembered on the tile so a
	// later loss can debit a share of it.
	Score float64
	// ExpectedOwner, when set, makes the claim conditional on the tile still
	// belonging to that user ("" for neutral). A mismatch is a Superseded no-op.
	ExpectedOwner *string
}

type ClaimResult struct {
	TileID          string               `json:"tileId"`
	Outcome         citylord.TileOutcome `json:"outcome"`
	PreviousOwnerID string               `json:"previousOwnerId,omitempty"`
	Tile            citylord.Tile        `json:"tile"`
}

type DamageResult struct {
	TileID          string               `json:"tileId"`
	Outcome         citylord.TileOutcome `json:"outcome"`
	Damage          int                  `json:"damage"`
	HP              int                  `json:"hp"`
	PreviousOwnerID string               `json:"previousOwnerId,omitempty"`
	NeutralUntil    *time.Time           `json:"neutralUntil,omitempty"`
}

type DecayResult struct {
	TileID  string `json:"tileId"`
	HP      int    `json:"hp"`
	Reset   bool   `json:"reset"`
	Skipped bool   `json:"skipped"`
}

type Store struct {
	repo      Repository
	rules     citylord.Rules
	logger    *slog.Logger
	now       func() time.Time
	listeners []ChangeListener
	penalty   Penalty
}

type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithListener(l ChangeListener) Option {
	return func(s *Store) { s.listeners = append(s.listeners, l) }
}

// WithPenalty replaces the flat LossPenalty rule when debiting a previous owner.
func WithPenalty(p Penalty) Option {
	return func(s *Store) { s.penalty = p }
}

func NewStore(repo Repository, rules citylord.Rules, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{repo: repo, rules: rules, logger: logger, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe adds a listener after construction. It is not safe to call
// concurrently with mutations.
func (s *Store) Subscribe(l ChangeListener) {
	s.listeners = append(s.listeners, l)
}

func (s *Store) Rules() citylord.Rules { return s.rules }

// ClaimTile gives tileID to newOwnerID. Re-claiming an owned tile is a
// maintenance visit: it restores HP, refreshes last_maintained_at and raises
// the level once per day.
func (s *Store) ClaimTile(ctx context.Context, tileID, newOwnerID string, opts ClaimOpts) (ClaimResult, error) {
	var (
		res    ClaimResult
		change *citylord.OwnerChange
	)
	err := s.repo.WithTileLock(ctx, tileID, func(ctx context.Context, tx Tx) error {
		t, err := s.load(ctx, tx, tileID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if t.InCooldown(now) {
			return fmt.Errorf("%w until %s", ErrTerritoryInCooldown, t.NeutralUntil.Format(time.RFC3339))
		}

		if t.OwnerID == newOwnerID {
			if t.LastMaintainedAt == nil || citylord.AttackDate(*t.LastMaintainedAt) != citylord.AttackDate(now) {
				t.Level = min(t.Level+1, s.rules.LevelCap)
			}
			t.HP = s.rules.MaxHP
			t.LastMaintainedAt = &now
			if err := tx.SaveTile(ctx, t); err != nil {
				return err
			}
			res = ClaimResult{TileID: tileID, Outcome: citylord.OutcomeAlreadyOwned, Tile: t}
			return nil
		}

		prev := t.OwnerID
		if opts.ExpectedOwner != nil && *opts.ExpectedOwner != prev {
			res = ClaimResult{TileID: tileID, Outcome: citylord.OutcomeSuperseded, PreviousOwnerID: prev, Tile: t}
			return nil
		}
		if prev != "" {
			if err := s.debitLoss(ctx, tx, prev, t.CapturedScore); err != nil {
				return err
			}
		}

		t.OwnerID = newOwnerID
		t.OwnerFaction = opts.Faction
		t.HP = s.rules.MaxHP
		t.Status = citylord.TileActive
		t.CapturedAt = &now
		t.LastMaintainedAt = &now
		t.NeutralUntil = nil
		t.Level = 1
		t.CapturedScore = opts.Score
		if opts.AreaM2 > 0 {
			t.AreaM2 = opts.AreaM2
		}
		if err := tx.SaveTile(ctx, t); err != nil {
			return err
		}

		c := citylord.OwnerChange{TileID: tileID, FromOwnerID: prev, ToOwnerID: newOwnerID, ChangedAt: now}
		if err := tx.AppendOwnerChange(ctx, c); err != nil {
			return err
		}
		if opts.Score != 0 {
			if err := tx.AddScore(ctx, newOwnerID, opts.Score); err != nil {
				return err
			}
		}
		change = &c
		res = ClaimResult{TileID: tileID, Outcome: citylord.OutcomeClaimed, PreviousOwnerID: prev, Tile: t}
		return nil
	})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claiming tile %s: %w", tileID, err)
	}
	s.notify(ctx, change)
	return res, nil
}

// DamageTile applies one attack. The attack record is written after the HP
// change so a duplicate for the same day rolls both back.
func (s *Store) DamageTile(ctx context.Context, tileID, attackerID string, areaKm2 float64) (DamageResult, error) {
	var (
		res    DamageResult
		change *citylord.OwnerChange
	)
	err := s.repo.WithTileLock(ctx, tileID, func(ctx context.Context, tx Tx) error {
		t, err := s.load(ctx, tx, tileID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if t.OwnerID == attackerID {
			return ErrCannotAttackOwnTerritory
		}
		if t.OwnerID == "" {
			return ErrTileNotOwned
		}

		dmg := s.rules.Damage(areaKm2)
		prev := t.OwnerID
		t.HP -= dmg
		res = DamageResult{TileID: tileID, Outcome: citylord.OutcomeDamaged, Damage: dmg}

		if t.HP <= 0 {
			if err := s.debitLoss(ctx, tx, prev, t.CapturedScore); err != nil {
				return err
			}
			until := now.Add(s.rules.NeutralCooldown)
			t.HP = 0
			t.OwnerID = ""
			t.OwnerFaction = citylord.FactionNone
			t.Status = citylord.TileNeutralCooldown
			t.NeutralUntil = &until
			t.CapturedScore = 0
			t.Level = 1
			res.Outcome = citylord.OutcomeNeutralized
			res.PreviousOwnerID = prev
			res.NeutralUntil = &until
		}
		res.HP = t.HP

		if err := tx.SaveTile(ctx, t); err != nil {
			return err
		}
		if res.Outcome == citylord.OutcomeNeutralized {
			c := citylord.OwnerChange{TileID: tileID, FromOwnerID: prev, ChangedAt: now}
			if err := tx.AppendOwnerChange(ctx, c); err != nil {
				return err
			}
			change = &c
		}

		err = tx.InsertAttack(ctx, citylord.AttackRecord{
			TileID:      tileID,
			AttackerID:  attackerID,
			AttackDate:  citylord.AttackDate(now),
			DamageDealt: dmg,
		})
		if errors.Is(err, ErrDuplicateAttack) {
			return ErrAlreadyAttackedToday
		}
		return err
	})
	if err != nil {
		return DamageResult{}, fmt.Errorf("attacking tile %s: %w", tileID, err)
	}
	s.notify(ctx, change)
	return res, nil
}

// ResetTile returns a tile to the default neutral state. Resetting a neutral
// tile changes nothing.
func (s *Store) ResetTile(ctx context.Context, tileID string) error {
	var change *citylord.OwnerChange
	err := s.repo.WithTileLock(ctx, tileID, func(ctx context.Context, tx Tx) error {
		t, found, err := tx.Tile(ctx)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		neutral := citylord.NeutralTile(tileID, s.rules.MaxHP)
		neutral.AreaM2 = t.AreaM2
		if t.OwnerID == "" && t.Status == neutral.Status && t.HP == neutral.HP && t.NeutralUntil == nil {
			return nil
		}
		if err := tx.SaveTile(ctx, neutral); err != nil {
			return err
		}
		if t.OwnerID == "" {
			return nil
		}
		c := citylord.OwnerChange{TileID: tileID, FromOwnerID: t.OwnerID, ChangedAt: s.now().UTC()}
		if err := tx.AppendOwnerChange(ctx, c); err != nil {
			return err
		}
		change = &c
		return nil
	})
	if err != nil {
		return fmt.Errorf("resetting tile %s: %w", tileID, err)
	}
	s.notify(ctx, change)
	return nil
}

// DecayTile takes hpLoss from an owned tile that has not been maintained
// since staleBefore. A tile that was visited in the meantime is skipped.
func (s *Store) DecayTile(ctx context.Context, tileID string, staleBefore time.Time, hpLoss int) (DecayResult, error) {
	res := DecayResult{TileID: tileID}
	var change *citylord.OwnerChange
	err := s.repo.WithTileLock(ctx, tileID, func(ctx context.Context, tx Tx) error {
		t, found, err := tx.Tile(ctx)
		if err != nil {
			return err
		}
		if !found || t.OwnerID == "" || hpLoss <= 0 ||
			(t.LastMaintainedAt != nil && !t.LastMaintainedAt.Before(staleBefore)) {
			res.Skipped = true
			res.HP = t.HP
			return nil
		}

		t.HP -= hpLoss
		if t.HP > 0 {
			res.HP = t.HP
			return tx.SaveTile(ctx, t)
		}

		neutral := citylord.NeutralTile(tileID, s.rules.MaxHP)
		neutral.AreaM2 = t.AreaM2
		if err := tx.SaveTile(ctx, neutral); err != nil {
			return err
		}
		c := citylord.OwnerChange{TileID: tileID, FromOwnerID: t.OwnerID, ChangedAt: s.now().UTC()}
		if err := tx.AppendOwnerChange(ctx, c); err != nil {
			return err
		}
		change = &c
		res.Reset = true
		res.HP = neutral.HP
		return nil
	})
	if err != nil {
		return DecayResult{}, fmt.Errorf("decaying tile %s: %w", tileID, err)
	}
	s.notify(ctx, change)
	return res, nil
}

// GetTile returns the stored tile, or the default neutral tile when it has
// never been written.
func (s *Store) GetTile(ctx context.Context, tileID string) (citylord.Tile, error) {
	t, err := s.repo.GetTile(ctx, tileID)
	if errors.Is(err, ErrNotFound) {
		return citylord.NeutralTile(tileID, s.rules.MaxHP), nil
	}
	return t, err
}

// ListTiles returns only tiles that have been written.
func (s *Store) ListTiles(ctx context.Context, tileIDs []string) ([]citylord.Tile, error) {
	if len(tileIDs) == 0 {
		return nil, nil
	}
	return s.repo.ListTiles(ctx, tileIDs)
}

func (s *Store) ListOwnedBy(ctx context.Context, userID string) ([]citylord.Tile, error) {
	return s.repo.ListOwnedBy(ctx, userID)
}

func (s *Store) UserScore(ctx context.Context, userID string) (float64, error) {
	return s.repo.UserScore(ctx, userID)
}

func (s *Store) load(ctx context.Context, tx Tx, tileID string) (citylord.Tile, error) {
	t, found, err := tx.Tile(ctx)
	if err != nil {
		return citylord.Tile{}, err
	}
	if !found {
		return citylord.NeutralTile(tileID, s.rules.MaxHP), nil
	}
	return t, nil
}

func (s *Store) debitLoss(ctx context.Context, tx Tx, ownerID string, gained float64) error {
	loss := s.rules.LossFor(gained)
	if s.penalty != nil {
		loss = s.penalty.LossPenalty(gained)
	}
	if loss == 0 {
		return nil
	}
	return tx.AddScore(ctx, ownerID, -loss)
}

func (s *Store) notify(ctx context.Context, c *citylord.OwnerChange) {
	if c == nil {
		return
	}
	s.logger.Debug("owner changed", "tile", c.TileID, "from", c.FromOwnerID, "to", c.ToOwnerID)
	for _, l := range s.listeners {
		l.OwnerChanged(ctx, *c)
	}
}
