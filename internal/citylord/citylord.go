// Package citylord defines the core domain types shared by the territory engine.
// It has no external dependencies.
package citylord

import (
	"math"
	"time"
)

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Ring is an ordered, closed polygon boundary (first point == last point).
type Ring []LatLng

// Closed reports whether the ring has at least four points and ends where it starts.
func (r Ring) Closed() bool {
	return len(r) >= 4 && r[0] == r[len(r)-1]
}

type TrackPoint struct {
	Lat         float64  `json:"lat"`
	Lng         float64  `json:"lng"`
	TimestampMs int64    `json:"timestamp"`
	HeartRate   *int     `json:"heartRate,omitempty"`
	Speed       *float64 `json:"speed,omitempty"`
}

func (p TrackPoint) LatLng() LatLng {
	return LatLng{Lat: p.Lat, Lng: p.Lng}
}

type Faction string

const (
	FactionNone Faction = ""
	FactionRed  Faction = "red"
	FactionBlue Faction = "blue"
)

func (f Faction) Valid() bool {
	return f == FactionNone || f == FactionRed || f == FactionBlue
}

type RunSubmission struct {
	IdempotencyKey  string
	UserID          string
	Points          []TrackPoint
	DistanceMeters  float64
	DurationSeconds int
	TotalSteps      int
	Timestamp       time.Time
	SourceApp       string
	Faction         Faction
}

type TileStatus string

const (
	TileActive          TileStatus = "active"
	TileNeutralCooldown TileStatus = "neutral_cooldown"
)

type Tile struct {
	ID               string     `json:"tileId"`
	OwnerID          string     `json:"ownerId,omitempty"`
	OwnerFaction     Faction    `json:"ownerFaction,omitempty"`
	HP               int        `json:"hp"`
	Status           TileStatus `json:"status"`
	CapturedAt       *time.Time `json:"capturedAt,omitempty"`
	LastMaintainedAt *time.Time `json:"lastMaintainedAt,omitempty"`
	NeutralUntil     *time.Time `json:"neutralUntil,omitempty"`
	Level            int        `json:"level"`
	AreaM2           float64    `json:"areaM2"`
	CapturedScore    float64    `json:"capturedScore"`
}

// NeutralTile is the default state of a tile nobody owns: full HP, active,
// claimable.
func NeutralTile(id string, maxHP int) Tile {
	return Tile{ID: id, HP: maxHP, Status: TileActive, Level: 1}
}

// InCooldown reports whether the tile is still unclaimable at now.
func (t Tile) InCooldown(now time.Time) bool {
	return t.Status == TileNeutralCooldown && t.NeutralUntil != nil && now.Before(*t.NeutralUntil)
}

type OwnerChange struct {
	TileID      string    `json:"tileId"`
	FromOwnerID string    `json:"fromOwnerId,omitempty"`
	ToOwnerID   string    `json:"toOwnerId,omitempty"`
	ChangedAt   time.Time `json:"changedAt"`
}

type AttackRecord struct {
	TileID      string `json:"tileId"`
	AttackerID  string `json:"attackerId"`
	AttackDate  string `json:"attackDate"`
	DamageDealt int    `json:"damageDealt"`
}

// AttackDate returns the UTC calendar day used for the one-attack-per-day rule.
func AttackDate(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

type FactionSnapshot struct {
	RedArea   float64   `json:"redArea"`
	BlueArea  float64   `json:"blueArea"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Run struct {
	ID               string
	ActivityID       string
	UserID           string
	IdempotencyKey   string
	DistanceMeters   float64
	DurationSeconds  int
	AreaM2           float64
	TerritoryCreated bool
	Polygon          Ring
	Result           []byte
	CreatedAt        time.Time
}

type TileOutcome string

const (
	OutcomeClaimed                 TileOutcome = "Claimed"
	OutcomeAlreadyOwned            TileOutcome = "AlreadyOwned"
	OutcomeDamaged                 TileOutcome = "Damaged"
	OutcomeNeutralized             TileOutcome = "Neutralized"
	OutcomeRejectedCooldown        TileOutcome = "RejectedCooldown"
	OutcomeRejectedAlreadyAttacked TileOutcome = "RejectedAlreadyAttacked"
	OutcomeRejectedOwnTerritory    TileOutcome = "RejectedOwnTerritory"
	OutcomeSuperseded              TileOutcome = "Superseded"
	OutcomeFailed                  TileOutcome = "Failed"
)

// Rules is the single configuration surface for every gameplay tunable.
type Rules struct {
	MaxHP             int
	DamagePerKm2      float64
	MinDamage         int
	MaxDamage         int
	NeutralCooldown   time.Duration
	LevelCap          int
	HotZoneWindow     time.Duration
	HotZoneThreshold  int
	HotZoneCacheTTL   time.Duration
	HotZoneMultiplier float64
	LossPenalty       float64
	PointsPerTile     float64

	SpeedLimitKmh      float64
	MinPaceSecPerKm    float64
	PaceCheckMinMeters float64
	LoopCloseMeters    float64
	MinLoopPoints      int
	MinTerritoryAreaM2 float64

	DecayAfter    time.Duration
	DecayHPPerDay int
}

func DefaultRules() Rules {
	return Rules{
		MaxHP:             100,
		DamagePerKm2:      500,
		MinDamage:         10,
		MaxDamage:         50,
		NeutralCooldown:   60 * time.Minute,
		LevelCap:          5,
		HotZoneWindow:     7 * 24 * time.Hour,
		HotZoneThreshold:  2,
		HotZoneCacheTTL:   5 * time.Minute,
		HotZoneMultiplier: 0.5,
		LossPenalty:       0.5,
		PointsPerTile:     10,

		SpeedLimitKmh:      45,
		MinPaceSecPerKm:    120,
		PaceCheckMinMeters: 1000,
		LoopCloseMeters:    50,
		MinLoopPoints:      10,
		MinTerritoryAreaM2: 1000,

		DecayAfter:    7 * 24 * time.Hour,
		DecayHPPerDay: 10,
	}
}

// Damage converts an attacking loop's area into HP damage.
func (r Rules) Damage(areaKm2 float64) int {
	d := int(math.Round(areaKm2 * r.DamagePerKm2))
	return max(r.MinDamage, min(r.MaxDamage, d))
}

// LossFor is what losing a tile costs its owner, given what capturing it earned.
func (r Rules) LossFor(gained float64) float64 {
	return gained * r.LossPenalty
}
