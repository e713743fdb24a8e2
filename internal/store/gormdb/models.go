package gormdb

import (
	"time"

	"gorm.io/datatypes"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
)

// tileModel rows for tiles that were never captured are inserted by
// WithTileLock as neutral active tiles at full HP.
type tileModel struct {
	ID               string  `gorm:"primaryKey;size:64"`
	OwnerID          *string `gorm:"size:64;index"`
	OwnerFaction     string  `gorm:"size:16;not null"`
	HP               int     `gorm:"not null"`
	Status           string  `gorm:"size:24;not null;index"`
	CapturedAt       *time.Time
	LastMaintainedAt *time.Time `gorm:"index"`
	NeutralUntil     *time.Time
	Level            int     `gorm:"not null"`
	AreaM2           float64 `gorm:"not null"`
	CapturedScore    float64 `gorm:"not null"`
}

func (tileModel) TableName() string { return "tiles" }

type ownerChangeModel struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	TileID      string    `gorm:"size:64;not null;index:idx_owner_changes_tile_time,priority:1"`
	FromOwnerID *string   `gorm:"size:64"`
	ToOwnerID   *string   `gorm:"size:64"`
	ChangedAt   time.Time `gorm:"not null;index:idx_owner_changes_tile_time,priority:2"`
}

func (ownerChangeModel) TableName() string { return "owner_changes" }

type attackRecordModel struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	TileID      string    `gorm:"size:64;not null;uniqueIndex:uk_attack_tile_attacker_day,priority:1"`
	AttackerID  string    `gorm:"size:64;not null;uniqueIndex:uk_attack_tile_attacker_day,priority:2"`
	AttackDate  string    `gorm:"size:10;not null;uniqueIndex:uk_attack_tile_attacker_day,priority:3"`
	DamageDealt int       `gorm:"not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (attackRecordModel) TableName() string { return "attack_records" }

type runModel struct {
	ID               string  `gorm:"primaryKey;size:36"`
	ActivityID       string  `gorm:"size:36;not null"`
	UserID           string  `gorm:"size:64;not null;uniqueIndex:uk_runs_user_key,priority:1"`
	IdempotencyKey   string  `gorm:"size:128;not null;uniqueIndex:uk_runs_user_key,priority:2"`
	DistanceMeters   float64 `gorm:"not null"`
	DurationSeconds  int     `gorm:"not null"`
	AreaM2           float64 `gorm:"not null"`
	TerritoryCreated bool    `gorm:"not null"`
	Polygon          datatypes.JSON
	Result           datatypes.JSON `gorm:"not null"`
	CreatedAt        time.Time      `gorm:"not null"`
}

func (runModel) TableName() string { return "runs" }

type userScoreModel struct {
	UserID    string    `gorm:"primaryKey;size:64"`
	Score     float64   `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (userScoreModel) TableName() string { return "user_scores" }

type factionSnapshotModel struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	RedArea   float64   `gorm:"not null"`
	BlueArea  float64   `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (factionSnapshotModel) TableName() string { return "faction_snapshots" }

func (m tileModel) tile() citylord.Tile {
	t := citylord.Tile{
		ID:               m.ID,
		OwnerFaction:     citylord.Faction(m.OwnerFaction),
		HP:               m.HP,
		Status:           citylord.TileStatus(m.Status),
		CapturedAt:       utc(m.CapturedAt),
		LastMaintainedAt: utc(m.LastMaintainedAt),
		NeutralUntil:     utc(m.NeutralUntil),
		Level:            m.Level,
		AreaM2:           m.AreaM2,
		CapturedScore:    m.CapturedScore,
	}
	if m.OwnerID != nil {
		t.OwnerID = *m.OwnerID
	}
	return t
}

func fromTile(t citylord.Tile) tileModel {
	return tileModel{
		ID:               t.ID,
		OwnerID:          optional(t.OwnerID),
		OwnerFaction:     string(t.OwnerFaction),
		HP:               t.HP,
		Status:           string(t.Status),
		CapturedAt:       t.CapturedAt,
		LastMaintainedAt: t.LastMaintainedAt,
		NeutralUntil:     t.NeutralUntil,
		Level:            t.Level,
		AreaM2:           t.AreaM2,
		CapturedScore:    t.CapturedScore,
	}
}

func tiles(models []tileModel) []citylord.Tile {
	out := make([]citylord.Tile, 0, len(models))
	for _, m := range models {
		out = append(out, m.tile())
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
