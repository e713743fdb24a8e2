// Package gormdb is the territory repository for Postgres and MySQL. Unlike
// SQLite these engines have row locks, so WithTileLock is a plain
// SELECT ... FOR UPDATE inside a gorm transaction.
package gormdb

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/territory"
)

var ErrUnsupportedDriver = errors.New("unsupported store driver")

// maxInParams bounds each IN list well below the Postgres and MySQL
// placeholder limits.
const maxInParams = 1000

type Repository struct {
	db    *gorm.DB
	maxHP int
}

type Option func(*Repository)

// WithMaxHP sets the HP of the neutral row WithTileLock creates for an unseen
// tile. It should match the engine rules.
func WithMaxHP(hp int) Option {
	return func(r *Repository) { r.maxHP = hp }
}

func newRepository(db *gorm.DB, opts ...Option) *Repository {
	r := &Repository{db: db, maxHP: citylord.DefaultRules().MaxHP}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func inBatches(ids []string) iter.Seq[[]string] {
	return slices.Chunk(slices.Compact(slices.Sorted(slices.Values(ids))), maxInParams)
}

func dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
}

// ConnectWithRetry opens the database, retrying while it comes up, and
// migrates the schema.
func ConnectWithRetry(ctx context.Context, log *slog.Logger, driver, dsn string, attempts int, delay time.Duration, opts ...Option) (*Repository, error) {
	d, err := dialector(driver, dsn)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		db, err := gorm.Open(d, &gorm.Config{
			TranslateError: true,
			Logger:         logger.Default.LogMode(logger.Silent),
		})
		if err == nil {
			if err := bootstrap(ctx, db); err != nil {
				return nil, err
			}
			return newRepository(db, opts...), nil
		}

		lastErr = err
		log.Warn("database not ready", "driver", driver, "attempt", i, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("db connect failed after %d attempts: %w", attempts, lastErr)
}

func bootstrap(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(
		&tileModel{},
		&ownerChangeModel{},
		&attackRecordModel{},
		&runModel{},
		&userScoreModel{},
		&factionSnapshotModel{},
	)
}

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// placeholder is the row stored for a tile that has never been written: a
// neutral active tile at full HP.
func (r *Repository) placeholder(tileID string) tileModel {
	return fromTile(citylord.NeutralTile(tileID, r.maxHP))
}

// WithTileLock inserts a neutral row if the tile is new, so that two
// first-time writers still contend on a real row lock.
func (r *Repository) WithTileLock(ctx context.Context, tileID string, fn func(ctx context.Context, tx territory.Tx) error) error {
	return r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		placeholder := r.placeholder(tileID)
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&placeholder).Error; err != nil {
			return fmt.Errorf("ensuring tile row: %w", err)
		}

		var locked tileModel
		err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", tileID).
			Take(&locked).Error
		if err != nil {
			return fmt.Errorf("locking tile: %w", err)
		}
		return fn(ctx, &tx{db: db, row: locked})
	})
}

type tx struct {
	db  *gorm.DB
	row tileModel
}

func (t *tx) Tile(context.Context) (citylord.Tile, bool, error) {
	return t.row.tile(), true, nil
}

func (t *tx) SaveTile(ctx context.Context, tile citylord.Tile) error {
	m := fromTile(tile)
	if err := t.db.WithContext(ctx).Save(&m).Error; err != nil {
		return fmt.Errorf("saving tile: %w", err)
	}
	t.row = m
	return nil
}

func (t *tx) AppendOwnerChange(ctx context.Context, c citylord.OwnerChange) error {
	m := ownerChangeModel{
		TileID:      c.TileID,
		FromOwnerID: optional(c.FromOwnerID),
		ToOwnerID:   optional(c.ToOwnerID),
		ChangedAt:   c.ChangedAt.UTC(),
	}
	if err := t.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("appending owner change: %w", err)
	}
	return nil
}

func (t *tx) InsertAttack(ctx context.Context, a citylord.AttackRecord) error {
	err := t.db.WithContext(ctx).Create(&attackRecordModel{
		TileID:      a.TileID,
		AttackerID:  a.AttackerID,
		AttackDate:  a.AttackDate,
		DamageDealt: a.DamageDealt,
	}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return territory.ErrDuplicateAttack
	}
	if err != nil {
		return fmt.Errorf("recording attack: %w", err)
	}
	return nil
}

func (t *tx) AddScore(ctx context.Context, userID string, delta float64) error {
	now := time.Now().UTC()
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"score":      gorm.Expr("user_scores.score + ?", delta),
			"updated_at": now,
		}),
	}).Create(&userScoreModel{UserID: userID, Score: delta, UpdatedAt: now}).Error
	if err != nil {
		return fmt.Errorf("updating score: %w", err)
	}
	return nil
}

func (r *Repository) GetTile(ctx context.Context, tileID string) (citylord.Tile, error) {
	var m tileModel
	err := r.db.WithContext(ctx).Where("id = ?", tileID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return citylord.Tile{}, territory.ErrNotFound
	}
	if err != nil {
		return citylord.Tile{}, err
	}
	return m.tile(), nil
}

func (r *Repository) ListTiles(ctx context.Context, tileIDs []string) ([]citylord.Tile, error) {
	var ms []tileModel
	for batch := range inBatches(tileIDs) {
		var part []tileModel
		if err := r.db.WithContext(ctx).Where("id IN ?", batch).Find(&part).Error; err != nil {
			return nil, err
		}
		ms = append(ms, part...)
	}
	slices.SortFunc(ms, func(a, b tileModel) int { return cmp.Compare(a.ID, b.ID) })
	return tiles(ms), nil
}

func (r *Repository) ListOwnedBy(ctx context.Context, userID string) ([]citylord.Tile, error) {
	var ms []tileModel
	if err := r.db.WithContext(ctx).Where("owner_id = ?", userID).Order("id").Find(&ms).Error; err != nil {
		return nil, err
	}
	return tiles(ms), nil
}

func (r *Repository) UserScore(ctx context.Context, userID string) (float64, error) {
	var m userScoreModel
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return m.Score, err
}
