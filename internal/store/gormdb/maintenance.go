package gormdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/territory"
)

func (r *Repository) CountOwnerChanges(ctx context.Context, tileIDs []string, since time.Time) (map[string]int, error) {
	counts := make(map[string]int, len(tileIDs))
	if len(tileIDs) == 0 {
		return counts, nil
	}
	for batch := range inBatches(tileIDs) {
		var rows []struct {
			TileID string
			N      int
		}
		err := r.db.WithContext(ctx).Model(&ownerChangeModel{}).
			Select("tile_id, COUNT(*) AS n").
			Where("changed_at >= ? AND tile_id IN ?", since.UTC(), batch).
			Group("tile_id").
			Scan(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("counting owner changes: %w", err)
		}
		for _, row := range rows {
			counts[row.TileID] = row.N
		}
	}
	return counts, nil
}

// PruneOwnerChanges runs in two statements because MySQL cannot delete from
// a table it is also selecting from.
func (r *Repository) PruneOwnerChanges(ctx context.Context, before time.Time, hotThreshold int) (int64, error) {
	db := r.db.WithContext(ctx)
	var hot []string
	err := db.Model(&ownerChangeModel{}).
		Where("changed_at >= ?", before.UTC()).
		Group("tile_id").
		Having("COUNT(*) >= ?", hotThreshold).
		Pluck("tile_id", &hot).Error
	if err != nil {
		return 0, fmt.Errorf("finding hot tiles: %w", err)
	}

	q := db.Where("changed_at < ?", before.UTC())
	if len(hot) > 0 {
		q = q.Where("tile_id NOT IN ?", hot)
	}
	res := q.Delete(&ownerChangeModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning owner changes: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *Repository) FactionAreas(ctx context.Context) (citylord.FactionSnapshot, error) {
	var rows []struct {
		OwnerFaction string
		Area         float64
	}
	err := r.db.WithContext(ctx).Model(&tileModel{}).
		Select("owner_faction, COALESCE(SUM(area_m2), 0) AS area").
		Where("owner_id IS NOT NULL AND owner_faction <> ''").
		Group("owner_faction").
		Scan(&rows).Error
	if err != nil {
		return citylord.FactionSnapshot{}, fmt.Errorf("summing faction areas: %w", err)
	}

	var snap citylord.FactionSnapshot
	for _, row := range rows {
		switch citylord.Faction(row.OwnerFaction) {
		case citylord.FactionRed:
			snap.RedArea = row.Area
		case citylord.FactionBlue:
			snap.BlueArea = row.Area
		}
	}
	return snap, nil
}

func (r *Repository) SaveFactionSnapshot(ctx context.Context, snap citylord.FactionSnapshot) error {
	m := factionSnapshotModel{RedArea: snap.RedArea, BlueArea: snap.BlueArea, UpdatedAt: snap.UpdatedAt.UTC()}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("saving faction snapshot: %w", err)
	}
	return nil
}

func (r *Repository) LatestFactionSnapshot(ctx context.Context) (citylord.FactionSnapshot, error) {
	var m factionSnapshotModel
	err := r.db.WithContext(ctx).Order("id DESC").Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return citylord.FactionSnapshot{}, territory.ErrNotFound
	}
	if err != nil {
		return citylord.FactionSnapshot{}, err
	}
	return citylord.FactionSnapshot{RedArea: m.RedArea, BlueArea: m.BlueArea, UpdatedAt: m.UpdatedAt.UTC()}, nil
}

func (r *Repository) StaleTiles(ctx context.Context, before time.Time) ([]citylord.Tile, error) {
	var ms []tileModel
	err := r.db.WithContext(ctx).
		Where("owner_id IS NOT NULL AND last_maintained_at < ?", before.UTC()).
		Order("id").
		Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("listing stale tiles: %w", err)
	}
	return tiles(ms), nil
}

func (r *Repository) ExpiredCooldowns(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&tileModel{}).
		Where("status = ? AND neutral_until <= ?", string(citylord.TileNeutralCooldown), now.UTC()).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing expired cooldowns: %w", err)
	}
	return ids, nil
}

func (r *Repository) FindRun(ctx context.Context, userID, key string) (citylord.Run, error) {
	var m runModel
	err := r.db.WithContext(ctx).Where("user_id = ? AND idempotency_key = ?", userID, key).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return citylord.Run{}, territory.ErrNotFound
	}
	if err != nil {
		return citylord.Run{}, fmt.Errorf("finding run: %w", err)
	}

	run := citylord.Run{
		ID:               m.ID,
		ActivityID:       m.ActivityID,
		UserID:           m.UserID,
		IdempotencyKey:   m.IdempotencyKey,
		DistanceMeters:   m.DistanceMeters,
		DurationSeconds:  m.DurationSeconds,
		AreaM2:           m.AreaM2,
		TerritoryCreated: m.TerritoryCreated,
		Result:           []byte(m.Result),
		CreatedAt:        m.CreatedAt.UTC(),
	}
	if len(m.Polygon) > 0 {
		if err := json.Unmarshal(m.Polygon, &run.Polygon); err != nil {
			return citylord.Run{}, fmt.Errorf("decoding polygon: %w", err)
		}
	}
	return run, nil
}

func (r *Repository) InsertRun(ctx context.Context, run citylord.Run) error {
	m := runModel{
		ID:               run.ID,
		ActivityID:       run.ActivityID,
		UserID:           run.UserID,
		IdempotencyKey:   run.IdempotencyKey,
		DistanceMeters:   run.DistanceMeters,
		DurationSeconds:  run.DurationSeconds,
		AreaM2:           run.AreaM2,
		TerritoryCreated: run.TerritoryCreated,
		Result:           datatypes.JSON(run.Result),
		CreatedAt:        run.CreatedAt.UTC(),
	}
	if run.Polygon != nil {
		data, err := json.Marshal(run.Polygon)
		if err != nil {
			return fmt.Errorf("encoding polygon: %w", err)
		}
		m.Polygon = datatypes.JSON(data)
	}

	err := r.db.WithContext(ctx).Create(&m).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return territory.ErrDuplicateRun
	}
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}
