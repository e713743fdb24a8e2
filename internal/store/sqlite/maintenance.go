package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/territory"
)

// CountOwnerChanges counts changes since the given time for each tile. Tiles
// with no changes are absent from the map.
func (r *Repository) CountOwnerChanges(ctx context.Context, tileIDs []string, since time.Time) (map[string]int, error) {
	counts := make(map[string]int, len(tileIDs))
	if len(tileIDs) == 0 {
		return counts, nil
	}
	for batch := range inBatches(tileIDs) {
		q, args, err := sqlx.In(`
			SELECT tile_id, COUNT(*) AS n
			FROM owner_changes
			WHERE changed_at >= ? AND tile_id IN (?)
			GROUP BY tile_id
		`, formatTime(since), batch)
		if err != nil {
			return nil, err
		}

		var rows []struct {
			TileID string `db:"tile_id"`
			N      int    `db:"n"`
		}
		if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
			return nil, fmt.Errorf("counting owner changes: %w", err)
		}
		for _, row := range rows {
			counts[row.TileID] = row.N
		}
	}
	return counts, nil
}

// PruneOwnerChanges deletes changes older than before, keeping the history of
// tiles that still have hotThreshold or more changes inside the window.
func (r *Repository) PruneOwnerChanges(ctx context.Context, before time.Time, hotThreshold int) (int64, error) {
	cutoff := formatTime(before)
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM owner_changes
		WHERE changed_at < ?
		AND tile_id NOT IN (
			SELECT tile_id FROM owner_changes
			WHERE changed_at >= ?
			GROUP BY tile_id
			HAVING COUNT(*) >= ?
		)
	`, cutoff, cutoff, hotThreshold)
	if err != nil {
		return 0, fmt.Errorf("pruning owner changes: %w", err)
	}
	return res.RowsAffected()
}

// FactionAreas sums owned tile area per faction.
func (r *Repository) FactionAreas(ctx context.Context) (citylord.FactionSnapshot, error) {
	var rows []struct {
		Faction string  `db:"owner_faction"`
		Area    float64 `db:"area"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT owner_faction, COALESCE(SUM(area_m2), 0) AS area
		FROM tiles
		WHERE owner_id IS NOT NULL AND owner_faction != ''
		GROUP BY owner_faction
	`)
	if err != nil {
		return citylord.FactionSnapshot{}, fmt.Errorf("summing faction areas: %w", err)
	}

	var snap citylord.FactionSnapshot
	for _, row := range rows {
		switch citylord.Faction(row.Faction) {
		case citylord.FactionRed:
			snap.RedArea = row.Area
		case citylord.FactionBlue:
			snap.BlueArea = row.Area
		}
	}
	return snap, nil
}

func (r *Repository) SaveFactionSnapshot(ctx context.Context, snap citylord.FactionSnapshot) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO faction_snapshots (red_area, blue_area, updated_at) VALUES (?, ?, ?)
	`, snap.RedArea, snap.BlueArea, formatTime(snap.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving faction snapshot: %w", err)
	}
	return nil
}

func (r *Repository) LatestFactionSnapshot(ctx context.Context) (citylord.FactionSnapshot, error) {
	var row struct {
		RedArea   float64 `db:"red_area"`
		BlueArea  float64 `db:"blue_area"`
		UpdatedAt string  `db:"updated_at"`
	}
	err := r.db.GetContext(ctx, &row, `
		SELECT red_area, blue_area, updated_at FROM faction_snapshots ORDER BY id DESC LIMIT 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return citylord.FactionSnapshot{}, territory.ErrNotFound
	}
	if err != nil {
		return citylord.FactionSnapshot{}, err
	}
	updated, err := time.Parse(timeLayout, row.UpdatedAt)
	if err != nil {
		return citylord.FactionSnapshot{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return citylord.FactionSnapshot{RedArea: row.RedArea, BlueArea: row.BlueArea, UpdatedAt: updated}, nil
}

// StaleTiles lists owned tiles not maintained since before.
func (r *Repository) StaleTiles(ctx context.Context, before time.Time) ([]citylord.Tile, error) {
	var rows []tileRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+tileColumns+` FROM tiles
		WHERE owner_id IS NOT NULL AND last_maintained_at < ?
		ORDER BY id
	`, formatTime(before))
	if err != nil {
		return nil, fmt.Errorf("listing stale tiles: %w", err)
	}
	return toTiles(rows)
}

// ExpiredCooldowns lists tiles whose neutral cooldown ended at or before now.
func (r *Repository) ExpiredCooldowns(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM tiles
		WHERE status = 'neutral_cooldown' AND neutral_until <= ?
		ORDER BY id
	`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("listing expired cooldowns: %w", err)
	}
	return ids, nil
}
