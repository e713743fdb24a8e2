package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/territory"
)

// maxInParams bounds each IN list below SQLite's host parameter limit.
const maxInParams = 500

// inBatches deduplicates ids and splits them into sorted IN-list chunks.
func inBatches(ids []string) iter.Seq[[]string] {
	return slices.Chunk(slices.Compact(slices.Sorted(slices.Values(ids))), maxInParams)
}

const tileColumns = `id, owner_id, owner_faction, hp, status, captured_at, last_maintained_at,
	neutral_until, level, area_m2, captured_score`

type tileRow struct {
	ID               string         `db:"id"`
	OwnerID          sql.NullString `db:"owner_id"`
	OwnerFaction     string         `db:"owner_faction"`
	HP               int            `db:"hp"`
	Status           string         `db:"status"`
	CapturedAt       sql.NullString `db:"captured_at"`
	LastMaintainedAt sql.NullString `db:"last_maintained_at"`
	NeutralUntil     sql.NullString `db:"neutral_until"`
	Level            int            `db:"level"`
	AreaM2           float64        `db:"area_m2"`
	CapturedScore    float64        `db:"captured_score"`
}

func (r tileRow) tile() (citylord.Tile, error) {
	t := citylord.Tile{
		ID:            r.ID,
		OwnerID:       r.OwnerID.String,
		OwnerFaction:  citylord.Faction(r.OwnerFaction),
		HP:            r.HP,
		Status:        citylord.TileStatus(r.Status),
		Level:         r.Level,
		AreaM2:        r.AreaM2,
		CapturedScore: r.CapturedScore,
	}
	var err error
	if t.CapturedAt, err = parseTime(r.CapturedAt); err != nil {
		return t, err
	}
	if t.LastMaintainedAt, err = parseTime(r.LastMaintainedAt); err != nil {
		return t, err
	}
	if t.NeutralUntil, err = parseTime(r.NeutralUntil); err != nil {
		return t, err
	}
	return t, nil
}

func toRow(t citylord.Tile) tileRow {
	return tileRow{
		ID:               t.ID,
		OwnerID:          nullString(t.OwnerID),
		OwnerFaction:     string(t.OwnerFaction),
		HP:               t.HP,
		Status:           string(t.Status),
		CapturedAt:       nullTime(t.CapturedAt),
		LastMaintainedAt: nullTime(t.LastMaintainedAt),
		NeutralUntil:     nullTime(t.NeutralUntil),
		Level:            t.Level,
		AreaM2:           t.AreaM2,
		CapturedScore:    t.CapturedScore,
	}
}

func toTiles(rows []tileRow) ([]citylord.Tile, error) {
	tiles := make([]citylord.Tile, 0, len(rows))
	for _, row := range rows {
		t, err := row.tile()
		if err != nil {
			return nil, err
		}
		tiles = append(tiles, t)
	}
	return tiles, nil
}

// tx runs on a connection that already holds BEGIN IMMEDIATE.
type tx struct {
	conn   *sqlx.Conn
	tileID string
}

func (t *tx) Tile(ctx context.Context) (citylord.Tile, bool, error) {
	var row tileRow
	err := t.conn.GetContext(ctx, &row, `SELECT `+tileColumns+` FROM tiles WHERE id = ?`, t.tileID)
	if errors.Is(err, sql.ErrNoRows) {
		return citylord.Tile{}, false, nil
	}
	if err != nil {
		return citylord.Tile{}, false, fmt.Errorf("loading tile: %w", err)
	}
	tile, err := row.tile()
	return tile, err == nil, err
}

func (t *tx) SaveTile(ctx context.Context, tile citylord.Tile) error {
	q, args, err := sqlx.Named(`
		INSERT INTO tiles (`+tileColumns+`)
		VALUES (:id, :owner_id, :owner_faction, :hp, :status, :captured_at, :last_maintained_at,
			:neutral_until, :level, :area_m2, :captured_score)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = excluded.owner_id,
			owner_faction = excluded.owner_faction,
			hp = excluded.hp,
			status = excluded.status,
			captured_at = excluded.captured_at,
			last_maintained_at = excluded.last_maintained_at,
			neutral_until = excluded.neutral_until,
			level = excluded.level,
			area_m2 = excluded.area_m2,
			captured_score = excluded.captured_score
	`, toRow(tile))
	if err != nil {
		return fmt.Errorf("binding tile: %w", err)
	}
	if _, err := t.conn.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("saving tile: %w", err)
	}
	return nil
}

func (t *tx) AppendOwnerChange(ctx context.Context, c citylord.OwnerChange) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO owner_changes (tile_id, from_owner_id, to_owner_id, changed_at)
		VALUES (?, ?, ?, ?)
	`, c.TileID, nullString(c.FromOwnerID), nullString(c.ToOwnerID), formatTime(c.ChangedAt))
	if err != nil {
		return fmt.Errorf("appending owner change: %w", err)
	}
	return nil
}

func (t *tx) InsertAttack(ctx context.Context, a citylord.AttackRecord) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO attack_records (tile_id, attacker_id, attack_date, damage_dealt)
		VALUES (?, ?, ?, ?)
	`, a.TileID, a.AttackerID, a.AttackDate, a.DamageDealt)
	if isUniqueViolation(err) {
		return territory.ErrDuplicateAttack
	}
	if err != nil {
		return fmt.Errorf("recording attack: %w", err)
	}
	return nil
}

func (t *tx) AddScore(ctx context.Context, userID string, delta float64) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO user_scores (user_id, score, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			score = score + excluded.score,
			updated_at = excluded.updated_at
	`, userID, delta, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("updating score: %w", err)
	}
	return nil
}

func (r *Repository) GetTile(ctx context.Context, tileID string) (citylord.Tile, error) {
	var row tileRow
	err := r.db.GetContext(ctx, &row, `SELECT `+tileColumns+` FROM tiles WHERE id = ?`, tileID)
	if errors.Is(err, sql.ErrNoRows) {
		return citylord.Tile{}, territory.ErrNotFound
	}
	if err != nil {
		return citylord.Tile{}, err
	}
	return row.tile()
}

func (r *Repository) ListTiles(ctx context.Context, tileIDs []string) ([]citylord.Tile, error) {
	var rows []tileRow
	for batch := range inBatches(tileIDs) {
		q, args, err := sqlx.In(`SELECT `+tileColumns+` FROM tiles WHERE id IN (?) ORDER BY id`, batch)
		if err != nil {
			return nil, err
		}
		var part []tileRow
		if err := r.db.SelectContext(ctx, &part, r.db.Rebind(q), args...); err != nil {
			return nil, err
		}
		rows = append(rows, part...)
	}
	return toTiles(rows)
}

func (r *Repository) ListOwnedBy(ctx context.Context, userID string) ([]citylord.Tile, error) {
	var rows []tileRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+tileColumns+` FROM tiles WHERE owner_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	return toTiles(rows)
}

func (r *Repository) UserScore(ctx context.Context, userID string) (float64, error) {
	var score float64
	err := r.db.GetContext(ctx, &score, `SELECT score FROM user_scores WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return score, err
}
