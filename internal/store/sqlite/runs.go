package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/territory"
)

type runRow struct {
	ID               string         `db:"id"`
	ActivityID       string         `db:"activity_id"`
	UserID           string         `db:"user_id"`
	IdempotencyKey   string         `db:"idempotency_key"`
	DistanceMeters   float64        `db:"distance_m"`
	DurationSeconds  int            `db:"duration_s"`
	AreaM2           float64        `db:"area_m2"`
	TerritoryCreated bool           `db:"territory_created"`
	Polygon          sql.NullString `db:"polygon"`
	Result           string         `db:"result"`
	CreatedAt        string         `db:"created_at"`
}

// FindRun returns territory.ErrNotFound when the user has not submitted key.
func (r *Repository) FindRun(ctx context.Context, userID, key string) (citylord.Run, error) {
	var row runRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, activity_id, user_id, idempotency_key, distance_m, duration_s, area_m2,
			territory_created, polygon, result, created_at
		FROM runs
		WHERE user_id = ? AND idempotency_key = ?
	`, userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return citylord.Run{}, territory.ErrNotFound
	}
	if err != nil {
		return citylord.Run{}, fmt.Errorf("finding run: %w", err)
	}

	run := citylord.Run{
		ID:               row.ID,
		ActivityID:       row.ActivityID,
		UserID:           row.UserID,
		IdempotencyKey:   row.IdempotencyKey,
		DistanceMeters:   row.DistanceMeters,
		DurationSeconds:  row.DurationSeconds,
		AreaM2:           row.AreaM2,
		TerritoryCreated: row.TerritoryCreated,
		Result:           []byte(row.Result),
	}
	if row.Polygon.Valid {
		if err := json.Unmarshal([]byte(row.Polygon.String), &run.Polygon); err != nil {
			return citylord.Run{}, fmt.Errorf("decoding polygon: %w", err)
		}
	}
	if run.CreatedAt, err = time.Parse(timeLayout, row.CreatedAt); err != nil {
		return citylord.Run{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return run, nil
}

// InsertRun returns territory.ErrDuplicateRun when (user, key) already exists.
func (r *Repository) InsertRun(ctx context.Context, run citylord.Run) error {
	var polygon sql.NullString
	if run.Polygon != nil {
		data, err := json.Marshal(run.Polygon)
		if err != nil {
			return fmt.Errorf("encoding polygon: %w", err)
		}
		polygon = sql.NullString{String: string(data), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (id, activity_id, user_id, idempotency_key, distance_m, duration_s,
			area_m2, territory_created, polygon, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ActivityID, run.UserID, run.IdempotencyKey, run.DistanceMeters,
		run.DurationSeconds, run.AreaM2, boolInt(run.TerritoryCreated), polygon, string(run.Result),
		formatTime(run.CreatedAt))
	if isUniqueViolation(err) {
		return territory.ErrDuplicateRun
	}
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
