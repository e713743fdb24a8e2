// Package territory owns every tile mutation. Claims, attacks, resets and decay
// each run inside one per-tile locked transaction supplied by a Repository.
package territory

import (
	"context"
	"errors"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/citylord"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrTerritoryInCooldown      = errors.New("territory in cooldown")
	ErrAlreadyAttackedToday     = errors.New("tile already attacked today")
	ErrCannotAttackOwnTerritory = errors.New("cannot attack own territory")
	ErrTileNotOwned             = errors.New("tile not owned")

	// ErrDuplicateRun is returned by run stores when (user, idempotency key)
	// already exists.
	ErrDuplicateRun = errors.New("duplicate run")

	// ErrDuplicateAttack is what a Tx returns when the attack record violates
	// the (tile, attacker, day) uniqueness constraint.
	ErrDuplicateAttack = errors.New("duplicate attack record")
)

// Tx is the set of writes allowed while a tile lock is held. All of them
// commit or roll back together.
type Tx interface {
	// Tile returns the locked row. found is false for a tile that has never
	// been written.
	Tile(ctx context.Context) (t citylord.Tile, found bool, err error)
	SaveTile(ctx context.Context, t citylord.Tile) error
	AppendOwnerChange(ctx context.Context, c citylord.OwnerChange) error
	InsertAttack(ctx context.Context, a citylord.AttackRecord) error
	AddScore(ctx context.Context, userID string, delta float64) error
}

// Repository is the durable tile store. WithTileLock serialises writers of a
// single tile and commits when fn returns nil.
type Repository interface {
	WithTileLock(ctx context.Context, tileID string, fn func(ctx context.Context, tx Tx) error) error
	GetTile(ctx context.Context, tileID string) (citylord.Tile, error)
	ListTiles(ctx context.Context, tileIDs []string) ([]citylord.Tile, error)
	ListOwnedBy(ctx context.Context, userID string) ([]citylord.Tile, error)
	UserScore(ctx context.Context, userID string) (float64, error)
}

// ChangeListener is told about every committed owner change. Implementations
// must not block.
type ChangeListener interface {
	OwnerChanged(ctx context.Context, c citylord.OwnerChange)
}

// Penalty prices the loss of a tile for its previous owner, given what
// capturing it earned.
type Penalty interface {
	LossPenalty(gained float64) float64
}

type ListenerFunc func(ctx context.Context, c citylord.OwnerChange)

func (f ListenerFunc) OwnerChanged(ctx context.Context, c citylord.OwnerChange) { f(ctx, c) }
