// Package app assembles the engine from configuration. Both binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/cache"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/config"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/database"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/events"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/hotzone"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/ingest"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/migrations"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/settlement"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/store/gormdb"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/store/sqlite"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/sweeper"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/territory"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/tile"
)

// Repository is everything the engine needs from durable storage. Both the
// sqlite and gorm stores satisfy it.
type Repository interface {
	territory.Repository
	settlement.RunStore
	hotzone.ChangeCounter
	sweeper.Repository
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Repository = (*sqlite.Repository)(nil)
	_ Repository = (*gormdb.Repository)(nil)
)

type App struct {
	Repo       Repository
	Cache      *cache.Cache // nil when REDIS_URL is empty
	Index      *tile.Index
	Scorer     *hotzone.Scorer
	Broker     *events.Broker
	Store      *territory.Store
	Settlement *settlement.Service
	Sweeper    *sweeper.Sweeper

	rdb *redis.Client
}

// New connects to storage and the cache and wires the engine together. The
// caller must Close the result.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &App{Repo: repo}

	var (
		hotCache  hotzone.Cache
		snapCache sweeper.Cache
		limiter   settlement.Limiter
	)
	if cfg.RedisURL != "" {
		rdb, err := cache.Open(ctx, cfg.RedisURL)
		if err != nil {
			repo.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.rdb = rdb
		a.Cache = cache.New(rdb)
		hotCache, snapCache, limiter = a.Cache, a.Cache, a.Cache
		logger.Info("connected to redis")
	} else {
		logger.Warn("REDIS_URL empty, running without cache or submission quota")
	}

	rules := cfg.Rules()
	grid := tile.NewHexGrid(cfg.TileEdgeM)
	a.Index = tile.NewIndex(grid, grid.Edge())
	a.Scorer = hotzone.New(hotCache, repo, rules, logger)
	a.Broker = events.NewBroker()
	a.Store = territory.NewStore(repo, rules, logger,
		territory.WithListener(a.Scorer),
		territory.WithPenalty(a.Scorer),
		territory.WithListener(a.Broker),
	)
	a.Settlement = settlement.New(ingest.New(rules, a.Index), a.Index, a.Store, repo, a.Scorer, limiter,
		settlement.Config{
			Concurrency:        cfg.SettleConcurrency,
			SubmissionsPerHour: cfg.SubmissionRatePerHour,
			Timeout:            cfg.SettleTimeout,
		}, logger)
	a.Sweeper = sweeper.New(repo, a.Store, snapCache, logger)
	return a, nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Repository, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		db, err := database.Open(ctx, cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("connecting to sqlite: %w", err)
		}
		if err := migrations.Run(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("connected to sqlite", "path", cfg.DBPath)
		return sqlite.New(db), nil
	default:
		repo, err := gormdb.ConnectWithRetry(ctx, logger, cfg.StoreDriver, cfg.DBDSN, 10, 2*time.Second,
			gormdb.WithMaxHP(cfg.MaxHP))
		if err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", cfg.StoreDriver, err)
		}
		return repo, nil
	}
}

func (a *App) Close() error {
	var errs []error
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	errs = append(errs, a.Repo.Close())
	return errors.Join(errs...)
}
