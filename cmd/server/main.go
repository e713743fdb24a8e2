package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/app"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/config"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/handler/feed"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/handler/health"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	// --- Engine ---
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	checks := map[string]health.Checker{
		"store": health.CheckerFunc(a.Repo.Ping),
	}
	if a.Cache != nil {
		checks["redis"] = health.CheckerFunc(a.Cache.Ping)
	}

	// --- HTTP Server ---
	srv := server.New(cfg.HTTPAddr, logger, server.Deps{
		Settlement:        a.Settlement,
		Territory:         a.Store,
		Index:             a.Index,
		HotZones:          a.Scorer,
		Sweeper:           a.Sweeper,
		Broker:            a.Broker,
		AdminKeyHash:      cfg.AdminKeyHash,
		EnableDebugAttack: cfg.EnableDebugAttack,
		RatePerSec:        cfg.HTTPRatePerSec,
		Burst:             cfg.HTTPBurst,
	}, func(r chi.Router) {
		r.Mount("/healthz", health.NewHandler(logger, checks).Routes())
		r.Mount("/ws", feed.NewHandler(logger, a.Broker).Routes())
	})

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "addr", cfg.HTTPAddr)
		return srv.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		return srv.Shutdown(context.Background())
	})

	return g.Wait()
}
