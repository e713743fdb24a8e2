// Command sweeper runs one maintenance pass and exits. Schedule it daily.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/app"
	"github.com/oliverhe202018-ctrl/city-lord-sub004/internal/config"
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

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.Sweeper.Run(ctx)
	if err != nil {
		return fmt.Errorf("sweeping: %w", err)
	}
	if rep.Failed > 0 {
		return fmt.Errorf("sweep finished with %d failed tiles", rep.Failed)
	}
	return nil
}
