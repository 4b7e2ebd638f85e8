package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/alias-ledger/internal/app"
	"github.com/example/alias-ledger/internal/config"
	"github.com/example/alias-ledger/internal/telemetry"
)

// restartDelay spaces consumer restarts after a delivery gave up.
const restartDelay = 5 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("provisioner stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.EventBus != "kafka" {
		return errors.New("the standalone provisioner needs EVENT_BUS=kafka; the memory bus runs it inside the api process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "alias-ledger-provisioner", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// An undeliverable event stops the consumer without committing; restarting
	// resumes from that offset.
	for {
		err := a.Provisioner.Run(ctx, a.Subscriber)
		if ctx.Err() != nil {
			return nil
		}
		logger.Error("consumer stopped, restarting", "error", err, "delay", restartDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(restartDelay):
		}
	}
}
