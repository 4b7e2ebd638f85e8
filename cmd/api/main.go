package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/example/alias-ledger/internal/api"
	"github.com/example/alias-ledger/internal/app"
	"github.com/example/alias-ledger/internal/config"
	"github.com/example/alias-ledger/internal/security"
	"github.com/example/alias-ledger/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("api gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "alias-ledger-api", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	allowlist, err := security.ParseCIDRAllowlist(cfg.IPAllowlist)
	if err != nil {
		return err
	}

	router, err := api.NewRouter(api.Dependencies{
		Logger:       logger,
		Aliases:      a.Aliases,
		Accounts:     a.Accounts,
		Transfers:    a.Transfers,
		Provisioning: a.Provisioner,
		Auditor:      a.Audit,
		RateLimiter:  a.RateLimiter,
		IPAllowlist:  allowlist,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	if a.InProcessBus() {
		go func() {
			if err := a.Provisioner.Run(ctx, a.Subscriber); err != nil {
				logger.Error("in-process provisioner stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(router, "http"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	tlsFiles := security.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile, CAFile: cfg.TLSCAFile}
	if tlsFiles.Enabled() {
		srv.TLSConfig, err = security.LoadServerTLSConfig(tlsFiles)
		if err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Info("alias ledger api listening", "addr", cfg.HTTPAddr, "storage", cfg.StorageDriver, "bus", cfg.EventBus, "tls", tlsFiles.Enabled())
	if srv.TLSConfig != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
