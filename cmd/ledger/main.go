package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/alias-ledger/internal/app"
	"github.com/example/alias-ledger/internal/config"
	"github.com/example/alias-ledger/internal/rpc"
	"github.com/example/alias-ledger/internal/security"
	"github.com/example/alias-ledger/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("ledger grpc server stopped", "error", err)
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

	shutdownTracing, err := telemetry.Setup(ctx, "alias-ledger-grpc", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(1024 * 1024),
		grpc.MaxSendMsgSize(1024 * 1024),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(rpc.UnaryInterceptor(logger, a.Audit)),
	}
	tlsFiles := security.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile, CAFile: cfg.TLSCAFile}
	if tlsFiles.Enabled() {
		tlsCfg, err := security.LoadServerTLSConfig(tlsFiles)
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}

	grpcServer := grpc.NewServer(opts...)
	rpc.RegisterLedgerServer(grpcServer, &rpc.Server{
		Aliases:   a.Aliases,
		Accounts:  a.Accounts,
		Transfers: a.Transfers,
	})
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)

	if a.InProcessBus() {
		go func() {
			if err := a.Provisioner.Run(ctx, a.Subscriber); err != nil {
				logger.Error("in-process provisioner stopped", "error", err)
			}
		}()
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down grpc server")
		healthSrv.Shutdown()
		grpcServer.GracefulStop()
	}()

	logger.Info("alias ledger grpc server listening", "addr", cfg.GRPCAddr, "storage", cfg.StorageDriver)
	return grpcServer.Serve(lis)
}
