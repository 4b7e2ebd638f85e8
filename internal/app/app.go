// Package app assembles stores, the event bus and services from Config for
// the binaries under cmd/.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/example/alias-ledger/internal/alias"
	"github.com/example/alias-ledger/internal/cache"
	"github.com/example/alias-ledger/internal/config"
	"github.com/example/alias-ledger/internal/events"
	"github.com/example/alias-ledger/internal/events/kafka"
	"github.com/example/alias-ledger/internal/ledger"
	"github.com/example/alias-ledger/internal/provisioner"
	"github.com/example/alias-ledger/internal/security"
	"github.com/example/alias-ledger/internal/storage/memory"
	"github.com/example/alias-ledger/internal/storage/postgres"
	"github.com/example/alias-ledger/internal/storage/sqlite"
	"github.com/example/alias-ledger/pkg/audit"
)

// Store is what every storage driver provides.
type Store interface {
	alias.Store
	ledger.Store
}

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store       Store
	Publisher   events.Publisher
	Subscriber  events.Subscriber
	Audit       *audit.ChainLogger
	Redis       *redis.Client
	RateLimiter *security.RedisTokenBucket

	Aliases     *alias.Service
	Accounts    *ledger.AccountService
	Transfers   *ledger.TransferService
	Provisioner *provisioner.Provisioner

	closers []func() error
}

// New builds an App. On error everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.openBus()
	if err := a.openAudit(); err != nil {
		a.Close()
		return nil, err
	}

	var accountCache ledger.AccountCache
	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, a.Redis.Close)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		accountCache = cache.NewAccountCache(a.Redis, cfg.AccountCacheTTL)
		a.RateLimiter = security.NewRedisTokenBucket(a.Redis, "alias_ledger_api", cfg.RateLimitBurst, cfg.RateLimitRefill)
	}

	topics := events.Topics{
		AliasCreated:  cfg.AliasTopic,
		AccountEvents: cfg.AccountTopic,
		Transactions:  cfg.TransactionsTopic,
	}

	a.Aliases = alias.NewService(alias.ServiceConfig{
		Store:     a.Store,
		Publisher: a.Publisher,
		Topic:     topics.AliasCreated,
		Logger:    logger,
	})
	a.Accounts = ledger.NewAccountService(ledger.AccountDeps{
		Aliases:   a.Store,
		Store:     a.Store,
		Cache:     accountCache,
		Publisher: a.Publisher,
		Topic:     topics.AccountEvents,
		Logger:    logger,
	})
	a.Transfers = ledger.NewTransferService(ledger.TransferDeps{
		Aliases:   a.Store,
		Store:     a.Store,
		Publisher: a.Publisher,
		Topic:     topics.Transactions,
		Cache:     accountCache,
		Audit:     a.Audit,
		Logger:    logger,
	})
	a.Provisioner = provisioner.New(provisioner.Config{
		Store:     a.Store,
		Publisher: a.Publisher,
		Topics:    topics,
		BankName:  cfg.DefaultBankName,
		Logger:    logger,
	})
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config
	switch cfg.StorageDriver {
	case "memory":
		a.Store = memory.New(cfg.LockTimeout)
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.SQLitePath, cfg.LockTimeout)
		if err != nil {
			return err
		}
		a.Store = s
		a.closers = append(a.closers, s.Close)
	case "postgres":
		s, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.LockTimeout)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		if err := s.Migrate(ctx); err != nil {
			return err
		}
		a.Store = s
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
	a.Logger.Info("storage ready", "driver", cfg.StorageDriver)
	return nil
}

func (a *App) openBus() {
	cfg := a.Config
	if cfg.EventBus == "kafka" {
		pub := kafka.NewPublisher(cfg.KafkaBrokers)
		a.closers = append(a.closers, pub.Close)
		a.Publisher = pub
		a.Subscriber = kafka.NewSubscriber(kafka.SubscriberConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
			Logger:  a.Logger,
		})
		return
	}
	bus := events.NewMemoryBus(8)
	bus.Logger = a.Logger
	a.Publisher = bus
	a.Subscriber = bus
}

func (a *App) openAudit() error {
	var sink io.Writer
	if path := a.Config.AuditLogPath; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		sink = f
	}
	a.Audit = audit.NewChainLogger(sink)
	return nil
}

// InProcessBus reports whether events stay inside this process, in which
// case the provisioner must run here too.
func (a *App) InProcessBus() bool {
	return a.Config.EventBus != "kafka"
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
