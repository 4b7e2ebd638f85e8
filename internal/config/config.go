// Package config reads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr    string `env:"GRPC_ADDR" envDefault:":9090"`

	StorageDriver string        `env:"STORAGE_DRIVER" envDefault:"memory"`
	DatabaseURL   string        `env:"DATABASE_URL"`
	SQLitePath    string        `env:"SQLITE_PATH" envDefault:"ledger.db"`
	LockTimeout   time.Duration `env:"LOCK_TIMEOUT" envDefault:"2s"`

	EventBus          string   `env:"EVENT_BUS" envDefault:"memory"`
	KafkaBrokers      []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaGroupID      string   `env:"KAFKA_GROUP_ID" envDefault:"account-provisioner"`
	AliasTopic        string   `env:"ALIAS_CREATED_TOPIC" envDefault:"alias-created-topic"`
	AccountTopic      string   `env:"ACCOUNT_EVENTS_TOPIC" envDefault:"account-events-topic"`
	TransactionsTopic string   `env:"TRANSACTIONS_TOPIC" envDefault:"transactions"`
	DefaultBankName   string   `env:"DEFAULT_BANK_NAME" envDefault:"Default Bank"`

	RedisAddr       string        `env:"REDIS_ADDR"`
	AccountCacheTTL time.Duration `env:"ACCOUNT_CACHE_TTL" envDefault:"30s"`
	RateLimitBurst  int           `env:"RATE_LIMIT_BURST" envDefault:"50"`
	RateLimitRefill float64       `env:"RATE_LIMIT_REFILL_PER_SEC" envDefault:"25"`

	MaxBodyBytes int64    `env:"API_MAX_BODY_BYTES" envDefault:"65536"`
	IPAllowlist  []string `env:"API_IP_ALLOWLIST" envSeparator:","`
	TLSCertFile  string   `env:"TLS_CERT_FILE"`
	TLSKeyFile   string   `env:"TLS_KEY_FILE"`
	TLSCAFile    string   `env:"TLS_CA_FILE"`

	AuditLogPath string `env:"AUDIT_LOG_PATH"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads an optional .env file, parses the environment and validates
// the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFromEnv()
}

// LoadFromEnv parses the process environment without touching .env files.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing or invalid setting at once.
func (c *Config) Validate() error {
	var problems []string

	switch c.StorageDriver {
	case "memory":
	case "sqlite":
		if c.SQLitePath == "" {
			problems = append(problems, "SQLITE_PATH is required for STORAGE_DRIVER=sqlite")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required for STORAGE_DRIVER=postgres")
		}
	default:
		problems = append(problems, "STORAGE_DRIVER must be one of memory, sqlite, postgres")
	}

	switch c.EventBus {
	case "memory":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			problems = append(problems, "KAFKA_BROKERS is required for EVENT_BUS=kafka")
		}
	default:
		problems = append(problems, "EVENT_BUS must be one of memory, kafka")
	}

	if c.LockTimeout <= 0 {
		problems = append(problems, "LOCK_TIMEOUT must be positive")
	}
	if len(strings.TrimSpace(c.DefaultBankName)) < 2 {
		problems = append(problems, "DEFAULT_BANK_NAME must be at least 2 characters")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		problems = append(problems, "TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	if c.IsProduction() {
		if c.StorageDriver == "memory" {
			problems = append(problems, "STORAGE_DRIVER=memory is not allowed in "+c.Environment)
		}
		if c.EventBus == "memory" {
			problems = append(problems, "EVENT_BUS=memory is not allowed in "+c.Environment)
		}
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// IsProduction is true for production and staging.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "staging"
}
