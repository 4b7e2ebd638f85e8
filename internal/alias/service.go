package alias

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/alias-ledger/internal/apperr"
	"github.com/example/alias-ledger/internal/events"
)

var tracer = otel.Tracer("github.com/example/alias-ledger/internal/alias")

const (
	minCredentialLength = 8
	// bcrypt ignores input past 72 bytes.
	maxCredentialLength = 72
)

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Store     Store
	Publisher events.Publisher
	Topic     string
	// PublishTries bounds AliasRegistered publish attempts.
	PublishTries uint
	BcryptCost   int
	Logger       *slog.Logger
}

// Service registers aliases and announces them on the bus.
type Service struct {
	cfg        ServiceConfig
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Topic == "" {
		cfg.Topic = events.DefaultTopics().AliasCreated
	}
	if cfg.PublishTries == 0 {
		cfg.PublishTries = 5
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:        cfg,
		logger:     logger.With("component", "alias"),
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// Register creates an alias and publishes AliasRegistered keyed by its id.
// Uniqueness is left to the store, so of two concurrent registrations of
// one name exactly one succeeds and the other gets apperr.ErrDuplicateAlias.
func (s *Service) Register(ctx context.Context, name, credential string) (*Alias, error) {
	ctx, span := tracer.Start(ctx, "alias.Register")
	defer span.End()

	a, err := s.register(ctx, name, credential)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("alias.id", a.ID))
	return a, nil
}

func (s *Service) register(ctx context.Context, name, credential string) (*Alias, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if len(credential) < minCredentialLength || len(credential) > maxCredentialLength {
		return nil, apperr.Validation(fmt.Sprintf("credential must be between %d and %d characters", minCredentialLength, maxCredentialLength))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(credential), s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash credential: %w", err)
	}

	a := &Alias{
		ID:             uuid.NewString(),
		Name:           name,
		CredentialHash: string(hash),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.cfg.Store.CreateAlias(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("alias registered", "alias_id", a.ID, "name", a.Name)

	// TODO: write AliasRegistered to an outbox table in the same
	// transaction as the alias row so a crash here cannot lose it.
	s.announce(context.WithoutCancel(ctx), a)
	return a, nil
}

func (s *Service) announce(ctx context.Context, a *Alias) {
	if s.cfg.Publisher == nil {
		return
	}
	env, err := events.NewEnvelope(events.TypeAliasRegistered, a.ID, events.AliasRegistered{AliasID: a.ID, Name: a.Name})
	if err != nil {
		s.logger.Error("build AliasRegistered event", "alias_id", a.ID, "error", err)
		return
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		pctx, cancel := context.WithTimeout(ctx, events.PublishTimeout)
		defer cancel()
		return struct{}{}, s.cfg.Publisher.Publish(pctx, s.cfg.Topic, env)
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.cfg.PublishTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("AliasRegistered publish failed, retrying", "alias_id", a.ID, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		s.logger.Error("AliasRegistered not published; account will not be provisioned",
			"alias_id", a.ID, "topic", s.cfg.Topic, "error", err)
	}
}

// Get returns the alias registered under name.
func (s *Service) Get(ctx context.Context, name string) (*Alias, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return s.cfg.Store.GetAliasByName(ctx, name)
}
