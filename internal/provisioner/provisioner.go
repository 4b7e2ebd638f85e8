// Package provisioner opens exactly one account per registered alias in
// reaction to AliasRegistered events.
//
// Each alias moves from PENDING (event not yet handled) to PROVISIONED
// (account exists). Deliveries are at-least-once, so the same event may
// arrive many times; the store's create-if-absent contract makes every
// repeat a no-op. Nothing is remembered between deliveries.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/alias-ledger/internal/apperr"
	"github.com/example/alias-ledger/internal/events"
	"github.com/example/alias-ledger/internal/ledger"
)

var tracer = otel.Tracer("github.com/example/alias-ledger/internal/provisioner")

// DefaultBankName is the bank assigned to provisioned accounts.
const DefaultBankName = "Default Bank"

// State is the provisioning state of one alias.
type State string

const (
	StatePending     State = "PENDING"
	StateProvisioned State = "PROVISIONED"
)

// Config wires a Provisioner. Publisher is optional.
type Config struct {
	Store     ledger.Store
	Publisher events.Publisher
	Topics    events.Topics
	BankName  string
	Logger    *slog.Logger
}

type Provisioner struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Provisioner {
	if cfg.BankName == "" {
		cfg.BankName = DefaultBankName
	}
	defaults := events.DefaultTopics()
	if cfg.Topics.AliasCreated == "" {
		cfg.Topics.AliasCreated = defaults.AliasCreated
	}
	if cfg.Topics.AccountEvents == "" {
		cfg.Topics.AccountEvents = defaults.AccountEvents
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{cfg: cfg, logger: logger.With("component", "provisioner")}
}

// Run consumes the alias topic until ctx is done.
func (p *Provisioner) Run(ctx context.Context, sub events.Subscriber) error {
	p.logger.Info("provisioner started", "topic", p.cfg.Topics.AliasCreated)
	return sub.Subscribe(ctx, p.cfg.Topics.AliasCreated, p.Handle)
}

// Handle processes one AliasRegistered delivery. A returned error leaves
// the delivery unacknowledged so it is redelivered; malformed events are
// reported as events.Permanent.
func (p *Provisioner) Handle(ctx context.Context, env events.Envelope) error {
	ctx, span := tracer.Start(ctx, "provisioner.Handle")
	defer span.End()

	if env.Type != events.TypeAliasRegistered {
		p.logger.Debug("ignoring event", "type", env.Type, "event_id", env.ID)
		return nil
	}

	var evt events.AliasRegistered
	if err := env.Decode(&evt); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &events.Permanent{Err: err}
	}
	if evt.AliasID == "" {
		return &events.Permanent{Err: fmt.Errorf("event %s has no alias id", env.ID)}
	}
	span.SetAttributes(attribute.String("alias.id", evt.AliasID))

	acct, created, err := p.cfg.Store.CreateAccountIfAbsent(ctx, ledger.NewAccount{
		ID:           uuid.NewString(),
		OwnerAliasID: evt.AliasID,
		BankName:     p.cfg.BankName,
		Balance:      decimal.Zero,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("provisioning failed, event will be redelivered",
			"alias_id", evt.AliasID, "event_id", env.ID, "error", err)
		return fmt.Errorf("provision account for alias %s: %w", evt.AliasID, err)
	}

	if !created {
		p.logger.Info("alias already provisioned", "alias_id", evt.AliasID, "account_id", acct.ID, "state", StateProvisioned)
		return nil
	}

	p.logger.Info("account provisioned",
		"alias_id", evt.AliasID, "account_id", acct.ID,
		"from", StatePending, "to", StateProvisioned)

	if p.cfg.Publisher != nil {
		err := ledger.PublishAccountEvent(ctx, p.cfg.Publisher, p.cfg.Topics.AccountEvents,
			events.TypeAccountCreated, acct, events.AccountEventCreated)
		if err != nil {
			p.logger.Warn("AccountCreated not published", "account_id", acct.ID, "error", err)
		}
	}
	return nil
}

// StateOf reports the provisioning state of aliasID.
func (p *Provisioner) StateOf(ctx context.Context, aliasID string) (State, error) {
	_, err := p.cfg.Store.GetAccountByAlias(ctx, aliasID)
	if err == nil {
		return StateProvisioned, nil
	}
	if errors.Is(err, apperr.ErrAccountNotFound) {
		return StatePending, nil
	}
	return "", err
}
