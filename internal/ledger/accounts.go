package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/alias-ledger/internal/alias"
	"github.com/example/alias-ledger/internal/apperr"
	"github.com/example/alias-ledger/internal/events"
)

// CreateAccountRequest is the direct account-creation input. Provisioned
// accounts never go through it.
type CreateAccountRequest struct {
	AliasName string          `json:"alias"`
	BankName  string          `json:"bank_name"`
	Balance   decimal.Decimal `json:"balance"`
}

// AccountDeps wires an AccountService. Cache and Publisher are optional.
type AccountDeps struct {
	Aliases   AliasLookup
	Store     Store
	Cache     AccountCache
	Publisher events.Publisher
	Topic     string
	Logger    *slog.Logger
}

// AccountService is the account registry facade: direct creation, reads
// and bank-name updates. Balances are never written here.
type AccountService struct {
	deps      AccountDeps
	validator *Validator
	logger    *slog.Logger
}

func NewAccountService(deps AccountDeps) *AccountService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Topic == "" {
		deps.Topic = events.DefaultTopics().AccountEvents
	}
	return &AccountService{
		deps:      deps,
		validator: NewValidator(),
		logger:    logger.With("component", "accounts"),
	}
}

// CreateAccount opens an account for an existing alias with an initial
// balance. It fails with apperr.ErrAccountExists when the alias already
// has one, whichever path created it.
func (s *AccountService) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	if err := alias.ValidateName(req.AliasName); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateBankName(req.BankName).Err(); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateInitialBalance(req.Balance).Err(); err != nil {
		return nil, err
	}

	a, err := s.deps.Aliases.GetAliasByName(ctx, req.AliasName)
	if err != nil {
		return nil, err
	}

	acct, err := s.deps.Store.CreateAccount(ctx, NewAccount{
		ID:           uuid.NewString(),
		OwnerAliasID: a.ID,
		BankName:     req.BankName,
		Balance:      req.Balance,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("create account for alias %s: %w", req.AliasName, err)
	}

	s.publish(ctx, acct, events.TypeAccountCreated, events.AccountEventCreated)
	return acct, nil
}

// GetAccount reads an account, through the cache when one is configured.
func (s *AccountService) GetAccount(ctx context.Context, id string) (*Account, error) {
	if s.deps.Cache != nil {
		acct, ok, err := s.deps.Cache.Get(ctx, id)
		if err != nil {
			s.logger.Warn("account cache read failed", "account_id", id, "error", err)
		} else if ok {
			return acct, nil
		}
	}

	acct, err := s.deps.Store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.deps.Cache != nil {
		s.fill(ctx, acct)
	}
	return acct, nil
}

// fill caches acct, then reads the store again and evicts the entry if
// the account changed meanwhile. An eviction made by a write that landed
// between the first read and the Set is therefore never undone.
func (s *AccountService) fill(ctx context.Context, acct *Account) {
	if err := s.deps.Cache.Set(ctx, acct); err != nil {
		s.logger.Warn("account cache write failed", "account_id", acct.ID, "error", err)
		return
	}
	cur, err := s.deps.Store.GetAccount(ctx, acct.ID)
	if err == nil && sameVersion(cur, acct) {
		return
	}
	if err := s.deps.Cache.Evict(ctx, acct.ID); err != nil {
		s.logger.Warn("stale account cache entry not evicted", "account_id", acct.ID, "error", err)
	}
}

func sameVersion(a, b *Account) bool {
	return a.Balance.Equal(b.Balance) && a.BankName == b.BankName && a.UpdatedAt.Equal(b.UpdatedAt)
}

// GetAccountByAlias returns the account of an alias, or
// apperr.ErrAccountNotProvisioned while provisioning is still pending.
func (s *AccountService) GetAccountByAlias(ctx context.Context, name string) (*Account, error) {
	a, err := s.deps.Aliases.GetAliasByName(ctx, name)
	if err != nil {
		return nil, err
	}
	acct, err := s.deps.Store.GetAccountByAlias(ctx, a.ID)
	if errors.Is(err, apperr.ErrAccountNotFound) {
		return nil, apperr.Wrap(apperr.CodeAccountNotProvisioned,
			fmt.Sprintf("alias %s has no account yet", name), err)
	}
	return acct, err
}

// UpdateBankName changes an account's bank name.
func (s *AccountService) UpdateBankName(ctx context.Context, id, bankName string) (*Account, error) {
	if err := s.validator.ValidateBankName(bankName).Err(); err != nil {
		return nil, err
	}

	acct, err := s.deps.Store.UpdateBankName(ctx, id, bankName)
	if err != nil {
		return nil, err
	}

	if s.deps.Cache != nil {
		if err := s.deps.Cache.Evict(ctx, id); err != nil {
			s.logger.Warn("account cache eviction failed", "account_id", id, "error", err)
		}
	}

	s.publish(ctx, acct, events.TypeAccountUpdated, events.AccountEventUpdated)
	return acct, nil
}

func (s *AccountService) publish(ctx context.Context, acct *Account, typ events.Type, kind string) {
	if s.deps.Publisher == nil {
		return
	}
	err := PublishAccountEvent(ctx, s.deps.Publisher, s.deps.Topic, typ, acct, kind)
	if err != nil {
		s.logger.Warn("account event not published", "account_id", acct.ID, "type", typ, "error", err)
	}
}

// PublishAccountEvent emits an informational account event keyed by
// account id.
func PublishAccountEvent(ctx context.Context, pub events.Publisher, topic string, typ events.Type, acct *Account, kind string) error {
	env, err := events.NewEnvelope(typ, acct.ID, events.AccountEvent{
		AccountID: acct.ID,
		AliasID:   acct.OwnerAliasID,
		EventType: kind,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, events.PublishTimeout)
	defer cancel()
	return pub.Publish(ctx, topic, env)
}
