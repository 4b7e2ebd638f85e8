package ledger

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

	"github.com/example/alias-ledger/internal/alias"
	"github.com/example/alias-ledger/internal/apperr"
	"github.com/example/alias-ledger/internal/events"
	"github.com/example/alias-ledger/pkg/audit"
)

var tracer = otel.Tracer("github.com/example/alias-ledger/internal/ledger")

// AliasLookup resolves alias names.
type AliasLookup interface {
	GetAliasByName(ctx context.Context, name string) (*alias.Alias, error)
}

// AuditTrail receives one event per transfer attempt.
type AuditTrail interface {
	Record(ev audit.Event) (*audit.LogEntry, error)
}

// TransferCommand asks to move Amount from one alias to another.
type TransferCommand struct {
	FromAlias string
	ToAlias   string
	Amount    decimal.Decimal
}

// TransferDeps wires a TransferService. Cache and Audit are optional.
type TransferDeps struct {
	Aliases   AliasLookup
	Store     Store
	Publisher events.Publisher
	Topic     string
	Cache     AccountCache
	Audit     AuditTrail
	Logger    *slog.Logger
}

// TransferService executes transfers between aliases. It holds no state of
// its own; the store is the unit of truth.
type TransferService struct {
	deps      TransferDeps
	validator *Validator
	logger    *slog.Logger
	now       func() time.Time
}

func NewTransferService(deps TransferDeps) *TransferService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Topic == "" {
		deps.Topic = events.DefaultTopics().Transactions
	}
	return &TransferService{
		deps:      deps,
		validator: NewValidator(),
		logger:    logger.With("component", "transfer"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Transfer moves cmd.Amount from cmd.FromAlias's account to cmd.ToAlias's.
//
// Once the money movement starts it runs to completion even if ctx is
// cancelled; an abandoned caller just never sees the recorded outcome.
// A TransferCompleted publish failure is logged and never causes the
// movement to run again.
func (s *TransferService) Transfer(ctx context.Context, cmd TransferCommand) (*Transaction, error) {
	ctx, span := tracer.Start(ctx, "ledger.Transfer")
	defer span.End()

	tx, err := s.transfer(ctx, cmd)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("ledger.error_code", string(apperr.CodeOf(err))))
		return nil, err
	}
	span.SetAttributes(attribute.String("ledger.transaction_id", tx.ID))
	return tx, nil
}

func (s *TransferService) transfer(ctx context.Context, cmd TransferCommand) (*Transaction, error) {
	if err := alias.ValidateName(cmd.FromAlias); err != nil {
		return nil, err
	}
	if err := alias.ValidateName(cmd.ToAlias); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateTransferAmount(cmd.Amount).Err(); err != nil {
		return nil, err
	}
	if cmd.FromAlias == cmd.ToAlias {
		return nil, apperr.ErrSelfTransfer
	}

	sender, err := s.resolve(ctx, cmd.FromAlias)
	if err != nil {
		return nil, err
	}
	receiver, err := s.resolve(ctx, cmd.ToAlias)
	if err != nil {
		return nil, err
	}

	req := TransferRequest{
		TransactionID:     uuid.NewString(),
		SenderAccountID:   sender.ID,
		ReceiverAccountID: receiver.ID,
		Amount:            cmd.Amount,
		Timestamp:         s.now(),
	}
	mctx := context.WithoutCancel(ctx)

	tx, err := s.deps.Store.ApplyTransfer(mctx, req)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrInsufficientFunds):
		s.reject(mctx, req, StatusRejectedInsufficientFunds)
		return nil, err
	case errors.Is(err, apperr.ErrAccountNotFound):
		s.reject(mctx, req, StatusRejectedNotFound)
		return nil, err
	default:
		s.logger.Warn("transfer failed", "transaction_id", req.TransactionID, "error", err)
		return nil, err
	}

	if s.deps.Cache != nil {
		if err := s.deps.Cache.Evict(mctx, tx.SenderAccountID, tx.ReceiverAccountID); err != nil {
			s.logger.Warn("account cache eviction failed", "transaction_id", tx.ID, "error", err)
		}
	}

	s.audit(tx.ID, string(tx.Status), tx)
	s.publishCompleted(mctx, tx)

	s.logger.Info("transfer completed",
		"transaction_id", tx.ID,
		"from_account_id", tx.SenderAccountID,
		"to_account_id", tx.ReceiverAccountID,
		"amount", tx.Amount.StringFixed(MoneyScale))
	return tx, nil
}

// resolve maps an alias name to its account. An alias without an account
// is still inside the provisioning window and reported as retryable.
func (s *TransferService) resolve(ctx context.Context, name string) (*Account, error) {
	a, err := s.deps.Aliases.GetAliasByName(ctx, name)
	if err != nil {
		return nil, err
	}
	acct, err := s.deps.Store.GetAccountByAlias(ctx, a.ID)
	if errors.Is(err, apperr.ErrAccountNotFound) {
		return nil, apperr.Wrap(apperr.CodeAccountNotProvisioned,
			fmt.Sprintf("alias %s has no account yet", name), err)
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// reject records a failed attempt. Losing the record is logged, not
// surfaced: the caller's error is the business outcome.
func (s *TransferService) reject(ctx context.Context, req TransferRequest, status TransactionStatus) {
	tx := &Transaction{
		ID:                req.TransactionID,
		SenderAccountID:   req.SenderAccountID,
		ReceiverAccountID: req.ReceiverAccountID,
		Amount:            req.Amount,
		Timestamp:         req.Timestamp,
		Status:            status,
	}
	if err := s.deps.Store.RecordTransaction(ctx, tx); err != nil {
		s.logger.Error("failed to record rejected transfer", "transaction_id", tx.ID, "status", status, "error", err)
	}
	s.audit(tx.ID, string(status), tx)
	s.logger.Info("transfer rejected", "transaction_id", tx.ID, "status", status)
}

func (s *TransferService) publishCompleted(ctx context.Context, tx *Transaction) {
	if s.deps.Publisher == nil {
		return
	}
	env, err := events.NewEnvelope(events.TypeTransferCompleted, tx.SenderAccountID, events.TransferCompleted{
		TransactionID: tx.ID,
		FromAccountID: tx.SenderAccountID,
		ToAccountID:   tx.ReceiverAccountID,
		Amount:        tx.Amount,
		OccurredAt:    tx.Timestamp,
	})
	if err == nil {
		pctx, cancel := context.WithTimeout(ctx, events.PublishTimeout)
		err = s.deps.Publisher.Publish(pctx, s.deps.Topic, env)
		cancel()
	}
	if err != nil {
		s.logger.Error("transfer applied but TransferCompleted was not published",
			"transaction_id", tx.ID, "topic", s.deps.Topic, "error", err)
	}
}

func (s *TransferService) audit(subject, outcome string, tx *Transaction) {
	if s.deps.Audit == nil {
		return
	}
	_, err := s.deps.Audit.Record(audit.Event{
		Action:  "transfer",
		Subject: subject,
		Outcome: outcome,
		Detail: map[string]string{
			"from_account_id": tx.SenderAccountID,
			"to_account_id":   tx.ReceiverAccountID,
			"amount":          tx.Amount.StringFixed(MoneyScale),
		},
	})
	if err != nil {
		s.logger.Error("audit record failed", "transaction_id", tx.ID, "error", err)
	}
}

// GetTransaction returns a recorded transfer attempt.
func (s *TransferService) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return s.deps.Store.GetTransaction(ctx, id)
}
