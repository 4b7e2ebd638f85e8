// Package ledger holds accounts and the balance-mutation protocol: every
// debit and credit goes through Store.ApplyTransfer, which checks funds and
// moves money in one atomic step.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Account is the balance-holding record bound 1:1 to an alias.
type Account struct {
	ID           string          `json:"id"`
	OwnerAliasID string          `json:"owner_alias_id"`
	BankName     string          `json:"bank_name"`
	Balance      decimal.Decimal `json:"balance"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TransactionStatus is the outcome of one transfer attempt.
type TransactionStatus string

const (
	StatusCompleted                 TransactionStatus = "COMPLETED"
	StatusRejectedInsufficientFunds TransactionStatus = "REJECTED_INSUFFICIENT_FUNDS"
	StatusRejectedNotFound          TransactionStatus = "REJECTED_NOT_FOUND"
)

// Transaction records one transfer attempt. Rows are append-only.
type Transaction struct {
	ID                string            `json:"id"`
	SenderAccountID   string            `json:"sender_account_id"`
	ReceiverAccountID string            `json:"receiver_account_id"`
	Amount            decimal.Decimal   `json:"amount"`
	Timestamp         time.Time         `json:"timestamp"`
	Status            TransactionStatus `json:"status"`
}

// NewAccount describes an account to create.
type NewAccount struct {
	ID           string
	OwnerAliasID string
	BankName     string
	Balance      decimal.Decimal
	CreatedAt    time.Time
}

// TransferRequest is the input of one atomic money movement.
type TransferRequest struct {
	TransactionID     string
	SenderAccountID   string
	ReceiverAccountID string
	Amount            decimal.Decimal
	Timestamp         time.Time
}

// Store is the sole owner of account and transaction rows.
//
// ApplyTransfer must check the sender's funds and apply the debit, the
// credit and the COMPLETED transaction row as one indivisible step. Any
// per-account locks are taken in ascending account-id order and waits are
// bounded, failing with apperr.ErrLockTimeout. It fails with
// apperr.ErrSelfTransfer, apperr.ErrAccountNotFound or
// apperr.ErrInsufficientFunds without mutating anything.
//
// CreateAccountIfAbsent relies on a uniqueness constraint on the owner
// alias: concurrent calls for one alias create a single row, and every
// caller gets that row back. created reports whether this call inserted it.
type Store interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByAlias(ctx context.Context, aliasID string) (*Account, error)
	CreateAccountIfAbsent(ctx context.Context, a NewAccount) (acct *Account, created bool, err error)
	CreateAccount(ctx context.Context, a NewAccount) (*Account, error)
	UpdateBankName(ctx context.Context, id, bankName string) (*Account, error)
	ApplyTransfer(ctx context.Context, req TransferRequest) (*Transaction, error)
	RecordTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
}

// AccountCache is an optional read-through cache for GetAccount. It never
// takes part in transfers.
type AccountCache interface {
	Get(ctx context.Context, id string) (*Account, bool, error)
	Set(ctx context.Context, a *Account) error
	Evict(ctx context.Context, ids ...string) error
}
