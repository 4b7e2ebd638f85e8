// Package postgres implements the alias registry and the ledger store on
// PostgreSQL with pgx.
//
// A transfer is one transaction: both account rows are locked with
// SELECT ... FOR UPDATE in ascending id order, the debit is a conditional
// UPDATE guarded by balance >= amount, then the credit and the COMPLETED
// row follow. lock_timeout bounds every lock wait.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/example/alias-ledger/internal/alias"
	"github.com/example/alias-ledger/internal/apperr"
	"github.com/example/alias-ledger/internal/ledger"
)

// Schema creates the tables the store needs.
const Schema = `
CREATE TABLE IF NOT EXISTS aliases (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	credential_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT aliases_name_key UNIQUE (name)
);

CREATE TABLE IF NOT EXISTS accounts (
	id UUID PRIMARY KEY,
	owner_alias_id UUID NOT NULL,
	bank_name TEXT NOT NULL,
	balance NUMERIC(19, 2) NOT NULL CHECK (balance >= 0),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT accounts_owner_alias_id_key UNIQUE (owner_alias_id)
);

CREATE TABLE IF NOT EXISTS transactions (
	id UUID PRIMARY KEY,
	sender_account_id UUID NOT NULL,
	receiver_account_id UUID NOT NULL,
	amount NUMERIC(19, 2) NOT NULL CHECK (amount > 0),
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_sender ON transactions (sender_account_id);
CREATE INDEX IF NOT EXISTS idx_transactions_receiver ON transactions (receiver_account_id);
`

const (
	queryTimeout = 5 * time.Second
	maxRetries   = 3
)

// Store is the PostgreSQL ledger store.
type Store struct {
	Pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var (
	_ alias.Store  = (*Store)(nil)
	_ ledger.Store = (*Store)(nil)
)

// New wraps pool. lockTimeout is applied to each transfer transaction.
func New(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &Store{Pool: pool, lockTimeout: lockTimeout}
}

// Connect opens a pool for databaseURL and verifies it.
func Connect(ctx context.Context, databaseURL string, lockTimeout time.Duration) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, apperr.Wrap(apperr.CodeStorageUnavailable, "ping postgres", err)
	}
	return New(pool, lockTimeout), nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// pgCode returns the SQLSTATE of err, if any.
func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isRetryable(err error) bool {
	switch pgCode(err) {
	case "40001", "40P01":
		return true
	}
	return false
}

// mapErr classifies driver errors. Unique violations are handled by the
// callers, which know what was duplicated.
func mapErr(op string, err error) error {
	switch pgCode(err) {
	case "55P03", "57014":
		return apperr.Wrap(apperr.CodeLockTimeout, op, err)
	case "40001", "40P01":
		return apperr.Wrap(apperr.CodeStorageUnavailable, op+": retries exhausted", err)
	case "08000", "08003", "08006", "57P01", "53300":
		return apperr.Wrap(apperr.CodeStorageUnavailable, op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return apperr.Wrap(apperr.CodeStorageUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// withRetry runs fn, retrying serialization failures and deadlocks with a
// short exponential backoff.
func withRetry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && !isRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxRetries),
	)
	return err
}

func (s *Store) CreateAlias(ctx context.Context, a *alias.Alias) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.Pool.Exec(queryCtx,
		`INSERT INTO aliases (id, name, credential_hash, created_at) VALUES ($1, $2, $3, $4)`,
		a.ID, a.Name, a.CredentialHash, a.CreatedAt)
	if pgCode(err) == "23505" {
		return apperr.Wrap(apperr.CodeDuplicateAlias, fmt.Sprintf("alias %s already exists", a.Name), err)
	}
	if err != nil {
		return mapErr("insert alias", err)
	}
	return nil
}

func (s *Store) getAlias(ctx context.Context, column, value string) (*alias.Alias, error) {
	if column == "id" && !isUUID(value) {
		return nil, apperr.New(apperr.CodeAliasNotFound, fmt.Sprintf("alias %s not found", value))
	}
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var a alias.Alias
	err := s.Pool.QueryRow(queryCtx,
		`SELECT id::text, name, credential_hash, created_at FROM aliases WHERE `+column+` = $1`, value,
	).Scan(&a.ID, &a.Name, &a.CredentialHash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeAliasNotFound, fmt.Sprintf("alias %s not found", value))
	}
	if err != nil {
		return nil, mapErr("get alias", err)
	}
	return &a, nil
}

func (s *Store) GetAliasByName(ctx context.Context, name string) (*alias.Alias, error) {
	return s.getAlias(ctx, "name", name)
}

func (s *Store) GetAliasByID(ctx context.Context, id string) (*alias.Alias, error) {
	return s.getAlias(ctx, "id", id)
}

const accountColumns = `id::text, owner_alias_id::text, bank_name, balance::text, created_at, updated_at`

func scanAccount(row pgx.Row) (*ledger.Account, error) {
	var (
		a       ledger.Account
		balance string
	)
	if err := row.Scan(&a.ID, &a.OwnerAliasID, &a.BankName, &balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	b, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance %q: %w", balance, err)
	}
	a.Balance = b
	return &a, nil
}

func (s *Store) getAccount(ctx context.Context, column, value string) (*ledger.Account, error) {
	if !isUUID(value) {
		return nil, apperr.New(apperr.CodeAccountNotFound, fmt.Sprintf("account %s not found", value))
	}
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	acct, err := scanAccount(s.Pool.QueryRow(queryCtx,
		`SELECT `+accountColumns+` FROM accounts WHERE `+column+` = $1`, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeAccountNotFound, fmt.Sprintf("account %s not found", value))
	}
	if err != nil {
		return nil, mapErr("get account", err)
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	return s.getAccount(ctx, "id", id)
}

func (s *Store) GetAccountByAlias(ctx context.Context, aliasID string) (*ledger.Account, error) {
	return s.getAccount(ctx, "owner_alias_id", aliasID)
}

// CreateAccountIfAbsent relies on accounts_owner_alias_id_key: the losing
// insert does nothing and the existing row is read back.
func (s *Store) CreateAccountIfAbsent(ctx context.Context, na ledger.NewAccount) (*ledger.Account, bool, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	acct, err := scanAccount(s.Pool.QueryRow(queryCtx, `
		INSERT INTO accounts (id, owner_alias_id, bank_name, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $5)
		ON CONFLICT (owner_alias_id) DO NOTHING
		RETURNING `+accountColumns,
		na.ID, na.OwnerAliasID, na.BankName, na.Balance.StringFixed(ledger.MoneyScale), na.CreatedAt))
	if err == nil {
		return acct, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, mapErr("insert account", err)
	}

	acct, err = s.GetAccountByAlias(ctx, na.OwnerAliasID)
	if err != nil {
		return nil, false, err
	}
	return acct, false, nil
}

func (s *Store) CreateAccount(ctx context.Context, na ledger.NewAccount) (*ledger.Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	acct, err := scanAccount(s.Pool.QueryRow(queryCtx, `
		INSERT INTO accounts (id, owner_alias_id, bank_name, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $5)
		RETURNING `+accountColumns,
		na.ID, na.OwnerAliasID, na.BankName, na.Balance.StringFixed(ledger.MoneyScale), na.CreatedAt))
	if pgCode(err) == "23505" {
		return nil, apperr.Wrap(apperr.CodeAccountExists, fmt.Sprintf("alias %s already has an account", na.OwnerAliasID), err)
	}
	if err != nil {
		return nil, mapErr("insert account", err)
	}
	return acct, nil
}

func (s *Store) UpdateBankName(ctx context.Context, id, bankName string) (*ledger.Account, error) {
	if !isUUID(id) {
		return nil, apperr.New(apperr.CodeAccountNotFound, fmt.Sprintf("account %s not found", id))
	}
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	acct, err := scanAccount(s.Pool.QueryRow(queryCtx, `
		UPDATE accounts SET bank_name = $1, updated_at = now()
		WHERE id = $2
		RETURNING `+accountColumns, bankName, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeAccountNotFound, fmt.Sprintf("account %s not found", id))
	}
	if err != nil {
		return nil, mapErr("update bank name", err)
	}
	return acct, nil
}

// ApplyTransfer retries serialization failures and deadlocks; business
// rejections are returned as-is.
func (s *Store) ApplyTransfer(ctx context.Context, req ledger.TransferRequest) (*ledger.Transaction, error) {
	if req.SenderAccountID == req.ReceiverAccountID {
		return nil, apperr.ErrSelfTransfer
	}
	if !isUUID(req.SenderAccountID) || !isUUID(req.ReceiverAccountID) {
		return nil, apperr.New(apperr.CodeAccountNotFound,
			fmt.Sprintf("account %s or %s not found", req.SenderAccountID, req.ReceiverAccountID))
	}

	var record *ledger.Transaction
	err := withRetry(ctx, func() error {
		var err error
		record, err = s.applyTransfer(ctx, req)
		return err
	})
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, mapErr("apply transfer", err)
	}
	return record, nil
}

func (s *Store) applyTransfer(ctx context.Context, req ledger.TransferRequest) (*ledger.Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout+s.lockTimeout)
	defer cancel()

	tx, err := s.Pool.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if _, err := tx.Exec(queryCtx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return nil, fmt.Errorf("failed to set lock timeout: %w", err)
	}

	rows, err := tx.Query(queryCtx,
		`SELECT id::text FROM accounts WHERE id IN ($1, $2) ORDER BY id FOR UPDATE`,
		req.SenderAccountID, req.ReceiverAccountID)
	if err != nil {
		return nil, err
	}
	locked, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if len(locked) != 2 {
		return nil, apperr.New(apperr.CodeAccountNotFound,
			fmt.Sprintf("account %s or %s not found", req.SenderAccountID, req.ReceiverAccountID))
	}

	amount := req.Amount.StringFixed(ledger.MoneyScale)
	tag, err := tx.Exec(queryCtx, `
		UPDATE accounts SET balance = balance - $1::numeric, updated_at = $2
		WHERE id = $3 AND balance >= $1::numeric`,
		amount, req.Timestamp, req.SenderAccountID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, apperr.New(apperr.CodeInsufficientFunds,
			fmt.Sprintf("account %s cannot cover %s", req.SenderAccountID, amount))
	}

	if _, err := tx.Exec(queryCtx,
		`UPDATE accounts SET balance = balance + $1::numeric, updated_at = $2 WHERE id = $3`,
		amount, req.Timestamp, req.ReceiverAccountID); err != nil {
		return nil, err
	}

	record := &ledger.Transaction{
		ID:                req.TransactionID,
		SenderAccountID:   req.SenderAccountID,
		ReceiverAccountID: req.ReceiverAccountID,
		Amount:            req.Amount,
		Timestamp:         req.Timestamp,
		Status:            ledger.StatusCompleted,
	}
	if err := insertTransaction(queryCtx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(queryCtx); err != nil {
		return nil, err
	}
	return record, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertTransaction(ctx context.Context, e execer, t *ledger.Transaction) error {
	_, err := e.Exec(ctx, `
		INSERT INTO transactions (id, sender_account_id, receiver_account_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)`,
		t.ID, t.SenderAccountID, t.ReceiverAccountID, t.Amount.StringFixed(ledger.MoneyScale), string(t.Status), t.Timestamp)
	return err
}

func (s *Store) RecordTransaction(ctx context.Context, t *ledger.Transaction) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	err := insertTransaction(queryCtx, s.Pool, t)
	if pgCode(err) == "23505" {
		return fmt.Errorf("transaction %s already recorded: %w", t.ID, err)
	}
	if err != nil {
		return mapErr("insert transaction", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	if !isUUID(id) {
		return nil, apperr.New(apperr.CodeTransactionNotFound, fmt.Sprintf("transaction %s not found", id))
	}
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		t              ledger.Transaction
		amount, status string
	)
	err := s.Pool.QueryRow(queryCtx, `
		SELECT id::text, sender_account_id::text, receiver_account_id::text, amount::text, status, created_at
		FROM transactions WHERE id = $1`, id,
	).Scan(&t.ID, &t.SenderAccountID, &t.ReceiverAccountID, &amount, &status, &t.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeTransactionNotFound, fmt.Sprintf("transaction %s not found", id))
	}
	if err != nil {
		return nil, mapErr("get transaction", err)
	}
	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	t.Status = ledger.TransactionStatus(status)
	return &t, nil
}
