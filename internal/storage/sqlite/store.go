// Package sqlite implements the alias registry and the ledger store on
// SQLite. Write transactions start IMMEDIATE, so a transfer holds the
// database write lock from its first statement; waits are bounded by the
// busy timeout. Money is stored as integer cents.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/example/alias-ledger/internal/alias"
	"github.com/example/alias-ledger/internal/apperr"
	"github.com/example/alias-ledger/internal/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS aliases (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	credential_hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	owner_alias_id TEXT NOT NULL UNIQUE,
	bank_name TEXT NOT NULL,
	balance_minor INTEGER NOT NULL CHECK (balance_minor >= 0),
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	sender_account_id TEXT NOT NULL,
	receiver_account_id TEXT NOT NULL,
	amount_minor INTEGER NOT NULL CHECK (amount_minor > 0),
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_sender ON transactions(sender_account_id);
CREATE INDEX IF NOT EXISTS idx_transactions_receiver ON transactions(receiver_account_id);
`

type Store struct {
	db *sql.DB
}

var (
	_ alias.Store  = (*Store)(nil)
	_ ledger.Store = (*Store)(nil)
)

// Open opens the database at path (":memory:" for a private in-memory
// database) and applies the schema. busyTimeout bounds lock waits.
func Open(ctx context.Context, path string, busyTimeout time.Duration) (*Store, error) {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Set("_busy_timeout", fmt.Sprint(busyTimeout.Milliseconds()))
	q.Set("_journal_mode", "WAL")

	db, err := sql.Open("sqlite3", path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. Call Migrate before use.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// mapErr classifies driver errors. Unique violations are handled by the
// callers, which know what was duplicated.
func mapErr(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.Code == sqlite3.ErrBusy, se.Code == sqlite3.ErrLocked:
			return apperr.Wrap(apperr.CodeLockTimeout, op, err)
		case se.Code == sqlite3.ErrCantOpen, se.Code == sqlite3.ErrIoErr, se.Code == sqlite3.ErrFull:
			return apperr.Wrap(apperr.CodeStorageUnavailable, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnique(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func toMinor(d decimal.Decimal) int64 {
	return d.Shift(ledger.MoneyScale).IntPart()
}

func fromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -ledger.MoneyScale)
}

func (s *Store) CreateAlias(ctx context.Context, a *alias.Alias) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO aliases (id, name, credential_hash, created_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.Name, a.CredentialHash, a.CreatedAt)
	if isUnique(err) {
		return apperr.Wrap(apperr.CodeDuplicateAlias, fmt.Sprintf("alias %s already exists", a.Name), err)
	}
	if err != nil {
		return mapErr("insert alias", err)
	}
	return nil
}

func (s *Store) getAlias(ctx context.Context, column, value string) (*alias.Alias, error) {
	var a alias.Alias
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, credential_hash, created_at FROM aliases WHERE `+column+` = ?`, value,
	).Scan(&a.ID, &a.Name, &a.CredentialHash, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
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

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanAccount(ctx context.Context, q querier, column, value string) (*ledger.Account, error) {
	var (
		a     ledger.Account
		minor int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, owner_alias_id, bank_name, balance_minor, created_at, updated_at
		FROM accounts WHERE `+column+` = ?`, value,
	).Scan(&a.ID, &a.OwnerAliasID, &a.BankName, &minor, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeAccountNotFound, fmt.Sprintf("account %s=%s not found", column, value))
	}
	if err != nil {
		return nil, mapErr("get account", err)
	}
	a.Balance = fromMinor(minor)
	return &a, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	return scanAccount(ctx, s.db, "id", id)
}

func (s *Store) GetAccountByAlias(ctx context.Context, aliasID string) (*ledger.Account, error) {
	return scanAccount(ctx, s.db, "owner_alias_id", aliasID)
}

// CreateAccountIfAbsent inserts with ON CONFLICT DO NOTHING on the owner
// alias and reads back whichever row won.
func (s *Store) CreateAccountIfAbsent(ctx context.Context, na ledger.NewAccount) (*ledger.Account, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_alias_id, bank_name, balance_minor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_alias_id) DO NOTHING`,
		na.ID, na.OwnerAliasID, na.BankName, toMinor(na.Balance), na.CreatedAt, na.CreatedAt)
	if err != nil {
		return nil, false, mapErr("insert account", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, mapErr("insert account", err)
	}

	acct, err := s.GetAccountByAlias(ctx, na.OwnerAliasID)
	if err != nil {
		return nil, false, err
	}
	return acct, n == 1, nil
}

func (s *Store) CreateAccount(ctx context.Context, na ledger.NewAccount) (*ledger.Account, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_alias_id, bank_name, balance_minor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		na.ID, na.OwnerAliasID, na.BankName, toMinor(na.Balance), na.CreatedAt, na.CreatedAt)
	if isUnique(err) {
		return nil, apperr.Wrap(apperr.CodeAccountExists, fmt.Sprintf("alias %s already has an account", na.OwnerAliasID), err)
	}
	if err != nil {
		return nil, mapErr("insert account", err)
	}
	return s.GetAccount(ctx, na.ID)
}

func (s *Store) UpdateBankName(ctx context.Context, id, bankName string) (*ledger.Account, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET bank_name = ?, updated_at = ? WHERE id = ?`,
		bankName, time.Now().UTC(), id)
	if err != nil {
		return nil, mapErr("update bank name", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.New(apperr.CodeAccountNotFound, fmt.Sprintf("account %s not found", id))
	}
	return s.GetAccount(ctx, id)
}

// ApplyTransfer runs the conditional debit, the credit and the COMPLETED
// row in one transaction.
func (s *Store) ApplyTransfer(ctx context.Context, req ledger.TransferRequest) (*ledger.Transaction, error) {
	if req.SenderAccountID == req.ReceiverAccountID {
		return nil, apperr.ErrSelfTransfer
	}
	amount := toMinor(req.Amount)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapErr("begin transfer", err)
	}
	defer tx.Rollback()

	var found int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE id IN (?, ?)`,
		req.SenderAccountID, req.ReceiverAccountID).Scan(&found)
	if err != nil {
		return nil, mapErr("lock accounts", err)
	}
	if found != 2 {
		return nil, apperr.New(apperr.CodeAccountNotFound,
			fmt.Sprintf("account %s or %s not found", req.SenderAccountID, req.ReceiverAccountID))
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance_minor = balance_minor - ?, updated_at = ?
		WHERE id = ? AND balance_minor >= ?`,
		amount, req.Timestamp, req.SenderAccountID, amount)
	if err != nil {
		return nil, mapErr("debit sender", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, mapErr("debit sender", err)
	} else if n == 0 {
		return nil, apperr.New(apperr.CodeInsufficientFunds,
			fmt.Sprintf("account %s cannot cover %s", req.SenderAccountID, req.Amount.StringFixed(ledger.MoneyScale)))
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance_minor = balance_minor + ?, updated_at = ? WHERE id = ?`,
		amount, req.Timestamp, req.ReceiverAccountID); err != nil {
		return nil, mapErr("credit receiver", err)
	}

	record := &ledger.Transaction{
		ID:                req.TransactionID,
		SenderAccountID:   req.SenderAccountID,
		ReceiverAccountID: req.ReceiverAccountID,
		Amount:            req.Amount,
		Timestamp:         req.Timestamp,
		Status:            ledger.StatusCompleted,
	}
	if err := insertTransaction(ctx, tx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapErr("commit transfer", err)
	}
	return record, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTransaction(ctx context.Context, e execer, t *ledger.Transaction) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO transactions (id, sender_account_id, receiver_account_id, amount_minor, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.SenderAccountID, t.ReceiverAccountID, toMinor(t.Amount), string(t.Status), t.Timestamp)
	if isUnique(err) {
		return fmt.Errorf("transaction %s already recorded: %w", t.ID, err)
	}
	if err != nil {
		return mapErr("insert transaction", err)
	}
	return nil
}

func (s *Store) RecordTransaction(ctx context.Context, t *ledger.Transaction) error {
	return insertTransaction(ctx, s.db, t)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	var (
		t      ledger.Transaction
		minor  int64
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sender_account_id, receiver_account_id, amount_minor, status, created_at
		FROM transactions WHERE id = ?`, id,
	).Scan(&t.ID, &t.SenderAccountID, &t.ReceiverAccountID, &minor, &status, &t.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.CodeTransactionNotFound, fmt.Sprintf("transaction %s not found", id))
	}
	if err != nil {
		return nil, mapErr("get transaction", err)
	}
	t.Amount = fromMinor(minor)
	t.Status = ledger.TransactionStatus(status)
	return &t, nil
}
