// Package memory is an in-process implementation of the alias registry and
// the ledger store. Each account has its own lock; transfers take the two
// locks in ascending account-id order with a bounded wait.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/example/alias-ledger/internal/alias"
	"github.com/example/alias-ledger/internal/apperr"
	"github.com/example/alias-ledger/internal/ledger"
)

const defaultLockTimeout = 2 * time.Second

type accountRow struct {
	id string
	// lock serialises writers of this account; mu guards acct for short
	// reads and the final write.
	lock *semaphore.Weighted
	mu   sync.Mutex
	acct ledger.Account
}

func (r *accountRow) snapshot() *ledger.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.acct
	return &cp
}

// Store keeps aliases, accounts and transactions in maps.
type Store struct {
	lockTimeout time.Duration

	mu          sync.RWMutex
	aliases     map[string]alias.Alias
	aliasByName map[string]string
	accounts    map[string]*accountRow
	byAlias     map[string]string

	txMu sync.RWMutex
	txs  map[string]ledger.Transaction
}

var (
	_ alias.Store  = (*Store)(nil)
	_ ledger.Store = (*Store)(nil)
)

// New returns an empty store. lockTimeout bounds how long a mutation waits
// for an account lock; zero selects the default.
func New(lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &Store{
		lockTimeout: lockTimeout,
		aliases:     make(map[string]alias.Alias),
		aliasByName: make(map[string]string),
		accounts:    make(map[string]*accountRow),
		byAlias:     make(map[string]string),
		txs:         make(map[string]ledger.Transaction),
	}
}

func (s *Store) CreateAlias(_ context.Context, a *alias.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.aliasByName[a.Name]; taken {
		return apperr.New(apperr.CodeDuplicateAlias, fmt.Sprintf("alias %s already exists", a.Name))
	}
	s.aliases[a.ID] = *a
	s.aliasByName[a.Name] = a.ID
	return nil
}

func (s *Store) GetAliasByName(_ context.Context, name string) (*alias.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.aliasByName[name]
	if !ok {
		return nil, apperr.New(apperr.CodeAliasNotFound, fmt.Sprintf("alias %s not found", name))
	}
	a := s.aliases[id]
	return &a, nil
}

func (s *Store) GetAliasByID(_ context.Context, id string) (*alias.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.aliases[id]
	if !ok {
		return nil, apperr.New(apperr.CodeAliasNotFound, fmt.Sprintf("alias %s not found", id))
	}
	return &a, nil
}

func (s *Store) row(id string) (*accountRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.accounts[id]
	if !ok {
		return nil, apperr.New(apperr.CodeAccountNotFound, fmt.Sprintf("account %s not found", id))
	}
	return r, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (*ledger.Account, error) {
	r, err := s.row(id)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

func (s *Store) GetAccountByAlias(_ context.Context, aliasID string) (*ledger.Account, error) {
	s.mu.RLock()
	id, ok := s.byAlias[aliasID]
	r := s.accounts[id]
	s.mu.RUnlock()

	if !ok {
		return nil, apperr.New(apperr.CodeAccountNotFound, fmt.Sprintf("no account for alias %s", aliasID))
	}
	return r.snapshot(), nil
}

// insert adds the account unless the alias already owns one, which it
// returns instead. The owner check and the insert share one critical
// section, standing in for a unique constraint.
func (s *Store) insert(na ledger.NewAccount) (*accountRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byAlias[na.OwnerAliasID]; ok {
		return s.accounts[id], false
	}
	r := &accountRow{
		id:   na.ID,
		lock: semaphore.NewWeighted(1),
		acct: ledger.Account{
			ID:           na.ID,
			OwnerAliasID: na.OwnerAliasID,
			BankName:     na.BankName,
			Balance:      na.Balance,
			CreatedAt:    na.CreatedAt,
			UpdatedAt:    na.CreatedAt,
		},
	}
	s.accounts[na.ID] = r
	s.byAlias[na.OwnerAliasID] = na.ID
	return r, true
}

func (s *Store) CreateAccountIfAbsent(_ context.Context, na ledger.NewAccount) (*ledger.Account, bool, error) {
	r, created := s.insert(na)
	return r.snapshot(), created, nil
}

func (s *Store) CreateAccount(_ context.Context, na ledger.NewAccount) (*ledger.Account, error) {
	r, created := s.insert(na)
	if !created {
		return nil, apperr.New(apperr.CodeAccountExists, fmt.Sprintf("alias %s already has an account", na.OwnerAliasID))
	}
	return r.snapshot(), nil
}

func (s *Store) UpdateBankName(ctx context.Context, id, bankName string) (*ledger.Account, error) {
	r, err := s.row(id)
	if err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, r)
	if err != nil {
		return nil, err
	}
	defer release()

	r.mu.Lock()
	r.acct.BankName = bankName
	r.acct.UpdatedAt = time.Now().UTC()
	cp := r.acct
	r.mu.Unlock()
	return &cp, nil
}

// ApplyTransfer checks funds and moves money while holding both account
// locks, then appends the COMPLETED row before releasing them.
func (s *Store) ApplyTransfer(ctx context.Context, req ledger.TransferRequest) (*ledger.Transaction, error) {
	if req.SenderAccountID == req.ReceiverAccountID {
		return nil, apperr.ErrSelfTransfer
	}
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation("transfer amount must be greater than zero")
	}

	sender, err := s.row(req.SenderAccountID)
	if err != nil {
		return nil, err
	}
	receiver, err := s.row(req.ReceiverAccountID)
	if err != nil {
		return nil, err
	}

	first, second := sender, receiver
	if req.ReceiverAccountID < req.SenderAccountID {
		first, second = receiver, sender
	}
	releaseFirst, err := s.acquire(ctx, first)
	if err != nil {
		return nil, err
	}
	defer releaseFirst()
	releaseSecond, err := s.acquire(ctx, second)
	if err != nil {
		return nil, err
	}
	defer releaseSecond()

	sender.mu.Lock()
	if sender.acct.Balance.LessThan(req.Amount) {
		have := sender.acct.Balance
		sender.mu.Unlock()
		return nil, apperr.New(apperr.CodeInsufficientFunds,
			fmt.Sprintf("account %s has %s, needs %s", req.SenderAccountID,
				have.StringFixed(ledger.MoneyScale), req.Amount.StringFixed(ledger.MoneyScale)))
	}
	sender.acct.Balance = sender.acct.Balance.Sub(req.Amount)
	sender.acct.UpdatedAt = req.Timestamp
	sender.mu.Unlock()

	receiver.mu.Lock()
	receiver.acct.Balance = receiver.acct.Balance.Add(req.Amount)
	receiver.acct.UpdatedAt = req.Timestamp
	receiver.mu.Unlock()

	tx := ledger.Transaction{
		ID:                req.TransactionID,
		SenderAccountID:   req.SenderAccountID,
		ReceiverAccountID: req.ReceiverAccountID,
		Amount:            req.Amount,
		Timestamp:         req.Timestamp,
		Status:            ledger.StatusCompleted,
	}
	s.txMu.Lock()
	s.txs[tx.ID] = tx
	s.txMu.Unlock()
	return &tx, nil
}

// acquire waits up to the lock timeout for r's lock.
func (s *Store) acquire(ctx context.Context, r *accountRow) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	if err := r.lock.Acquire(lctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, apperr.Wrap(apperr.CodeLockTimeout,
				fmt.Sprintf("account %s lock not acquired within %s", r.id, s.lockTimeout), err)
		}
		return nil, err
	}
	return func() { r.lock.Release(1) }, nil
}

func (s *Store) RecordTransaction(_ context.Context, tx *ledger.Transaction) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if _, exists := s.txs[tx.ID]; exists {
		return fmt.Errorf("transaction %s already recorded", tx.ID)
	}
	s.txs[tx.ID] = *tx
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*ledger.Transaction, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()

	tx, ok := s.txs[id]
	if !ok {
		return nil, apperr.New(apperr.CodeTransactionNotFound, fmt.Sprintf("transaction %s not found", id))
	}
	return &tx, nil
}

// Transactions returns every recorded transaction, in no particular order.
func (s *Store) Transactions() []ledger.Transaction {
	s.txMu.RLock()
	defer s.txMu.RUnlock()

	out := make([]ledger.Transaction, 0, len(s.txs))
	for _, tx := range s.txs {
		out = append(out, tx)
	}
	return out
}
