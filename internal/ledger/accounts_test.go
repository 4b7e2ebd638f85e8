package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/alias-ledger/internal/apperr"
	"github.com/example/alias-ledger/internal/events"
	"github.com/example/alias-ledger/internal/ledger"
)

type mapCache struct {
	mu      sync.Mutex
	entries map[string]ledger.Account
	hits    int
}

func newMapCache() *mapCache { return &mapCache{entries: map[string]ledger.Account{}} }

func (c *mapCache) Get(_ context.Context, id string) (*ledger.Account, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.entries[id]
	if ok {
		c.hits++
	}
	return &a, ok, nil
}

func (c *mapCache) Set(_ context.Context, a *ledger.Account) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[a.ID] = *a
	return nil
}

func (c *mapCache) Evict(_ context.Context, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.entries, id)
	}
	return nil
}

func TestCreateAccountDirectly(t *testing.T) {
	h := newHarness(t)
	h.alias(t, "alice")
	ctx := context.Background()

	acct, err := h.accounts.CreateAccount(ctx, ledger.CreateAccountRequest{AliasName: "alice", BankName: "Acme Bank", Balance: amount("12.50")})
	require.NoError(t, err)
	assert.Equal(t, "alias-alice", acct.OwnerAliasID)

	_, err = h.accounts.CreateAccount(ctx, ledger.CreateAccountRequest{AliasName: "alice", BankName: "Acme Bank", Balance: amount("1")})
	assert.True(t, errors.Is(err, apperr.ErrAccountExists))

	_, err = h.accounts.CreateAccount(ctx, ledger.CreateAccountRequest{AliasName: "nobody", BankName: "Acme Bank", Balance: amount("1")})
	assert.True(t, errors.Is(err, apperr.ErrAliasNotFound))

	published := h.bus.Published(events.DefaultTopics().AccountEvents)
	require.Len(t, published, 1)
	assert.Equal(t, events.TypeAccountCreated, published[0].Type)
}

func TestCreateAccountValidation(t *testing.T) {
	h := newHarness(t)
	h.alias(t, "alice")
	ctx := context.Background()

	for _, req := range []ledger.CreateAccountRequest{
		{AliasName: "alice", BankName: "A", Balance: amount("1")},
		{AliasName: "alice", BankName: "Acme", Balance: amount("-1")},
		{AliasName: "alice", BankName: "Acme", Balance: amount("1.005")},
		{AliasName: "", BankName: "Acme", Balance: amount("1")},
	} {
		_, err := h.accounts.CreateAccount(ctx, req)
		assert.True(t, errors.Is(err, apperr.ErrValidation), "%+v: %v", req, err)
	}
}

func TestGetAccountReadsThroughCache(t *testing.T) {
	h := newHarness(t)
	cache := newMapCache()
	svc := ledger.NewAccountService(ledger.AccountDeps{Aliases: h.store, Store: h.store, Cache: cache})
	transfers := ledger.NewTransferService(ledger.TransferDeps{Aliases: h.store, Store: h.store, Cache: cache})
	alice := h.account(t, "alice", "100")
	h.account(t, "bob", "0")
	ctx := context.Background()

	_, err := svc.GetAccount(ctx, alice.ID)
	require.NoError(t, err)
	got, err := svc.GetAccount(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assert.True(t, got.Balance.Equal(amount("100")))

	_, err = transfers.Transfer(ctx, ledger.TransferCommand{FromAlias: "alice", ToAlias: "bob", Amount: amount("25")})
	require.NoError(t, err)

	got, err = svc.GetAccount(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(amount("75")))

	_, err = svc.GetAccount(ctx, "missing")
	assert.True(t, errors.Is(err, apperr.ErrAccountNotFound))
}

func TestUpdateBankName(t *testing.T) {
	h := newHarness(t)
	cache := newMapCache()
	svc := ledger.NewAccountService(ledger.AccountDeps{Aliases: h.store, Store: h.store, Cache: cache, Publisher: h.bus})
	alice := h.account(t, "alice", "100")
	ctx := context.Background()

	_, err := svc.GetAccount(ctx, alice.ID)
	require.NoError(t, err)

	updated, err := svc.UpdateBankName(ctx, alice.ID, "Second Bank")
	require.NoError(t, err)
	assert.Equal(t, "Second Bank", updated.BankName)
	assert.True(t, updated.Balance.Equal(amount("100")))

	got, err := svc.GetAccount(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "Second Bank", got.BankName)

	_, err = svc.UpdateBankName(ctx, alice.ID, " ")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = svc.UpdateBankName(ctx, "missing", "Second Bank")
	assert.True(t, errors.Is(err, apperr.ErrAccountNotFound))

	var types []events.Type
	for _, env := range h.bus.Published(events.DefaultTopics().AccountEvents) {
		types = append(types, env.Type)
	}
	assert.Equal(t, []events.Type{events.TypeAccountCreated, events.TypeAccountUpdated}, types)
}

func TestGetAccountByAliasPending(t *testing.T) {
	h := newHarness(t)
	h.alias(t, "pending")

	_, err := h.accounts.GetAccountByAlias(context.Background(), "pending")
	assert.True(t, errors.Is(err, apperr.ErrAccountNotProvisioned))

	_, err = h.accounts.GetAccountByAlias(context.Background(), "ghost")
	assert.True(t, errors.Is(err, apperr.ErrAliasNotFound))
}
