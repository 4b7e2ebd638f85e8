package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/alias-ledger/internal/alias"
	"github.com/example/alias-ledger/internal/apperr"
	"github.com/example/alias-ledger/internal/events"
	"github.com/example/alias-ledger/internal/ledger"
	"github.com/example/alias-ledger/internal/provisioner"
	"github.com/example/alias-ledger/internal/storage/memory"
	"github.com/example/alias-ledger/pkg/audit"
)

type harness struct {
	store    *memory.Store
	bus      *events.MemoryBus
	trail    *audit.ChainLogger
	transfer *ledger.TransferService
	accounts *ledger.AccountService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New(time.Second)
	bus := events.NewMemoryBus(4)
	bus.Capture = true
	trail := audit.NewChainLogger(nil, audit.WithEntries())
	return &harness{
		store: store,
		bus:   bus,
		trail: trail,
		transfer: ledger.NewTransferService(ledger.TransferDeps{
			Aliases: store, Store: store, Publisher: bus, Audit: trail,
		}),
		accounts: ledger.NewAccountService(ledger.AccountDeps{
			Aliases: store, Store: store, Publisher: bus,
		}),
	}
}

func (h *harness) alias(t *testing.T, name string) *alias.Alias {
	t.Helper()
	a := &alias.Alias{ID: "alias-" + name, Name: name, CreatedAt: time.Now().UTC()}
	require.NoError(t, h.store.CreateAlias(context.Background(), a))
	return a
}

func (h *harness) account(t *testing.T, name, balance string) *ledger.Account {
	t.Helper()
	h.alias(t, name)
	acct, err := h.accounts.CreateAccount(context.Background(), ledger.CreateAccountRequest{
		AliasName: name, BankName: "Default Bank", Balance: decimal.RequireFromString(balance),
	})
	require.NoError(t, err)
	return acct
}

func (h *harness) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	acct, err := h.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acct.Balance
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTransferMovesFunds(t *testing.T) {
	h := newHarness(t)
	alice := h.account(t, "alice", "100")
	bob := h.account(t, "bob", "50")

	tx, err := h.transfer.Transfer(context.Background(), ledger.TransferCommand{FromAlias: "alice", ToAlias: "bob", Amount: amount("30")})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, tx.Status)

	assert.True(t, h.balance(t, alice.ID).Equal(amount("70")))
	assert.True(t, h.balance(t, bob.ID).Equal(amount("80")))

	txs := h.store.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.StatusCompleted, txs[0].Status)

	published := h.bus.Published(events.DefaultTopics().Transactions)
	require.Len(t, published, 1)
	assert.Equal(t, alice.ID, published[0].Key)
	var evt events.TransferCompleted
	require.NoError(t, published[0].Decode(&evt))
	assert.Equal(t, tx.ID, evt.TransactionID)
	assert.Equal(t, alice.ID, evt.FromAccountID)
	assert.Equal(t, bob.ID, evt.ToAccountID)
	assert.True(t, evt.Amount.Equal(amount("30")))

	assert.True(t, audit.VerifyChain(h.trail.Entries()))
	assert.Len(t, h.trail.Entries(), 1)
}

func TestTransferFromFreshlyProvisionedAccountIsRejected(t *testing.T) {
	h := newHarness(t)
	alice := h.alias(t, "alice")
	h.account(t, "bob", "0")

	p := provisioner.New(provisioner.Config{Store: h.store})
	env, err := events.NewEnvelope(events.TypeAliasRegistered, alice.ID, events.AliasRegistered{AliasID: alice.ID, Name: "alice"})
	require.NoError(t, err)
	require.NoError(t, p.Handle(context.Background(), env))

	acct, err := h.accounts.GetAccountByAlias(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())

	_, err = h.transfer.Transfer(context.Background(), ledger.TransferCommand{FromAlias: "alice", ToAlias: "bob", Amount: amount("50")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrInsufficientFunds))

	txs := h.store.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.StatusRejectedInsufficientFunds, txs[0].Status)
	assert.Equal(t, acct.ID, txs[0].SenderAccountID)
	assert.Empty(t, h.bus.Published(events.DefaultTopics().Transactions))
}

func TestTransferResolutionErrors(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice", "100")
	h.alias(t, "pending")
	ctx := context.Background()

	_, err := h.transfer.Transfer(ctx, ledger.TransferCommand{FromAlias: "alice", ToAlias: "ghost", Amount: amount("1")})
	assert.True(t, errors.Is(err, apperr.ErrAliasNotFound))
	assert.False(t, apperr.Retryable(err))

	_, err = h.transfer.Transfer(ctx, ledger.TransferCommand{FromAlias: "alice", ToAlias: "pending", Amount: amount("1")})
	assert.True(t, errors.Is(err, apperr.ErrAccountNotProvisioned))
	assert.True(t, apperr.Retryable(err))

	assert.Empty(t, h.store.Transactions())
}

func TestTransferInputValidation(t *testing.T) {
	h := newHarness(t)
	h.account(t, "alice", "100")
	h.account(t, "bob", "0")
	ctx := context.Background()

	cases := []struct {
		name string
		cmd  ledger.TransferCommand
		want error
	}{
		{"zero amount", ledger.TransferCommand{FromAlias: "alice", ToAlias: "bob", Amount: amount("0")}, apperr.ErrValidation},
		{"negative amount", ledger.TransferCommand{FromAlias: "alice", ToAlias: "bob", Amount: amount("-5")}, apperr.ErrValidation},
		{"sub-cent amount", ledger.TransferCommand{FromAlias: "alice", ToAlias: "bob", Amount: amount("0.001")}, apperr.ErrValidation},
		{"bad alias", ledger.TransferCommand{FromAlias: "al ice", ToAlias: "bob", Amount: amount("1")}, apperr.ErrValidation},
		{"self transfer", ledger.TransferCommand{FromAlias: "alice", ToAlias: "alice", Amount: amount("1")}, apperr.ErrSelfTransfer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.transfer.Transfer(ctx, tc.cmd)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
	assert.Empty(t, h.store.Transactions())
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, string, events.Envelope) error {
	p.calls++
	return errors.New("broker down")
}

func TestPublishFailureDoesNotRepeatTransfer(t *testing.T) {
	h := newHarness(t)
	alice := h.account(t, "alice", "100")
	bob := h.account(t, "bob", "0")

	pub := &failingPublisher{}
	svc := ledger.NewTransferService(ledger.TransferDeps{Aliases: h.store, Store: h.store, Publisher: pub})

	tx, err := svc.Transfer(context.Background(), ledger.TransferCommand{FromAlias: "alice", ToAlias: "bob", Amount: amount("40")})
	require.NoError(t, err)
	assert.Equal(t, 1, pub.calls)

	assert.True(t, h.balance(t, alice.ID).Equal(amount("60")))
	assert.True(t, h.balance(t, bob.ID).Equal(amount("40")))

	stored, err := svc.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, stored.Status)
}

func TestCancelledCallerStillGetsDurableOutcome(t *testing.T) {
	h := newHarness(t)
	alice := h.account(t, "alice", "100")
	h.account(t, "bob", "0")

	// the caller goes away while the outcome is published; the movement stays
	ctx, cancel := context.WithCancel(context.Background())
	blocking := &cancelOnPublish{cancel: cancel}
	svc := ledger.NewTransferService(ledger.TransferDeps{Aliases: h.store, Store: h.store, Publisher: blocking})

	tx, err := svc.Transfer(ctx, ledger.TransferCommand{FromAlias: "alice", ToAlias: "bob", Amount: amount("10")})
	require.NoError(t, err)
	assert.True(t, h.balance(t, alice.ID).Equal(amount("90")))
	_, err = h.store.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
}

func TestTransfersKeepReturningWithoutConsumer(t *testing.T) {
	h := newHarness(t)
	alice := h.account(t, "alice", "100000")
	bob := h.account(t, "bob", "0")

	bus := events.NewMemoryBus(1)
	svc := ledger.NewTransferService(ledger.TransferDeps{Aliases: h.store, Store: h.store, Publisher: bus})
	const n = 1100

	done := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			if _, err := svc.Transfer(context.Background(), ledger.TransferCommand{FromAlias: "alice", ToAlias: "bob", Amount: amount("1")}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatalf("transfers stopped returning; bob has %s", h.balance(t, bob.ID))
	}
	assert.True(t, h.balance(t, bob.ID).Equal(amount("1100")))
	assert.True(t, h.balance(t, alice.ID).Equal(amount("98900")))
	assert.Positive(t, bus.Dropped(events.DefaultTopics().Transactions))
}

// vanishingStore reports the receiver gone when the transfer is applied.
type vanishingStore struct {
	*memory.Store
}

func (s vanishingStore) ApplyTransfer(_ context.Context, req ledger.TransferRequest) (*ledger.Transaction, error) {
	return nil, apperr.New(apperr.CodeAccountNotFound, "account "+req.ReceiverAccountID+" not found")
}

func TestTransferToVanishedAccountIsRecordedRejected(t *testing.T) {
	h := newHarness(t)
	alice := h.account(t, "alice", "100")
	bob := h.account(t, "bob", "0")

	svc := ledger.NewTransferService(ledger.TransferDeps{Aliases: h.store, Store: vanishingStore{h.store}, Publisher: h.bus})
	_, err := svc.Transfer(context.Background(), ledger.TransferCommand{FromAlias: "alice", ToAlias: "bob", Amount: amount("5")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrAccountNotFound))

	txs := h.store.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.StatusRejectedNotFound, txs[0].Status)
	assert.Equal(t, alice.ID, txs[0].SenderAccountID)
	assert.Equal(t, bob.ID, txs[0].ReceiverAccountID)
	assert.True(t, h.balance(t, alice.ID).Equal(amount("100")))
	assert.Empty(t, h.bus.Published(events.DefaultTopics().Transactions))
}

type cancelOnPublish struct{ cancel context.CancelFunc }

func (p *cancelOnPublish) Publish(ctx context.Context, _ string, _ events.Envelope) error {
	p.cancel()
	return ctx.Err()
}

func TestConcurrentTransfersConserveMoney(t *testing.T) {
	h := newHarness(t)
	a := h.account(t, "a", "100")
	b := h.account(t, "b", "100")
	validator := ledger.NewValidator()

	before := []ledger.Account{{ID: a.ID, Balance: a.Balance}, {ID: b.ID, Balance: b.Balance}}

	stop := make(chan struct{})
	observerDone := make(chan struct{})
	go func() {
		defer close(observerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, id := range []string{a.ID, b.ID} {
				acct, err := h.store.GetAccount(context.Background(), id)
				if assert.NoError(t, err) {
					assert.False(t, acct.Balance.IsNegative(), "balance of %s observed negative", id)
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := ledger.TransferCommand{FromAlias: "a", ToAlias: "b", Amount: amount("7.25")}
			if i%2 == 1 {
				cmd.FromAlias, cmd.ToAlias = "b", "a"
			}
			_, err := h.transfer.Transfer(context.Background(), cmd)
			if err != nil {
				assert.True(t, errors.Is(err, apperr.ErrInsufficientFunds), "unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	<-observerDone

	after := []ledger.Account{{ID: a.ID, Balance: h.balance(t, a.ID)}, {ID: b.ID, Balance: h.balance(t, b.ID)}}
	result := validator.ValidateConservation(before, after)
	assert.True(t, result.IsValid, result.Message)
	assert.True(t, after[0].Balance.Add(after[1].Balance).Equal(amount("200")))

	completed := 0
	for _, tx := range h.store.Transactions() {
		if tx.Status == ledger.StatusCompleted {
			completed++
		}
	}
	assert.Len(t, h.bus.Published(events.DefaultTopics().Transactions), completed)
}

func TestOppositeTransfersDoNotDeadlock(t *testing.T) {
	h := newHarness(t)
	a := h.account(t, "a", "100")
	b := h.account(t, "b", "100")

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := h.transfer.Transfer(context.Background(), ledger.TransferCommand{FromAlias: "a", ToAlias: "b", Amount: amount("1")})
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				_, err := h.transfer.Transfer(context.Background(), ledger.TransferCommand{FromAlias: "b", ToAlias: "a", Amount: amount("1")})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("opposite transfers did not complete")
	}
	assert.True(t, h.balance(t, a.ID).Equal(amount("100")))
	assert.True(t, h.balance(t, b.ID).Equal(amount("100")))
}
