package provisioner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/alias-ledger/internal/apperr"
	"github.com/example/alias-ledger/internal/events"
	"github.com/example/alias-ledger/internal/ledger"
	"github.com/example/alias-ledger/internal/storage/memory"
)

// flakyStore fails the first n account creations with a transient error.
type flakyStore struct {
	ledger.Store
	failures atomic.Int32
}

func (s *flakyStore) CreateAccountIfAbsent(ctx context.Context, na ledger.NewAccount) (*ledger.Account, bool, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, false, apperr.Wrap(apperr.CodeStorageUnavailable, "insert account", errors.New("connection reset"))
	}
	return s.Store.CreateAccountIfAbsent(ctx, na)
}

func aliasRegistered(t *testing.T, aliasID string) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.TypeAliasRegistered, aliasID, events.AliasRegistered{AliasID: aliasID, Name: "alice"})
	require.NoError(t, err)
	return env
}

func TestHandleProvisionsOneAccount(t *testing.T) {
	store := memory.New(0)
	bus := events.NewMemoryBus(1)
	bus.Capture = true
	p := New(Config{Store: store, Publisher: bus})
	ctx := context.Background()

	state, err := p.StateOf(ctx, "alias-1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	require.NoError(t, p.Handle(ctx, aliasRegistered(t, "alias-1")))

	acct, err := store.GetAccountByAlias(ctx, "alias-1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())
	assert.Equal(t, DefaultBankName, acct.BankName)

	state, err = p.StateOf(ctx, "alias-1")
	require.NoError(t, err)
	assert.Equal(t, StateProvisioned, state)

	published := bus.Published(events.DefaultTopics().AccountEvents)
	require.Len(t, published, 1)
	var evt events.AccountEvent
	require.NoError(t, published[0].Decode(&evt))
	assert.Equal(t, events.AccountEvent{AccountID: acct.ID, AliasID: "alias-1", EventType: events.AccountEventCreated}, evt)
}

func TestRedeliveryIsNoOp(t *testing.T) {
	store := memory.New(0)
	bus := events.NewMemoryBus(1)
	bus.Capture = true
	p := New(Config{Store: store, Publisher: bus})
	ctx := context.Background()

	env := aliasRegistered(t, "alias-1")
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Handle(ctx, env))
	}

	first, err := store.GetAccountByAlias(ctx, "alias-1")
	require.NoError(t, err)

	// a fresh event for the same alias changes nothing either
	require.NoError(t, p.Handle(ctx, aliasRegistered(t, "alias-1")))
	again, err := store.GetAccountByAlias(ctx, "alias-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	assert.Len(t, bus.Published(events.DefaultTopics().AccountEvents), 1)
}

func TestConcurrentDeliveriesCreateOneAccount(t *testing.T) {
	store := memory.New(0)
	bus := events.NewMemoryBus(1)
	bus.Capture = true
	p := New(Config{Store: store, Publisher: bus})

	env := aliasRegistered(t, "alias-1")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Handle(context.Background(), env))
		}()
	}
	wg.Wait()

	assert.Len(t, bus.Published(events.DefaultTopics().AccountEvents), 1)
}

func TestMalformedEventIsPermanent(t *testing.T) {
	p := New(Config{Store: memory.New(0)})

	env := aliasRegistered(t, "alias-1")
	env.Payload = []byte(`{"alias_id": 42}`)
	err := p.Handle(context.Background(), env)

	var perm *events.Permanent
	require.ErrorAs(t, err, &perm)

	env = aliasRegistered(t, "")
	require.ErrorAs(t, p.Handle(context.Background(), env), &perm)
}

func TestTransientFailureIsRedelivered(t *testing.T) {
	store := &flakyStore{Store: memory.New(0)}
	store.failures.Store(2)

	bus := events.NewMemoryBus(2)
	bus.RedeliveryDelay = time.Millisecond
	p := New(Config{Store: store, Publisher: bus})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx, bus) }()

	require.NoError(t, bus.Publish(ctx, events.DefaultTopics().AliasCreated, aliasRegistered(t, "alias-1")))

	require.Eventually(t, func() bool {
		state, err := p.StateOf(ctx, "alias-1")
		return err == nil && state == StateProvisioned
	}, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, store.failures.Load(), int32(-1))
}
