package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/alias-ledger/internal/alias"
	"github.com/example/alias-ledger/internal/events"
	"github.com/example/alias-ledger/internal/ledger"
	"github.com/example/alias-ledger/internal/provisioner"
	"github.com/example/alias-ledger/internal/security"
	"github.com/example/alias-ledger/internal/storage/memory"
	"github.com/example/alias-ledger/pkg/audit"
)

type testEnv struct {
	deps  Dependencies
	store *memory.Store
	bus   *events.MemoryBus
	audit *audit.ChainLogger
	prov  *provisioner.Provisioner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New(time.Second)
	bus := events.NewMemoryBus(4)
	bus.Capture = true
	chain := audit.NewChainLogger(nil, audit.WithEntries())
	prov := provisioner.New(provisioner.Config{Store: store, Publisher: bus})

	return &testEnv{
		store: store,
		bus:   bus,
		audit: chain,
		prov:  prov,
		deps: Dependencies{
			Aliases: alias.NewService(alias.ServiceConfig{Store: store, Publisher: bus, BcryptCost: bcrypt.MinCost}),
			Accounts: ledger.NewAccountService(ledger.AccountDeps{
				Aliases: store, Store: store, Publisher: bus,
			}),
			Transfers: ledger.NewTransferService(ledger.TransferDeps{
				Aliases: store, Store: store, Publisher: bus, Audit: chain,
			}),
			Provisioning: prov,
			Auditor:      chain,
		},
	}
}

func (e *testEnv) server(t *testing.T) *httptest.Server {
	t.Helper()
	h, err := NewRouter(e.deps)
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestTransferFlow(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	status, body := do(t, ts, http.MethodPost, "/v1/aliases", map[string]string{"name": "alice", "credential": "s3cretpass"})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "alice", body["name"])
	assert.NotContains(t, body, "credential")

	status, _ = do(t, ts, http.MethodPost, "/v1/aliases", map[string]string{"name": "bob", "credential": "s3cretpass"})
	require.Equal(t, http.StatusCreated, status)

	status, body = do(t, ts, http.MethodPost, "/v1/aliases", map[string]string{"name": "alice", "credential": "otherpass"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "duplicate_alias", body["error"])

	status, body = do(t, ts, http.MethodGet, "/v1/accounts/by-alias/alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "account_not_provisioned", body["error"])
	assert.Equal(t, true, body["retryable"])

	status, alice := do(t, ts, http.MethodPost, "/v1/accounts", map[string]string{"alias": "alice", "bank_name": "First Bank", "balance": "100.00"})
	require.Equal(t, http.StatusCreated, status, alice)
	assert.Equal(t, "100.00", alice["balance"])
	status, _ = do(t, ts, http.MethodPost, "/v1/accounts", map[string]any{"alias": "bob", "bank_name": "First Bank", "balance": 50})
	require.Equal(t, http.StatusCreated, status)

	status, tx := do(t, ts, http.MethodPost, "/v1/transfers", map[string]string{"from_alias": "alice", "to_alias": "bob", "amount": "30.25"})
	require.Equal(t, http.StatusCreated, status, tx)
	assert.Equal(t, "COMPLETED", tx["status"])
	assert.Equal(t, "30.25", tx["amount"])
	assert.Equal(t, alice["id"], tx["sender_account_id"])

	_, got := do(t, ts, http.MethodGet, "/v1/accounts/by-alias/alice", nil)
	assert.Equal(t, "69.75", got["balance"])
	_, got = do(t, ts, http.MethodGet, "/v1/accounts/by-alias/bob", nil)
	assert.Equal(t, "80.25", got["balance"])

	status, got = do(t, ts, http.MethodGet, "/v1/transfers/"+tx["id"].(string), nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "COMPLETED", got["status"])

	status, body = do(t, ts, http.MethodPost, "/v1/transfers", map[string]string{"from_alias": "alice", "to_alias": "bob", "amount": "1000"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "insufficient_funds", body["error"])

	status, body = do(t, ts, http.MethodPost, "/v1/transfers", map[string]string{"from_alias": "alice", "to_alias": "alice", "amount": "1"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "self_transfer", body["error"])

	status, body = do(t, ts, http.MethodPost, "/v1/transfers", map[string]string{"from_alias": "alice", "to_alias": "bob", "amount": "0.001"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", body["error"])

	status, body = do(t, ts, http.MethodPost, "/v1/transfers", map[string]string{"from_alias": "alice", "to_alias": "nobody", "amount": "1"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "alias_not_found", body["error"])

	status, got = do(t, ts, http.MethodPatch, "/v1/accounts/"+alice["id"].(string), map[string]string{"bank_name": "Second Bank"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Second Bank", got["bank_name"])
	assert.Equal(t, "69.75", got["balance"])

	status, _ = do(t, ts, http.MethodGet, "/v1/accounts/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)

	assert.Len(t, env.bus.Published(events.DefaultTopics().Transactions), 1)

	entries := env.audit.Entries()
	assert.NotEmpty(t, entries)
	assert.True(t, audit.VerifyChain(entries))
}

func TestProvisioningFlow(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.prov.Run(ctx, env.bus)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	status, _ := do(t, ts, http.MethodPost, "/v1/aliases", map[string]string{"name": "dave", "credential": "s3cretpass"})
	require.Equal(t, http.StatusCreated, status)

	require.Eventually(t, func() bool {
		status, _ := do(t, ts, http.MethodGet, "/v1/accounts/by-alias/dave", nil)
		return status == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	_, acct := do(t, ts, http.MethodGet, "/v1/accounts/by-alias/dave", nil)
	assert.Equal(t, "0.00", acct["balance"])
	assert.Equal(t, provisioner.DefaultBankName, acct["bank_name"])

	_, a := do(t, ts, http.MethodGet, "/v1/aliases/dave", nil)
	assert.Equal(t, string(provisioner.StateProvisioned), a["provisioning"])

	status, body := do(t, ts, http.MethodPost, "/v1/accounts", map[string]string{"alias": "dave", "bank_name": "Other Bank"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "account_exists", body["error"])
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	for _, body := range []any{
		map[string]string{"name": "al ice", "credential": "s3cretpass"},
		map[string]string{"name": "alice", "credential": "short"},
		map[string]any{"name": "alice", "credential": "s3cretpass", "admin": true},
	} {
		status, resp := do(t, ts, http.MethodPost, "/v1/aliases", body)
		assert.Equal(t, http.StatusBadRequest, status, body)
		assert.Equal(t, "validation_error", resp["error"])
	}

	resp, err := ts.Client().Post(ts.URL+"/v1/transfers", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	status, body := do(t, ts, http.MethodGet, "/v1/unknown", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"])

	status, _ = do(t, ts, http.MethodDelete, "/v1/transfers", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestBodySizeLimit(t *testing.T) {
	env := newTestEnv(t)
	env.deps.MaxBodyBytes = 32
	ts := env.server(t)

	status, _ := do(t, ts, http.MethodPost, "/v1/aliases", map[string]string{"name": "alice", "credential": strings.Repeat("x", 40)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
}

func TestRateLimitTrips(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	env := newTestEnv(t)
	env.deps.RateLimiter = security.NewRedisTokenBucket(rdb, "rl", 1, 0.0000001)
	ts := env.server(t)

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestCorrelationIDEchoed(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/aliases", strings.NewReader(`{"name":"erin","credential":"s3cretpass"}`))
	require.NoError(t, err)
	req.Header.Set(security.CorrelationIDHeader, "cid-42")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "cid-42", resp.Header.Get(security.CorrelationIDHeader))

	entries := env.audit.Entries()
	require.NotEmpty(t, entries)
	var ev audit.Event
	require.NoError(t, json.Unmarshal([]byte(entries[len(entries)-1].Payload), &ev))
	assert.Equal(t, "cid-42", ev.CorrelationID)
	assert.Equal(t, "POST /v1/aliases", ev.Subject)
	assert.Equal(t, "success", ev.Outcome)
}
