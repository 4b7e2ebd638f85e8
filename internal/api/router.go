package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/alias-ledger/internal/alias"
	"github.com/example/alias-ledger/internal/ledger"
	"github.com/example/alias-ledger/internal/provisioner"
	"github.com/example/alias-ledger/internal/security"
	"github.com/example/alias-ledger/pkg/audit"
)

type Auditor interface {
	Record(ev audit.Event) (*audit.LogEntry, error)
}

type AliasService interface {
	Register(ctx context.Context, name, credential string) (*alias.Alias, error)
	Get(ctx context.Context, name string) (*alias.Alias, error)
}

type AccountService interface {
	CreateAccount(ctx context.Context, req ledger.CreateAccountRequest) (*ledger.Account, error)
	GetAccount(ctx context.Context, id string) (*ledger.Account, error)
	GetAccountByAlias(ctx context.Context, name string) (*ledger.Account, error)
	UpdateBankName(ctx context.Context, id, bankName string) (*ledger.Account, error)
}

type TransferService interface {
	Transfer(ctx context.Context, cmd ledger.TransferCommand) (*ledger.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error)
}

type ProvisioningStatus interface {
	StateOf(ctx context.Context, aliasID string) (provisioner.State, error)
}

type Dependencies struct {
	Logger *slog.Logger

	Aliases      AliasService
	Accounts     AccountService
	Transfers    TransferService
	Provisioning ProvisioningStatus

	Auditor      Auditor
	RateLimiter  *security.RedisTokenBucket
	IPAllowlist  []*net.IPNet
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	aliasV, err := security.NewJSONSchemaValidator("register_alias.json", registerAliasSchema)
	if err != nil {
		return nil, err
	}
	createAccountV, err := security.NewJSONSchemaValidator("create_account.json", createAccountSchema)
	if err != nil {
		return nil, err
	}
	updateAccountV, err := security.NewJSONSchemaValidator("update_account.json", updateAccountSchema)
	if err != nil {
		return nil, err
	}
	transferV, err := security.NewJSONSchemaValidator("transfer.json", transferSchema)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, security.KeyByIP))
	}
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor, deps.Logger))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		if deps.Aliases != nil {
			r.With(aliasV.Middleware).Post("/aliases", handleRegisterAlias(deps))
			r.Get("/aliases/{name}", handleGetAlias(deps))
		}

		if deps.Accounts != nil {
			r.Route("/accounts", func(r chi.Router) {
				create := r.With(createAccountV.Middleware)
				create.Post("/", handleCreateAccount(deps))
				create.Post("", handleCreateAccount(deps))
				r.Get("/by-alias/{name}", handleGetAccountByAlias(deps))
				r.Get("/{id}", handleGetAccount(deps))
				r.With(updateAccountV.Middleware).Patch("/{id}", handleUpdateAccount(deps))
			})
		}

		if deps.Transfers != nil {
			r.With(transferV.Middleware).Post("/transfers", handleTransfer(deps))
			r.Get("/transfers/{id}", handleGetTransaction(deps))
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}
