package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/example/alias-ledger/internal/ledger"
	"github.com/example/alias-ledger/internal/security"
)

type registerAliasRequest struct {
	Name       string `json:"name"`
	Credential string `json:"credential"`
}

type aliasResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	Provisioning string    `json:"provisioning,omitempty"`
}

type createAccountRequest struct {
	Alias    string          `json:"alias"`
	BankName string          `json:"bank_name"`
	Balance  decimal.Decimal `json:"balance"`
}

type updateAccountRequest struct {
	BankName string `json:"bank_name"`
}

type transferRequest struct {
	FromAlias string          `json:"from_alias"`
	ToAlias   string          `json:"to_alias"`
	Amount    decimal.Decimal `json:"amount"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

func handleRegisterAlias(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerAliasRequest
		if !decode(w, r, &req) {
			return
		}

		a, err := deps.Aliases.Register(r.Context(), req.Name, req.Credential)
		if err != nil {
			security.WriteAppError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusCreated, aliasResponse{ID: a.ID, Name: a.Name, CreatedAt: a.CreatedAt})
	}
}

func handleGetAlias(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Aliases.Get(r.Context(), chi.URLParam(r, "name"))
		if err != nil {
			security.WriteAppError(w, r, err)
			return
		}

		resp := aliasResponse{ID: a.ID, Name: a.Name, CreatedAt: a.CreatedAt}
		if deps.Provisioning != nil {
			state, err := deps.Provisioning.StateOf(r.Context(), a.ID)
			if err != nil {
				security.WriteAppError(w, r, err)
				return
			}
			resp.Provisioning = string(state)
		}
		writeJSON(w, r, http.StatusOK, resp)
	}
}

func handleCreateAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createAccountRequest
		if !decode(w, r, &req) {
			return
		}

		acct, err := deps.Accounts.CreateAccount(r.Context(), ledger.CreateAccountRequest{
			AliasName: req.Alias,
			BankName:  req.BankName,
			Balance:   req.Balance,
		})
		if err != nil {
			security.WriteAppError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusCreated, newAccountResponse(acct))
	}
}

func handleGetAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := deps.Accounts.GetAccount(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			security.WriteAppError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, newAccountResponse(acct))
	}
}

func handleGetAccountByAlias(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := deps.Accounts.GetAccountByAlias(r.Context(), chi.URLParam(r, "name"))
		if err != nil {
			security.WriteAppError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, newAccountResponse(acct))
	}
}

func handleUpdateAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateAccountRequest
		if !decode(w, r, &req) {
			return
		}

		acct, err := deps.Accounts.UpdateBankName(r.Context(), chi.URLParam(r, "id"), req.BankName)
		if err != nil {
			security.WriteAppError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, newAccountResponse(acct))
	}
}

func handleTransfer(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transferRequest
		if !decode(w, r, &req) {
			return
		}

		tx, err := deps.Transfers.Transfer(r.Context(), ledger.TransferCommand{
			FromAlias: req.FromAlias,
			ToAlias:   req.ToAlias,
			Amount:    req.Amount,
		})
		if err != nil {
			security.WriteAppError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, newTransactionResponse(tx))
	}
}

func handleGetTransaction(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tx, err := deps.Transfers.GetTransaction(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			security.WriteAppError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, newTransactionResponse(tx))
	}
}
