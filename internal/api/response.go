package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/alias-ledger/internal/ledger"
	"github.com/example/alias-ledger/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type accountResponse struct {
	ID        string    `json:"id"`
	AliasID   string    `json:"alias_id"`
	BankName  string    `json:"bank_name"`
	Balance   string    `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newAccountResponse(a *ledger.Account) accountResponse {
	return accountResponse{
		ID:        a.ID,
		AliasID:   a.OwnerAliasID,
		BankName:  a.BankName,
		Balance:   a.Balance.StringFixed(ledger.MoneyScale),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

type transactionResponse struct {
	ID                string    `json:"id"`
	SenderAccountID   string    `json:"sender_account_id"`
	ReceiverAccountID string    `json:"receiver_account_id"`
	Amount            string    `json:"amount"`
	Timestamp         time.Time `json:"timestamp"`
	Status            string    `json:"status"`
}

func newTransactionResponse(t *ledger.Transaction) transactionResponse {
	return transactionResponse{
		ID:                t.ID,
		SenderAccountID:   t.SenderAccountID,
		ReceiverAccountID: t.ReceiverAccountID,
		Amount:            t.Amount.StringFixed(ledger.MoneyScale),
		Timestamp:         t.Timestamp,
		Status:            string(t.Status),
	}
}
