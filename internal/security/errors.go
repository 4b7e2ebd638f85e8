package security

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/example/alias-ledger/internal/apperr"
)

type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	Retryable     bool   `json:"retryable,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code string) {
	writeError(w, r, status, ErrorResponse{Error: code})
}

// WriteAppError renders err with the status of its apperr code. Errors
// without a code are reported as internal and their text is withheld.
func WriteAppError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := apperr.HTTPStatus(code)
	resp := ErrorResponse{
		Error:     strings.ToLower(string(code)),
		Retryable: apperr.Retryable(err),
	}
	if status != http.StatusInternalServerError {
		resp.Message = err.Error()
	}
	if code == apperr.CodeUnknown {
		resp.Error = "internal_error"
	}
	writeError(w, r, status, resp)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, resp ErrorResponse) {
	cid := CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}
	resp.CorrelationID = cid

	w.Header().Set("Content-Type", "application/json")
	if resp.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
