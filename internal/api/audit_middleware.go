package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/example/alias-ledger/internal/security"
	"github.com/example/alias-ledger/pkg/audit"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// AuditMiddleware appends one chain entry per mutating request. Reads are
// not audited.
func AuditMiddleware(a Auditor, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			outcome := "success"
			if sw.status >= http.StatusBadRequest {
				outcome = "failure"
			}
			_, err := a.Record(audit.Event{
				Action:        "http_request",
				Subject:       r.Method + " " + r.URL.Path,
				Outcome:       outcome,
				CorrelationID: security.CorrelationIDFromContext(r.Context()),
				Detail: map[string]string{
					"status":      strconv.Itoa(sw.status),
					"duration_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
					"remote_ip":   security.ClientIP(r),
				},
			})
			if err != nil && logger != nil {
				logger.Error("audit append failed", "path", r.URL.Path, "error", err)
			}
		})
	}
}
