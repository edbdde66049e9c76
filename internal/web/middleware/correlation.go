package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type ctxKey int

const correlationKey ctxKey = iota

const correlationHeader = "X-Correlation-ID"

// CorrelationID tags every request with a correlation id: the caller's
// X-Correlation-ID header when it carries a usable value, a fresh UUID
// otherwise. The id rides the request context and is echoed on the response
// so client traces and log lines can be matched up.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		ctx := context.WithValue(r.Context(), correlationKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID returns the request's correlation id, or "" when the
// middleware did not run.
func GetCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}
