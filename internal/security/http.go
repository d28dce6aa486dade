// Package security carries the request identity and throttling surface
// shared by every HTTP handler.
package security

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader names the header the id travels in, both directions.
const RequestIDHeader = "X-Request-ID"

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID assigns every request an id and echoes it on the response.
// An id supplied by the caller is kept, so the notification parser can
// trace each event it posted through the ledger's logs.
func RequestID(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(RequestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, rid)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), rid)))
	}
	return http.HandlerFunc(fn)
}

// WithRequestID stores rid on the context for handlers and error writers.
func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, requestIDKey, rid)
}

func RequestIDFromContext(ctx context.Context) string {
	rid, _ := ctx.Value(requestIDKey).(string)
	return rid
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSONError renders an error code with the request id attached, so a
// rejected call can be matched against the server log line that explains it.
func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code string) {
	rid := RequestIDFromContext(r.Context())
	if rid != "" {
		w.Header().Set(RequestIDHeader, rid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: code, RequestID: rid})
}
