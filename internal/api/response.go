package api

import (
	"encoding/json"
	"net/http"

	"github.com/example/bankledger/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	rid := security.RequestIDFromContext(r.Context())
	if rid != "" {
		w.Header().Set(security.RequestIDHeader, rid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
