package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/bankledger/internal/ledger"
	"github.com/example/bankledger/internal/security"
)

// Ledger is the service surface the HTTP layer needs.
type Ledger interface {
	Ingest(ctx context.Context, ev ledger.Event) (*ledger.Transaction, error)
	SyncAll(ctx context.Context) (*ledger.SyncReport, error)
	Transactions(ctx context.Context, opts ledger.ListOptions) ([]*ledger.Transaction, error)

	CreateAccount(ctx context.Context, req ledger.CreateAccountRequest) (*ledger.Account, error)
	Account(ctx context.Context, accountNumber string) (*ledger.Account, error)
	Accounts(ctx context.Context) ([]*ledger.Account, error)
	UpdateAccount(ctx context.Context, accountNumber string, upd ledger.AccountUpdate) (*ledger.Account, error)
	DeleteAccount(ctx context.Context, accountNumber string) error
}

type Dependencies struct {
	Logger      *slog.Logger
	Ledger      Ledger
	RateLimiter *security.RedisRateLimiter
}

func NewRouter(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestID)
	r.Use(RequestLogger(deps.Logger))
	if deps.RateLimiter != nil {
		r.Use(deps.RateLimiter.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/notifications", handleIngest(deps))
		r.Post("/sync", handleSync(deps))

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", handleListTransactions(deps))
			r.Get("/all", handleListAllTransactions(deps))
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", handleListAccounts(deps))
			r.Post("/", handleCreateAccount(deps))

			r.Route("/{accountNumber}", func(r chi.Router) {
				r.Get("/", handleGetAccount(deps))
				r.Put("/", handleUpdateAccount(deps))
				r.Delete("/", handleDeleteAccount(deps))
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r
}
