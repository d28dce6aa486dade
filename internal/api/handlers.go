package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/bankledger/internal/ledger"
	"github.com/example/bankledger/internal/security"
)

type ingestResponse struct {
	RequestID   string              `json:"request_id"`
	Transaction *ledger.Transaction `json:"transaction"`
}

type transactionsResponse struct {
	RequestID    string                `json:"request_id"`
	Transactions []*ledger.Transaction `json:"transactions"`
}

type accountResponse struct {
	RequestID string          `json:"request_id"`
	Account   *ledger.Account `json:"account"`
}

type accountsResponse struct {
	RequestID string            `json:"request_id"`
	Accounts  []*ledger.Account `json:"accounts"`
}

type syncResponse struct {
	RequestID string             `json:"request_id"`
	Report    *ledger.SyncReport `json:"report"`
}

func handleIngest(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev ledger.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		txn, err := deps.Ledger.Ingest(r.Context(), ev)
		if err != nil {
			if errors.Is(err, ledger.ErrInvalidEvent) {
				security.WriteJSONError(w, r, http.StatusUnprocessableEntity, "invalid_event")
				return
			}
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		writeJSON(w, r, http.StatusAccepted, ingestResponse{
			RequestID:   security.RequestIDFromContext(r.Context()),
			Transaction: txn,
		})
	}
}

func handleSync(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Ledger.SyncAll(r.Context())
		if err != nil {
			security.WriteJSONError(w, r, http.StatusInternalServerError, "sync_failed")
			return
		}

		writeJSON(w, r, http.StatusOK, syncResponse{
			RequestID: security.RequestIDFromContext(r.Context()),
			Report:    report,
		})
	}
}

func handleListTransactions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := ledger.ListOptions{
			AccountNumber: r.URL.Query().Get("account_number"),
		}
		listTransactions(deps, opts, w, r)
	}
}

// handleListAllTransactions includes pending rows; it backs debugging and
// the parser's replay tooling.
func handleListAllTransactions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := ledger.ListOptions{
			AccountNumber:  r.URL.Query().Get("account_number"),
			IncludePending: true,
		}
		listTransactions(deps, opts, w, r)
	}
}

func listTransactions(deps Dependencies, opts ledger.ListOptions, w http.ResponseWriter, r *http.Request) {
	txns, err := deps.Ledger.Transactions(r.Context(), opts)
	if err != nil {
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if txns == nil {
		txns = []*ledger.Transaction{}
	}

	writeJSON(w, r, http.StatusOK, transactionsResponse{
		RequestID:    security.RequestIDFromContext(r.Context()),
		Transactions: txns,
	})
}

func handleCreateAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ledger.CreateAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		acct, err := deps.Ledger.CreateAccount(r.Context(), req)
		if err != nil {
			if errors.Is(err, ledger.ErrAccountExists) {
				security.WriteJSONError(w, r, http.StatusConflict, "account_exists")
				return
			}
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_account")
			return
		}

		writeJSON(w, r, http.StatusCreated, accountResponse{
			RequestID: security.RequestIDFromContext(r.Context()),
			Account:   acct,
		})
	}
}

func handleGetAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := deps.Ledger.Account(r.Context(), chi.URLParam(r, "accountNumber"))
		if err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				security.WriteJSONError(w, r, http.StatusNotFound, "account_not_found")
				return
			}
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		writeJSON(w, r, http.StatusOK, accountResponse{
			RequestID: security.RequestIDFromContext(r.Context()),
			Account:   acct,
		})
	}
}

func handleListAccounts(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := deps.Ledger.Accounts(r.Context())
		if err != nil {
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		if accounts == nil {
			accounts = []*ledger.Account{}
		}

		writeJSON(w, r, http.StatusOK, accountsResponse{
			RequestID: security.RequestIDFromContext(r.Context()),
			Accounts:  accounts,
		})
	}
}

func handleUpdateAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var upd ledger.AccountUpdate
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		acct, err := deps.Ledger.UpdateAccount(r.Context(), chi.URLParam(r, "accountNumber"), upd)
		if err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				security.WriteJSONError(w, r, http.StatusNotFound, "account_not_found")
				return
			}
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		writeJSON(w, r, http.StatusOK, accountResponse{
			RequestID: security.RequestIDFromContext(r.Context()),
			Account:   acct,
		})
	}
}

func handleDeleteAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Ledger.DeleteAccount(r.Context(), chi.URLParam(r, "accountNumber"))
		if err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				security.WriteJSONError(w, r, http.StatusNotFound, "account_not_found")
				return
			}
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
