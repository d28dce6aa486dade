package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// ListOptions filters transaction listings.
type ListOptions struct {
	// AccountNumber restricts the listing to one account when non-empty.
	AccountNumber string
	// IncludePending includes rows that have not been reconciled yet.
	IncludePending bool
}

// Store is the durable ledger table of accounts and transactions. Both the
// Postgres and the embedded sqlite implementation satisfy it.
type Store interface {
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, accountNumber string) (*Account, error)
	// ListAccounts returns every account ordered by account number
	// ascending. The ingestion gate's suffix matching depends on this
	// ordering being stable.
	ListAccounts(ctx context.Context) ([]*Account, error)
	UpdateAccount(ctx context.Context, acct *Account) error
	// DeleteAccount removes the account and every transaction that
	// references it.
	DeleteAccount(ctx context.Context, accountNumber string) error

	InsertTransaction(ctx context.Context, txn *Transaction) error
	GetTransaction(ctx context.Context, id int64) (*Transaction, error)
	// ListPending returns all unsynced transactions across accounts in
	// stable id order.
	ListPending(ctx context.Context) ([]*Transaction, error)
	// ListTransactions returns synced transactions (and pending ones when
	// requested) newest first.
	ListTransactions(ctx context.Context, opts ListOptions) ([]*Transaction, error)

	// WithinTx runs fn inside a single store transaction. Every write fn
	// performs is committed atomically or rolled back together; fn may be
	// retried on serialization failure and must be safe to re-run.
	WithinTx(ctx context.Context, fn func(tx StoreTx) error) error

	// CompactTransactionIDs renumbers transaction surrogate ids densely
	// from 1 and resets the id sequence. Callers must guarantee no
	// reconcile is in flight.
	CompactTransactionIDs(ctx context.Context) error

	Close()
}

// StoreTx is the read-modify-write surface available inside one atomic
// reconcile transaction.
type StoreTx interface {
	// AccountForUpdate loads the account row with an exclusive row lock
	// where the backend supports one.
	AccountForUpdate(ctx context.Context, accountNumber string) (*Account, error)
	// TransactionByID reloads one row inside the transaction, so callers
	// see its committed state rather than a stale snapshot.
	TransactionByID(ctx context.Context, id int64) (*Transaction, error)
	// PredecessorOf returns the account's transaction with the greatest
	// event time strictly below eventTime among rows that already carry a
	// balance_after, or nil if none exists.
	PredecessorOf(ctx context.Context, accountNumber string, eventTime int64) (*Transaction, error)
	// TransactionsAfter returns the account's transactions with event time
	// strictly above eventTime, ascending.
	TransactionsAfter(ctx context.Context, accountNumber string, eventTime int64) ([]*Transaction, error)
	InsertTransaction(ctx context.Context, txn *Transaction) error
	UpdateTransaction(ctx context.Context, txn *Transaction) error
	UpdateAccountBalance(ctx context.Context, accountNumber string, balance decimal.Decimal) error
}
