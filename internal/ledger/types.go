package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// EntryType classifies a money movement.
type EntryType string

const (
	Debit  EntryType = "debit"
	Credit EntryType = "credit"
)

// Valid reports whether the entry type is one of the known values.
func (t EntryType) Valid() bool {
	return t == Debit || t == Credit
}

// UnmatchedMarker replaces the description of a transaction whose event
// could not be attributed to any known account.
const UnmatchedMarker = "NOT YOUR ACCOUNT"

// AutoGeneratedDescription is the description of corrective entries
// synthesized by the reconciler.
const AutoGeneratedDescription = "Auto-generated missing transaction"

var (
	// ErrInvalidState is returned when a transaction with no account
	// reference is handed to the reconciler. Fatal for that call; the
	// transaction stays pending.
	ErrInvalidState = errors.New("ledger: transaction has no account reference")

	// ErrLockTimeout is returned when the per-account lock could not be
	// acquired within the configured bound.
	ErrLockTimeout = errors.New("ledger: account lock acquisition timed out")

	// ErrInvalidEvent is returned for events that fail validation and can
	// never succeed on retry.
	ErrInvalidEvent = errors.New("ledger: invalid event")

	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrAccountExists       = errors.New("ledger: account already exists")
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
)

// Account is a bank account tracked by the ledger. The account number is
// the business key; CurrentBalance always equals the balance_after of the
// chronologically last synced transaction.
type Account struct {
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
	Acronym       string `json:"acronym"`
	HolderName    string `json:"holder_name,omitempty"`
	// OpeningBalance is the balance at account creation. It is immutable
	// and anchors the reconciliation chain for the account's first entry.
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Transaction is a single ledger row. A nil AccountNumber marks an
// unmatched, terminal row that never enters reconciliation.
type Transaction struct {
	ID                int64               `json:"id"`
	AccountNumber     *string             `json:"account_number"`
	BankName          string              `json:"bank_name,omitempty"`
	SourceAccountHint string              `json:"source_account_hint,omitempty"`
	Type              EntryType           `json:"type"`
	Amount            decimal.Decimal     `json:"amount"`
	Mode              string              `json:"mode,omitempty"`
	ReferenceID       string              `json:"reference_id,omitempty"`
	EventTime         int64               `json:"event_time"`
	EventTimeText     string              `json:"event_time_text,omitempty"`
	ObservedBalance   decimal.NullDecimal `json:"observed_balance"`
	BalanceAfter      decimal.NullDecimal `json:"balance_after"`
	IsAutoGenerated   bool                `json:"is_auto_generated"`
	Synced            bool                `json:"synced"`
	Description       string              `json:"description,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

// applyEntry returns the balance after posting one movement.
func applyEntry(balance decimal.Decimal, typ EntryType, amount decimal.Decimal) decimal.Decimal {
	if typ == Debit {
		return balance.Sub(amount)
	}
	return balance.Add(amount)
}
