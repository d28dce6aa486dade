package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Event is a parsed bank notification as delivered by upstream parsers.
// AccountNumber, when present, is an exact reference; Account is the
// possibly masked hint from the notification text ("...4321", "XX4321").
type Event struct {
	AccountNumber   string           `json:"account_number,omitempty"`
	Account         string           `json:"account,omitempty"`
	BankName        string           `json:"bank_name,omitempty"`
	Type            EntryType        `json:"type"`
	Amount          decimal.Decimal  `json:"amount"`
	Mode            string           `json:"mode,omitempty"`
	ReferenceID     string           `json:"reference_id,omitempty"`
	EventTime       *int64           `json:"event_time,omitempty"`
	EventTimeText   string           `json:"event_time_text,omitempty"`
	ObservedBalance *decimal.Decimal `json:"observed_balance,omitempty"`
	Description     string           `json:"description,omitempty"`
}

// Ingest records one notification event as a ledger row. Events that
// resolve to a known account become pending rows awaiting reconciliation;
// events that resolve to no account are stored as terminal unmatched rows
// so nothing upstream is ever silently dropped.
func (s *Service) Ingest(ctx context.Context, ev Event) (*Transaction, error) {
	if !ev.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
	if ev.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount", ErrInvalidEvent)
	}

	eventTime := time.Now().UnixMilli()
	if ev.EventTime != nil {
		eventTime = *ev.EventTime
	}

	txn := &Transaction{
		BankName:          ev.BankName,
		SourceAccountHint: ev.Account,
		Type:              ev.Type,
		Amount:            ev.Amount,
		Mode:              ev.Mode,
		ReferenceID:       ev.ReferenceID,
		EventTime:         eventTime,
		EventTimeText:     ev.EventTimeText,
		Description:       ev.Description,
	}
	if ev.ObservedBalance != nil {
		txn.ObservedBalance = decimal.NullDecimal{Decimal: *ev.ObservedBalance, Valid: true}
	}

	acct, err := s.resolveAccount(ctx, ev)
	if err != nil {
		return nil, err
	}

	if acct == nil {
		txn.Description = UnmatchedMarker
		txn.Synced = true
		s.logger.Info("unmatched notification stored",
			"hint", ev.Account, "bank", ev.BankName, "reference", ev.ReferenceID)
	} else {
		txn.AccountNumber = &acct.AccountNumber
		if txn.BankName == "" {
			txn.BankName = acct.BankName
		}
	}

	if err := s.store.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// resolveAccount maps an event to an account. An exact account number wins;
// otherwise the digits of the masked hint are matched as a suffix against
// the account list. Accounts are ordered by number, so ambiguous suffixes
// resolve the same way on every run.
func (s *Service) resolveAccount(ctx context.Context, ev Event) (*Account, error) {
	if ev.AccountNumber != "" {
		acct, err := s.store.GetAccount(ctx, ev.AccountNumber)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
	}

	suffix := digitSuffix(ev.Account)
	if suffix == "" {
		return nil, nil
	}

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, acct := range accounts {
		if strings.HasSuffix(acct.AccountNumber, suffix) {
			return acct, nil
		}
	}
	return nil, nil
}

// digitSuffix extracts the trailing run of digits from a masked account
// hint. "Acct XX4321" and "...4321" both yield "4321".
func digitSuffix(hint string) string {
	end := len(hint)
	for end > 0 && !isDigit(hint[end-1]) {
		end--
	}
	start := end
	for start > 0 && isDigit(hint[start-1]) {
		start--
	}
	return hint[start:end]
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
