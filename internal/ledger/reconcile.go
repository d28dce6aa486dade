package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// balanceEpsilon is the largest expected/observed gap treated as rounding
// noise rather than a missing transaction.
var balanceEpsilon = decimal.RequireFromString("0.01")

// ReconcileResult reports what one reconciliation pass did.
type ReconcileResult struct {
	Transaction *Transaction `json:"transaction"`
	// Applied is false when the row turned out to be settled already and
	// the pass changed nothing.
	Applied bool `json:"applied"`
	// Corrective is the synthesized entry, nil when the observed balance
	// matched the expectation.
	Corrective *Transaction `json:"corrective,omitempty"`
	// Balance is the account balance after the pass.
	Balance decimal.Decimal `json:"balance"`
	// Recomputed counts later rows whose balance_after was rewritten;
	// RecomputedIDs names them.
	Recomputed    int     `json:"recomputed"`
	RecomputedIDs []int64 `json:"recomputed_ids,omitempty"`
}

// Reconcile settles one pending transaction: it anchors the row on its
// chronological predecessor, synthesizes at most one corrective entry when
// the bank's observed balance disagrees with the expected one, recomputes
// every later row's balance_after and propagates the final balance to the
// account. The whole pass is one store transaction under the account lock.
func (s *Service) Reconcile(ctx context.Context, txn *Transaction) (*ReconcileResult, error) {
	if txn.AccountNumber == nil {
		return nil, ErrInvalidState
	}
	if txn.Synced {
		return &ReconcileResult{Transaction: txn, Balance: txn.BalanceAfter.Decimal}, nil
	}
	accountNumber := *txn.AccountNumber

	s.gate.RLock()
	defer s.gate.RUnlock()

	release, err := s.locks.acquire(accountNumber, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	var result *ReconcileResult
	err = s.store.WithinTx(ctx, func(tx StoreTx) error {
		// The closure may re-run on serialization retry; all state is
		// rebuilt from scratch each attempt.
		result = nil

		// The caller's row is a snapshot; another pass may have settled
		// it since. Reconcile against the committed state only.
		row, err := tx.TransactionByID(ctx, txn.ID)
		if err != nil {
			return err
		}
		if row.Synced {
			*txn = *row
			result = &ReconcileResult{Transaction: txn, Balance: row.BalanceAfter.Decimal}
			return nil
		}
		pending := *row

		acct, err := tx.AccountForUpdate(ctx, accountNumber)
		if err != nil {
			return err
		}

		prevBalance, err := s.previousBalance(ctx, tx, acct, pending.EventTime)
		if err != nil {
			return err
		}
		expected := applyEntry(prevBalance, pending.Type, pending.Amount)

		var corrective *Transaction
		if pending.ObservedBalance.Valid {
			observed := pending.ObservedBalance.Decimal
			diff := expected.Sub(observed)
			if diff.Abs().GreaterThan(balanceEpsilon) {
				corrective = buildCorrective(acct, &pending, prevBalance, diff)
				if err := tx.InsertTransaction(ctx, corrective); err != nil {
					return err
				}
			}
			pending.BalanceAfter = decimal.NullDecimal{Decimal: observed, Valid: true}
		} else {
			pending.BalanceAfter = decimal.NullDecimal{Decimal: expected, Valid: true}
		}

		pending.Synced = true
		if err := tx.UpdateTransaction(ctx, &pending); err != nil {
			return err
		}

		balance, recomputedIDs, err := s.recomputeForward(ctx, tx, accountNumber,
			pending.EventTime, pending.BalanceAfter.Decimal)
		if err != nil {
			return err
		}

		if err := tx.UpdateAccountBalance(ctx, accountNumber, balance); err != nil {
			return err
		}

		*txn = pending
		result = &ReconcileResult{
			Transaction:   txn,
			Applied:       true,
			Corrective:    corrective,
			Balance:       balance,
			Recomputed:    len(recomputedIDs),
			RecomputedIDs: recomputedIDs,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile transaction %d: %w", txn.ID, err)
	}
	if !result.Applied {
		return result, nil
	}

	s.cacheSet(ctx, accountNumber, result.Balance)

	if result.Corrective != nil {
		s.auditAppend(fmt.Sprintf("corrective account=%s type=%s amount=%s anchor=%d",
			accountNumber, result.Corrective.Type, result.Corrective.Amount, txn.ID))
		s.logger.Info("corrective entry synthesized",
			"account", accountNumber,
			"type", result.Corrective.Type,
			"amount", result.Corrective.Amount,
			"anchor_id", txn.ID)
	}
	s.logger.Debug("transaction reconciled",
		"account", accountNumber, "id", txn.ID,
		"balance", result.Balance, "recomputed", result.Recomputed)

	return result, nil
}

// previousBalance resolves the balance the pending row builds on: the
// nearest predecessor carrying a balance_after, or the account's opening
// balance when the row is chronologically first. The live current balance
// is never consulted here; it advances as later rows settle, and anchoring
// on it would count a movement twice.
func (s *Service) previousBalance(ctx context.Context, tx StoreTx, acct *Account, eventTime int64) (decimal.Decimal, error) {
	pred, err := tx.PredecessorOf(ctx, acct.AccountNumber, eventTime)
	if err != nil {
		return decimal.Zero, err
	}
	if pred != nil {
		return pred.BalanceAfter.Decimal, nil
	}
	return acct.OpeningBalance, nil
}

// buildCorrective synthesizes the missing entry that explains the gap
// between the expected and observed balance. A positive diff means the
// ledger sits above the bank, so the missing movement is a debit. The
// entry lands immediately before its anchor in event order, chains its
// balance_after off the predecessor balance and is born settled.
func buildCorrective(acct *Account, anchor *Transaction, prevBalance, diff decimal.Decimal) *Transaction {
	corrType := Credit
	if diff.Sign() > 0 {
		corrType = Debit
	}
	amount := diff.Abs()

	return &Transaction{
		AccountNumber: anchor.AccountNumber,
		BankName:      acct.BankName,
		Type:          corrType,
		Amount:        amount,
		Mode:          "auto",
		EventTime:     anchor.EventTime - 1,
		BalanceAfter: decimal.NullDecimal{
			Decimal: applyEntry(prevBalance, corrType, amount),
			Valid:   true,
		},
		IsAutoGenerated: true,
		Synced:          true,
		Description:     AutoGeneratedDescription,
	}
}

// recomputeForward rewrites balance_after for every row strictly after
// eventTime, chaining from base. It returns the final balance and the ids
// of the rows it rewrote.
func (s *Service) recomputeForward(ctx context.Context, tx StoreTx, accountNumber string, eventTime int64, base decimal.Decimal) (decimal.Decimal, []int64, error) {
	later, err := tx.TransactionsAfter(ctx, accountNumber, eventTime)
	if err != nil {
		return decimal.Zero, nil, err
	}

	running := base
	var recomputed []int64
	for _, row := range later {
		running = applyEntry(running, row.Type, row.Amount)
		if row.BalanceAfter.Valid && row.BalanceAfter.Decimal.Equal(running) {
			continue
		}
		row.BalanceAfter = decimal.NullDecimal{Decimal: running, Valid: true}
		if err := tx.UpdateTransaction(ctx, row); err != nil {
			return decimal.Zero, nil, err
		}
		recomputed = append(recomputed, row.ID)
	}
	return running, recomputed, nil
}
