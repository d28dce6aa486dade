package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore is the production store backed by a pgx connection pool.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_number TEXT PRIMARY KEY,
	bank_name      TEXT NOT NULL,
	acronym        TEXT NOT NULL,
	holder_name    TEXT,
	opening_balance NUMERIC NOT NULL DEFAULT 0,
	current_balance NUMERIC NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
	id BIGSERIAL PRIMARY KEY,
	account_number      TEXT,
	bank_name           TEXT,
	source_account_hint TEXT,
	type                TEXT NOT NULL,
	amount              NUMERIC NOT NULL,
	mode                TEXT,
	reference_id        TEXT,
	event_time          BIGINT NOT NULL,
	event_time_text     TEXT,
	observed_balance    NUMERIC,
	balance_after       NUMERIC,
	is_auto_generated   BOOLEAN NOT NULL DEFAULT false,
	synced              BOOLEAN NOT NULL DEFAULT false,
	description         TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transactions_account_event
	ON transactions(account_number, event_time);
CREATE INDEX IF NOT EXISTS idx_transactions_synced
	ON transactions(synced) WHERE NOT synced;
`

// EnsureSchema creates the ledger tables when they do not exist yet.
func (ps *PostgresStore) EnsureSchema(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := ps.Pool.Exec(queryCtx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (ps *PostgresStore) Close() {
	ps.Pool.Close()
}

const pgAccountColumns = `account_number, bank_name, acronym, COALESCE(holder_name, ''),
	opening_balance::text, current_balance::text, created_at, updated_at`

func (ps *PostgresStore) CreateAccount(ctx context.Context, acct *Account) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	_, err := ps.Pool.Exec(queryCtx, `
		INSERT INTO accounts (account_number, bank_name, acronym, holder_name, opening_balance, current_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, acct.AccountNumber, acct.BankName, acct.Acronym, acct.HolderName, acct.OpeningBalance, acct.CurrentBalance, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (ps *PostgresStore) GetAccount(ctx context.Context, accountNumber string) (*Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return scanPgAccount(ps.Pool.QueryRow(queryCtx,
		"SELECT "+pgAccountColumns+" FROM accounts WHERE account_number = $1", accountNumber))
}

func (ps *PostgresStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := ps.Pool.Query(queryCtx,
		"SELECT "+pgAccountColumns+" FROM accounts ORDER BY account_number ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acct, err := scanPgAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func (ps *PostgresStore) UpdateAccount(ctx context.Context, acct *Account) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	acct.UpdatedAt = time.Now().UTC()
	tag, err := ps.Pool.Exec(queryCtx, `
		UPDATE accounts SET bank_name = $1, acronym = $2, holder_name = $3, current_balance = $4, updated_at = $5
		WHERE account_number = $6
	`, acct.BankName, acct.Acronym, acct.HolderName, acct.CurrentBalance, acct.UpdatedAt, acct.AccountNumber)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (ps *PostgresStore) DeleteAccount(ctx context.Context, accountNumber string) error {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := ps.Pool.Begin(queryCtx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if _, err := tx.Exec(queryCtx,
		"DELETE FROM transactions WHERE account_number = $1", accountNumber); err != nil {
		return fmt.Errorf("failed to delete account transactions: %w", err)
	}

	tag, err := tx.Exec(queryCtx,
		"DELETE FROM accounts WHERE account_number = $1", accountNumber)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return tx.Commit(queryCtx)
}

const pgTxnColumns = `id, account_number, COALESCE(bank_name, ''), COALESCE(source_account_hint, ''),
	type, amount::text, COALESCE(mode, ''), COALESCE(reference_id, ''),
	event_time, COALESCE(event_time_text, ''), observed_balance::text, balance_after::text,
	is_auto_generated, synced, COALESCE(description, ''), created_at`

func (ps *PostgresStore) InsertTransaction(ctx context.Context, txn *Transaction) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return insertPgTransaction(queryCtx, ps.Pool, txn)
}

func (ps *PostgresStore) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	txn, err := scanPgTxn(ps.Pool.QueryRow(queryCtx,
		"SELECT "+pgTxnColumns+" FROM transactions WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return txn, err
}

func (ps *PostgresStore) ListPending(ctx context.Context) ([]*Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return queryPgTxns(queryCtx, ps.Pool,
		"SELECT "+pgTxnColumns+" FROM transactions WHERE NOT synced ORDER BY id ASC")
}

func (ps *PostgresStore) ListTransactions(ctx context.Context, opts ListOptions) ([]*Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	query := "SELECT " + pgTxnColumns + " FROM transactions WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if !opts.IncludePending {
		query += " AND synced"
	}
	if opts.AccountNumber != "" {
		query += fmt.Sprintf(" AND account_number = $%d", argCount)
		args = append(args, opts.AccountNumber)
		argCount++
	}
	query += " ORDER BY event_time DESC, id DESC"

	return queryPgTxns(queryCtx, ps.Pool, query, args...)
}

// WithinTx runs fn under SERIALIZABLE isolation, retrying on serialization
// failure the way every write path in this store does. fn may therefore run
// more than once.
func (ps *PostgresStore) WithinTx(ctx context.Context, fn func(tx StoreTx) error) error {
	const maxRetries = 3

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := ps.withinTxOnce(ctx, fn)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "40001" {
				if attempt == maxRetries-1 {
					return fmt.Errorf("transaction failed after %d retries due to serialization failure: %w", maxRetries, err)
				}
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return err
		}
		break
	}

	return nil
}

func (ps *PostgresStore) withinTxOnce(ctx context.Context, fn func(tx StoreTx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	conn, err := ps.Pool.Acquire(queryCtx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(queryCtx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CompactTransactionIDs renumbers ids densely from 1 and resets the id
// sequence. Ids are reassigned in ascending order so no collision can occur
// mid-pass. Callers must guarantee no reconcile is in flight.
func (ps *PostgresStore) CompactTransactionIDs(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := ps.Pool.Begin(queryCtx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if _, err := tx.Exec(queryCtx, "LOCK TABLE transactions IN ACCESS EXCLUSIVE MODE"); err != nil {
		return fmt.Errorf("failed to lock transactions table: %w", err)
	}

	rows, err := tx.Query(queryCtx, "SELECT id FROM transactions ORDER BY id ASC")
	if err != nil {
		return fmt.Errorf("failed to scan ids: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for i, oldID := range ids {
		newID := int64(i + 1)
		if oldID == newID {
			continue
		}
		if _, err := tx.Exec(queryCtx,
			"UPDATE transactions SET id = $1 WHERE id = $2", newID, oldID); err != nil {
			return fmt.Errorf("failed to renumber transaction %d: %w", oldID, err)
		}
	}

	if len(ids) == 0 {
		_, err = tx.Exec(queryCtx,
			"SELECT setval(pg_get_serial_sequence('transactions', 'id'), 1, false)")
	} else {
		_, err = tx.Exec(queryCtx,
			"SELECT setval(pg_get_serial_sequence('transactions', 'id'), $1, true)", int64(len(ids)))
	}
	if err != nil {
		return fmt.Errorf("failed to reset id sequence: %w", err)
	}

	return tx.Commit(queryCtx)
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) AccountForUpdate(ctx context.Context, accountNumber string) (*Account, error) {
	return scanPgAccount(t.tx.QueryRow(ctx,
		"SELECT "+pgAccountColumns+" FROM accounts WHERE account_number = $1 FOR UPDATE", accountNumber))
}

func (t *postgresTx) TransactionByID(ctx context.Context, id int64) (*Transaction, error) {
	txn, err := scanPgTxn(t.tx.QueryRow(ctx,
		"SELECT "+pgTxnColumns+" FROM transactions WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return txn, err
}

func (t *postgresTx) PredecessorOf(ctx context.Context, accountNumber string, eventTime int64) (*Transaction, error) {
	txn, err := scanPgTxn(t.tx.QueryRow(ctx, `
		SELECT `+pgTxnColumns+` FROM transactions
		WHERE account_number = $1 AND event_time < $2 AND balance_after IS NOT NULL
		ORDER BY event_time DESC, id DESC LIMIT 1
	`, accountNumber, eventTime))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return txn, err
}

func (t *postgresTx) TransactionsAfter(ctx context.Context, accountNumber string, eventTime int64) ([]*Transaction, error) {
	return queryPgTxns(ctx, t.tx, `
		SELECT `+pgTxnColumns+` FROM transactions
		WHERE account_number = $1 AND event_time > $2
		ORDER BY event_time ASC, id ASC
	`, accountNumber, eventTime)
}

func (t *postgresTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	return insertPgTransaction(ctx, t.tx, txn)
}

func (t *postgresTx) UpdateTransaction(ctx context.Context, txn *Transaction) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE transactions SET balance_after = $1, synced = $2, description = $3
		WHERE id = $4
	`, txn.BalanceAfter, txn.Synced, txn.Description, txn.ID)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (t *postgresTx) UpdateAccountBalance(ctx context.Context, accountNumber string, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE accounts SET current_balance = $1, updated_at = $2 WHERE account_number = $3
	`, balance, time.Now().UTC(), accountNumber)
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// pgQuerier covers *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func insertPgTransaction(ctx context.Context, db pgQuerier, txn *Transaction) error {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}

	err := db.QueryRow(ctx, `
		INSERT INTO transactions (
			account_number, bank_name, source_account_hint, type, amount, mode, reference_id,
			event_time, event_time_text, observed_balance, balance_after,
			is_auto_generated, synced, description, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`, txn.AccountNumber, txn.BankName, txn.SourceAccountHint, string(txn.Type), txn.Amount, txn.Mode, txn.ReferenceID,
		txn.EventTime, txn.EventTimeText, txn.ObservedBalance, txn.BalanceAfter,
		txn.IsAutoGenerated, txn.Synced, txn.Description, txn.CreatedAt).Scan(&txn.ID)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func queryPgTxns(ctx context.Context, db pgQuerier, query string, args ...interface{}) ([]*Transaction, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		txn, err := scanPgTxn(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func scanPgAccount(row pgx.Row) (*Account, error) {
	var acct Account
	err := row.Scan(&acct.AccountNumber, &acct.BankName, &acct.Acronym, &acct.HolderName,
		&acct.OpeningBalance, &acct.CurrentBalance, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &acct, nil
}

func scanPgTxn(row pgx.Row) (*Transaction, error) {
	var (
		txn     Transaction
		acctNum *string
		typ     string
	)
	err := row.Scan(&txn.ID, &acctNum, &txn.BankName, &txn.SourceAccountHint,
		&typ, &txn.Amount, &txn.Mode, &txn.ReferenceID,
		&txn.EventTime, &txn.EventTimeText, &txn.ObservedBalance, &txn.BalanceAfter,
		&txn.IsAutoGenerated, &txn.Synced, &txn.Description, &txn.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	txn.Type = EntryType(typ)
	txn.AccountNumber = acctNum
	return &txn, nil
}
