package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore is the embedded single-node store. It also backs the
// store-level tests via ":memory:" databases.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_number TEXT PRIMARY KEY,
	bank_name      TEXT NOT NULL,
	acronym        TEXT NOT NULL,
	holder_name    TEXT,
	opening_balance TEXT NOT NULL DEFAULT '0',
	current_balance TEXT NOT NULL DEFAULT '0',
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_number      TEXT,
	bank_name           TEXT,
	source_account_hint TEXT,
	type                TEXT NOT NULL,
	amount              TEXT NOT NULL,
	mode                TEXT,
	reference_id        TEXT,
	event_time          INTEGER NOT NULL,
	event_time_text     TEXT,
	observed_balance    TEXT,
	balance_after       TEXT,
	is_auto_generated   BOOLEAN NOT NULL DEFAULT 0,
	synced              BOOLEAN NOT NULL DEFAULT 0,
	description         TEXT,
	created_at          TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_account_event
	ON transactions(account_number, event_time);
CREATE INDEX IF NOT EXISTS idx_transactions_synced
	ON transactions(synced);
`

// OpenSQLiteStore opens (or creates) the ledger database at path.
// Use ":memory:" for an ephemeral database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_txlock=immediate&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// sqlite allows a single writer; one pooled connection also keeps
	// ":memory:" databases from silently forking per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, acct *Account) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM accounts WHERE account_number = ?)",
		acct.AccountNumber).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check account existence: %w", err)
	}
	if exists {
		return ErrAccountExists
	}

	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (account_number, bank_name, acronym, holder_name, opening_balance, current_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, acct.AccountNumber, acct.BankName, acct.Acronym, acct.HolderName, acct.OpeningBalance, acct.CurrentBalance, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, accountNumber string) (*Account, error) {
	return scanAccountRow(s.db.QueryRowContext(ctx, `
		SELECT account_number, bank_name, acronym, COALESCE(holder_name, ''), opening_balance, current_balance, created_at, updated_at
		FROM accounts WHERE account_number = ?
	`, accountNumber))
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_number, bank_name, acronym, COALESCE(holder_name, ''), opening_balance, current_balance, created_at, updated_at
		FROM accounts ORDER BY account_number ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acct, err := scanAccountRow(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStore) UpdateAccount(ctx context.Context, acct *Account) error {
	acct.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET bank_name = ?, acronym = ?, holder_name = ?, current_balance = ?, updated_at = ?
		WHERE account_number = ?
	`, acct.BankName, acct.Acronym, acct.HolderName, acct.CurrentBalance, acct.UpdatedAt, acct.AccountNumber)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, accountNumber string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM transactions WHERE account_number = ?", accountNumber); err != nil {
		return fmt.Errorf("failed to delete account transactions: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"DELETE FROM accounts WHERE account_number = ?", accountNumber)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}

	return tx.Commit()
}

const txnColumns = `id, account_number, COALESCE(bank_name, ''), COALESCE(source_account_hint, ''),
	type, amount, COALESCE(mode, ''), COALESCE(reference_id, ''),
	event_time, COALESCE(event_time_text, ''), observed_balance, balance_after,
	is_auto_generated, synced, COALESCE(description, ''), created_at`

func (s *SQLiteStore) InsertTransaction(ctx context.Context, txn *Transaction) error {
	return insertTransactionSQL(ctx, s.db, txn)
}

func (s *SQLiteStore) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	txn, err := scanTxnRow(s.db.QueryRowContext(ctx,
		"SELECT "+txnColumns+" FROM transactions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return txn, err
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]*Transaction, error) {
	return queryTxns(ctx, s.db,
		"SELECT "+txnColumns+" FROM transactions WHERE synced = 0 ORDER BY id ASC")
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, opts ListOptions) ([]*Transaction, error) {
	query := "SELECT " + txnColumns + " FROM transactions WHERE 1=1"
	var args []interface{}

	if !opts.IncludePending {
		query += " AND synced = 1"
	}
	if opts.AccountNumber != "" {
		query += " AND account_number = ?"
		args = append(args, opts.AccountNumber)
	}
	query += " ORDER BY event_time DESC, id DESC"

	return queryTxns(ctx, s.db, query, args...)
}

func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx StoreTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CompactTransactionIDs renumbers ids densely from 1 and resets the
// autoincrement counter. Ids are reassigned in ascending order, so the new
// id is never ahead of the old one and no collision can occur mid-pass.
func (s *SQLiteStore) CompactTransactionIDs(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id FROM transactions ORDER BY id ASC")
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
		if _, err := tx.ExecContext(ctx,
			"UPDATE transactions SET id = ? WHERE id = ?", newID, oldID); err != nil {
			return fmt.Errorf("failed to renumber transaction %d: %w", oldID, err)
		}
	}

	next := int64(len(ids))
	res, err := tx.ExecContext(ctx,
		"UPDATE sqlite_sequence SET seq = ? WHERE name = 'transactions'", next)
	if err != nil {
		return fmt.Errorf("failed to reset id sequence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO sqlite_sequence (name, seq) VALUES ('transactions', ?)", next); err != nil {
			return fmt.Errorf("failed to seed id sequence: %w", err)
		}
	}

	return tx.Commit()
}

type sqliteTx struct {
	tx *sql.Tx
}

// sqlite takes a database-level write lock for the whole transaction, so a
// separate row lock is unnecessary here.
func (t *sqliteTx) AccountForUpdate(ctx context.Context, accountNumber string) (*Account, error) {
	return scanAccountRow(t.tx.QueryRowContext(ctx, `
		SELECT account_number, bank_name, acronym, COALESCE(holder_name, ''), opening_balance, current_balance, created_at, updated_at
		FROM accounts WHERE account_number = ?
	`, accountNumber))
}

func (t *sqliteTx) TransactionByID(ctx context.Context, id int64) (*Transaction, error) {
	txn, err := scanTxnRow(t.tx.QueryRowContext(ctx,
		"SELECT "+txnColumns+" FROM transactions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return txn, err
}

func (t *sqliteTx) PredecessorOf(ctx context.Context, accountNumber string, eventTime int64) (*Transaction, error) {
	txn, err := scanTxnRow(t.tx.QueryRowContext(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE account_number = ? AND event_time < ? AND balance_after IS NOT NULL
		ORDER BY event_time DESC, id DESC LIMIT 1
	`, accountNumber, eventTime))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return txn, err
}

func (t *sqliteTx) TransactionsAfter(ctx context.Context, accountNumber string, eventTime int64) ([]*Transaction, error) {
	return queryTxns(ctx, t.tx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE account_number = ? AND event_time > ?
		ORDER BY event_time ASC, id ASC
	`, accountNumber, eventTime)
}

func (t *sqliteTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	return insertTransactionSQL(ctx, t.tx, txn)
}

func (t *sqliteTx) UpdateTransaction(ctx context.Context, txn *Transaction) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET balance_after = ?, synced = ?, description = ?
		WHERE id = ?
	`, txn.BalanceAfter, txn.Synced, txn.Description, txn.ID)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (t *sqliteTx) UpdateAccountBalance(ctx context.Context, accountNumber string, balance decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE accounts SET current_balance = ?, updated_at = ? WHERE account_number = ?
	`, balance, time.Now().UTC(), accountNumber)
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func insertTransactionSQL(ctx context.Context, db execer, txn *Transaction) error {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}

	var acctNum sql.NullString
	if txn.AccountNumber != nil {
		acctNum = sql.NullString{String: *txn.AccountNumber, Valid: true}
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO transactions (
			account_number, bank_name, source_account_hint, type, amount, mode, reference_id,
			event_time, event_time_text, observed_balance, balance_after,
			is_auto_generated, synced, description, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, acctNum, txn.BankName, txn.SourceAccountHint, string(txn.Type), txn.Amount, txn.Mode, txn.ReferenceID,
		txn.EventTime, txn.EventTimeText, txn.ObservedBalance, txn.BalanceAfter,
		txn.IsAutoGenerated, txn.Synced, txn.Description, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted id: %w", err)
	}
	txn.ID = id
	return nil
}

func queryTxns(ctx context.Context, db execer, query string, args ...interface{}) ([]*Transaction, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		txn, err := scanTxnRow(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccountRow(row rowScanner) (*Account, error) {
	var acct Account
	err := row.Scan(&acct.AccountNumber, &acct.BankName, &acct.Acronym, &acct.HolderName,
		&acct.OpeningBalance, &acct.CurrentBalance, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &acct, nil
}

func scanTxnRow(row rowScanner) (*Transaction, error) {
	var (
		txn     Transaction
		acctNum sql.NullString
		typ     string
	)
	err := row.Scan(&txn.ID, &acctNum, &txn.BankName, &txn.SourceAccountHint,
		&typ, &txn.Amount, &txn.Mode, &txn.ReferenceID,
		&txn.EventTime, &txn.EventTimeText, &txn.ObservedBalance, &txn.BalanceAfter,
		&txn.IsAutoGenerated, &txn.Synced, &txn.Description, &txn.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	txn.Type = EntryType(typ)
	if acctNum.Valid {
		txn.AccountNumber = &acctNum.String
	}
	return &txn, nil
}
