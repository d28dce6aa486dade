package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/bankledger/pkg/audit"
)

// Auditor records ledger mutations on a tamper-evident log.
type Auditor interface {
	Append(payload string) *audit.Entry
}

// Config assembles a Service.
type Config struct {
	Store   Store
	Cache   BalanceCache
	Logger  *slog.Logger
	Auditor Auditor
	// LockTimeout bounds per-account lock acquisition. Defaults to 5s.
	LockTimeout time.Duration
}

// Service owns all ledger state: the store, the balance cache, the
// per-account reconciliation locks and the compaction gate. Construct one
// per process and share it across callers.
type Service struct {
	store       Store
	cache       BalanceCache
	logger      *slog.Logger
	auditor     Auditor
	locks       *keyedLocks
	lockTimeout time.Duration

	// gate serializes id compaction against in-flight reconciles:
	// reconciles hold the read side, the compactor the write side.
	gate sync.RWMutex
}

func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}

	return &Service{
		store:       cfg.Store,
		cache:       cfg.Cache,
		logger:      cfg.Logger,
		auditor:     cfg.Auditor,
		locks:       newKeyedLocks(),
		lockTimeout: cfg.LockTimeout,
	}
}

// CreateAccountRequest carries the fields for a new account. The opening
// balance becomes the base the account's first reconciled transaction
// builds on.
type CreateAccountRequest struct {
	AccountNumber  string          `json:"account_number"`
	BankName       string          `json:"bank_name"`
	Acronym        string          `json:"acronym"`
	HolderName     string          `json:"holder_name"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

func (s *Service) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	if req.AccountNumber == "" {
		return nil, fmt.Errorf("account number is required")
	}
	if req.BankName == "" {
		return nil, fmt.Errorf("bank name is required")
	}
	if req.Acronym == "" {
		return nil, fmt.Errorf("acronym is required")
	}

	acct := &Account{
		AccountNumber:  req.AccountNumber,
		BankName:       req.BankName,
		Acronym:        req.Acronym,
		HolderName:     req.HolderName,
		OpeningBalance: req.OpeningBalance,
		CurrentBalance: req.OpeningBalance,
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}

	s.cacheSet(ctx, acct.AccountNumber, acct.CurrentBalance)
	return acct, nil
}

// AccountUpdate holds optional replacement fields; nil means keep.
type AccountUpdate struct {
	BankName       *string          `json:"bank_name"`
	Acronym        *string          `json:"acronym"`
	HolderName     *string          `json:"holder_name"`
	CurrentBalance *decimal.Decimal `json:"current_balance"`
}

func (s *Service) UpdateAccount(ctx context.Context, accountNumber string, upd AccountUpdate) (*Account, error) {
	acct, err := s.store.GetAccount(ctx, accountNumber)
	if err != nil {
		return nil, err
	}

	if upd.BankName != nil {
		acct.BankName = *upd.BankName
	}
	if upd.Acronym != nil {
		acct.Acronym = *upd.Acronym
	}
	if upd.HolderName != nil {
		acct.HolderName = *upd.HolderName
	}
	if upd.CurrentBalance != nil {
		acct.CurrentBalance = *upd.CurrentBalance
	}

	if err := s.store.UpdateAccount(ctx, acct); err != nil {
		return nil, err
	}

	s.cacheSet(ctx, acct.AccountNumber, acct.CurrentBalance)
	return acct, nil
}

// DeleteAccount removes the account, its transactions and its cache entry,
// then compacts transaction ids.
func (s *Service) DeleteAccount(ctx context.Context, accountNumber string) error {
	if err := s.store.DeleteAccount(ctx, accountNumber); err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.Delete(ctx, accountNumber); err != nil {
			s.logger.Warn("balance cache delete failed", "account", accountNumber, "error", err)
		}
	}

	if err := s.CompactIDs(ctx); err != nil {
		s.logger.Warn("id compaction after account delete failed", "error", err)
	}
	return nil
}

// Account returns one account with the cached balance overlaid when present.
func (s *Service) Account(ctx context.Context, accountNumber string) (*Account, error) {
	acct, err := s.store.GetAccount(ctx, accountNumber)
	if err != nil {
		return nil, err
	}
	s.overlayCachedBalance(ctx, acct)
	return acct, nil
}

// Accounts returns every account, cached balances overlaid.
func (s *Service) Accounts(ctx context.Context) ([]*Account, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, acct := range accounts {
		s.overlayCachedBalance(ctx, acct)
	}
	return accounts, nil
}

// Balance returns the account's current balance, preferring the cache.
func (s *Service) Balance(ctx context.Context, accountNumber string) (decimal.Decimal, error) {
	if s.cache != nil {
		if bal, ok, err := s.cache.Get(ctx, accountNumber); err == nil && ok {
			return bal, nil
		}
	}

	acct, err := s.store.GetAccount(ctx, accountNumber)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.CurrentBalance, nil
}

// Transactions lists ledger rows, newest first.
func (s *Service) Transactions(ctx context.Context, opts ListOptions) ([]*Transaction, error) {
	return s.store.ListTransactions(ctx, opts)
}

func (s *Service) overlayCachedBalance(ctx context.Context, acct *Account) {
	if s.cache == nil {
		return
	}
	if bal, ok, err := s.cache.Get(ctx, acct.AccountNumber); err == nil && ok {
		acct.CurrentBalance = bal
	}
}

func (s *Service) cacheSet(ctx context.Context, accountNumber string, balance decimal.Decimal) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, accountNumber, balance); err != nil {
		s.logger.Warn("balance cache update failed", "account", accountNumber, "error", err)
	}
}

func (s *Service) auditAppend(payload string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Append(payload)
}
