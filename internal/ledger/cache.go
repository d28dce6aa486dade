package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// BalanceCache is a fast account-number to current-balance lookup. It is an
// optimization only: a miss or an error always falls back to the account
// row, which stays the source of truth.
type BalanceCache interface {
	Get(ctx context.Context, accountNumber string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, accountNumber string, balance decimal.Decimal) error
	Delete(ctx context.Context, accountNumber string) error
}

// RedisBalanceCache stores balances under "balance:<account_number>".
type RedisBalanceCache struct {
	Client *redis.Client
	TTL    time.Duration
}

func (c *RedisBalanceCache) key(accountNumber string) string {
	return "balance:" + accountNumber
}

func (c *RedisBalanceCache) Get(ctx context.Context, accountNumber string) (decimal.Decimal, bool, error) {
	raw, err := c.Client.Get(ctx, c.key(accountNumber)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to read cached balance: %w", err)
	}

	bal, err := decimal.NewFromString(raw)
	if err != nil {
		// A corrupt value is a miss, not a failure.
		return decimal.Zero, false, nil
	}
	return bal, true, nil
}

func (c *RedisBalanceCache) Set(ctx context.Context, accountNumber string, balance decimal.Decimal) error {
	if err := c.Client.Set(ctx, c.key(accountNumber), balance.String(), c.TTL).Err(); err != nil {
		return fmt.Errorf("failed to cache balance: %w", err)
	}
	return nil
}

func (c *RedisBalanceCache) Delete(ctx context.Context, accountNumber string) error {
	if err := c.Client.Del(ctx, c.key(accountNumber)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached balance: %w", err)
	}
	return nil
}
