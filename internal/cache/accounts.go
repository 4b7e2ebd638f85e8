// Package cache keeps a Redis copy of account reads. Entries are evicted
// whenever a balance or bank name changes; the ledger never reads balances
// from here when moving money.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/alias-ledger/internal/ledger"
)

const defaultTTL = 30 * time.Second

// AccountCache implements ledger.AccountCache over Redis.
type AccountCache struct {
	Redis  *redis.Client
	Prefix string
	TTL    time.Duration
}

func NewAccountCache(client *redis.Client, ttl time.Duration) *AccountCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &AccountCache{Redis: client, Prefix: "account", TTL: ttl}
}

func (c *AccountCache) key(id string) string {
	if c.Prefix == "" {
		return id
	}
	return c.Prefix + ":" + id
}

// Get returns the cached account. A miss is (nil, false, nil).
func (c *AccountCache) Get(ctx context.Context, id string) (*ledger.Account, bool, error) {
	raw, err := c.Redis.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", id, err)
	}

	var acct ledger.Account
	if err := json.Unmarshal(raw, &acct); err != nil {
		// Unreadable entries are treated as misses and dropped.
		_ = c.Redis.Del(ctx, c.key(id)).Err()
		return nil, false, nil
	}
	return &acct, true, nil
}

func (c *AccountCache) Set(ctx context.Context, a *ledger.Account) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", a.ID, err)
	}
	if err := c.Redis.Set(ctx, c.key(a.ID), raw, c.TTL).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", a.ID, err)
	}
	return nil
}

func (c *AccountCache) Evict(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(id)
	}
	if err := c.Redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache evict: %w", err)
	}
	return nil
}
