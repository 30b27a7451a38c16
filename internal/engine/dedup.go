package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cadenza-automation/cadenza/internal/core/db"
	"github.com/cadenza-automation/cadenza/internal/types"
)

// Deduper claims idempotency keys. Claim returns true for the first claim of
// a key within ttl and false for every later one. Release drops a claim so
// the next delivery of the same key runs again.
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// IdempotencyKey identifies one (rule, event) execution.
func IdempotencyKey(rule types.RuleID, event types.EventID) string {
	sum := sha256.Sum256([]byte(string(rule) + "\x00" + string(event)))
	return hex.EncodeToString(sum[:])
}

// MemoryDeduper keeps claims in process memory.
type MemoryDeduper struct {
	mu      sync.Mutex
	claims  map[string]time.Time
	now     func() time.Time
	claimsN int
}

// sweepEvery bounds how often expired claims are purged.
const sweepEvery = 1024

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{claims: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDeduper) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.claimsN++
	if d.claimsN%sweepEvery == 0 {
		for k, exp := range d.claims {
			if !now.Before(exp) {
				delete(d.claims, k)
			}
		}
	}

	if exp, ok := d.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.claims[key] = now.Add(ttl)
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	delete(d.claims, key)
	d.mu.Unlock()
	return nil
}

// RedisDeduper claims keys with SET NX PX so claims are shared across
// engine instances.
type RedisDeduper struct {
	client redis.Cmdable
	prefix string
}

func NewRedisDeduper(client redis.Cmdable, prefix string) *RedisDeduper {
	if prefix == "" {
		prefix = "cadenza:idem:"
	}
	return &RedisDeduper{client: client, prefix: prefix}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim: %w", err)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// SQLDeduper keeps claims in the idempotency_claims table so they survive
// restarts and are shared by engines on the same database.
type SQLDeduper struct {
	q      *db.Queries
	now    func() time.Time
	claims atomic.Int64
}

func NewSQLDeduper(q *db.Queries) *SQLDeduper {
	return &SQLDeduper{q: q, now: time.Now}
}

func (d *SQLDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := d.now()
	if d.claims.Add(1)%sweepEvery == 0 {
		if _, err := d.q.Exec(ctx, "purge-expired-claims", now.UnixMilli()); err != nil {
			return false, fmt.Errorf("purge expired claims: %w", err)
		}
	}
	if _, err := d.q.Exec(ctx, "expire-claim", key, now.UnixMilli()); err != nil {
		return false, fmt.Errorf("expire claim: %w", err)
	}
	res, err := d.q.Exec(ctx, "insert-claim", key, now.Add(ttl).UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert claim: %w", err)
	}
	return n == 1, nil
}

func (d *SQLDeduper) Release(ctx context.Context, key string) error {
	if _, err := d.q.Exec(ctx, "delete-claim", key); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}
