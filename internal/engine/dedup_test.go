package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-automation/cadenza/internal/core/db"
)

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey("rule-1", "evt-1")
	assert.Len(t, a, 64)
	assert.Equal(t, a, IdempotencyKey("rule-1", "evt-1"))
	assert.NotEqual(t, a, IdempotencyKey("rule-2", "evt-1"))
	// The separator keeps ("ab", "c") and ("a", "bc") apart.
	assert.NotEqual(t, IdempotencyKey("ab", "c"), IdempotencyKey("a", "bc"))
}

func TestMemoryDeduper_TTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewMemoryDeduper()
	d.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := d.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = d.Claim(ctx, "k", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = d.Claim(ctx, "k", time.Minute)
	assert.True(t, ok)
}

func TestMemoryDeduper_Sweeps(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewMemoryDeduper()
	d.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = d.Claim(ctx, "old", time.Second)
	now = now.Add(time.Hour)
	for i := 0; i < sweepEvery; i++ {
		_, _ = d.Claim(ctx, IdempotencyKey("r", "e"), time.Hour)
	}
	_, present := d.claims["old"]
	assert.False(t, present)
}

func TestMemoryDeduper_Release(t *testing.T) {
	d := NewMemoryDeduper()
	ctx := context.Background()
	ok, _ := d.Claim(ctx, "k", time.Hour)
	require.True(t, ok)
	require.NoError(t, d.Release(ctx, "k"))
	ok, _ = d.Claim(ctx, "k", time.Hour)
	assert.True(t, ok)
}

func TestSQLDeduper(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.MigrateUp(ctx, conn))
	q, err := db.LoadQueries(conn)
	require.NoError(t, err)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewSQLDeduper(q)
	d.now = func() time.Time { return now }

	ok, err := d.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second deduper on the same database sees the claim.
	other := NewSQLDeduper(q)
	other.now = d.now
	ok, err = other.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = d.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired claim is reclaimable")

	require.NoError(t, d.Release(ctx, "k"))
	ok, err = other.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
