package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calstore/internal/schema"
	"calstore/internal/store"
)

func testCache(t *testing.T) (*Cache, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "calstore.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db.RawDB(), zerolog.Nop()), db
}

func TestQueryCachesResult(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	calls := 0
	fetch := func(ctx context.Context) ([]string, error) {
		calls++
		return []string{"a", "b"}, nil
	}
	opts := Options{Owner: "user-1", Tags: []schema.Kind{schema.KindEvent}}

	got, err := Query(ctx, c, "events:user-1:week", opts, fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	got, err = Query(ctx, c, "events:user-1:week", opts, fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 1, calls, "second read should hit the cache")

	hits, misses := c.Stats()
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)
}

func TestQueryTTLExpiry(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	calls := 0
	fetch := func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	}
	opts := Options{Owner: "user-1", TTL: 10 * time.Second, Tags: []schema.Kind{schema.KindEvent}}

	_, err := Query(ctx, c, "k", opts, fetch)
	require.NoError(t, err)

	now = now.Add(5 * time.Second)
	_, err = Query(ctx, c, "k", opts, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "within TTL should not recompute")

	now = now.Add(6 * time.Second)
	got, err := Query(ctx, c, "k", opts, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "past TTL should recompute")
	assert.Equal(t, 2, got)
}

func TestPersistedTierSurvivesMemoryLoss(t *testing.T) {
	c, db := testCache(t)
	ctx := context.Background()

	calls := 0
	fetch := func(ctx context.Context) (string, error) {
		calls++
		return "persisted", nil
	}
	opts := Options{Owner: "user-1", TTL: time.Minute, Tags: []schema.Kind{schema.KindEvent}}

	_, err := Query(ctx, c, "k", opts, fetch)
	require.NoError(t, err)

	// A fresh Cache over the same database simulates a restart.
	fresh := New(db.RawDB(), zerolog.Nop())
	got, err := Query(ctx, fresh, "k", opts, fetch)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got)
	assert.Equal(t, 1, calls, "persisted tier should serve the fresh process")
}

func TestInvalidateByTag(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	calls := map[string]int{}
	cached := func(key string, tags ...schema.Kind) {
		_, err := Query(ctx, c, key, Options{Owner: "user-1", TTL: time.Minute, Tags: tags},
			func(ctx context.Context) (string, error) {
				calls[key]++
				return key, nil
			})
		require.NoError(t, err)
	}

	cached("events", schema.KindEvent)
	cached("cats", schema.KindCategory)

	c.Invalidate("user-1", schema.KindEvent)

	cached("events", schema.KindEvent)
	cached("cats", schema.KindCategory)
	assert.Equal(t, 2, calls["events"], "event-tagged entry should recompute")
	assert.Equal(t, 1, calls["cats"], "category entry should survive")
}

func TestInvalidateRespectsOwner(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	calls := 0
	opts := Options{Owner: "user-2", TTL: time.Minute, Tags: []schema.Kind{schema.KindEvent}}
	_, err := Query(ctx, c, "k2", opts, func(ctx context.Context) (string, error) {
		calls++
		return "other", nil
	})
	require.NoError(t, err)

	c.Invalidate("user-1", schema.KindEvent)

	_, err = Query(ctx, c, "k2", opts, func(ctx context.Context) (string, error) {
		calls++
		return "other", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "other owner's entry must survive")
}

func TestInvalidateOwnerDropsAllTags(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	calls := map[string]int{}
	cached := func(owner, key string, tags ...schema.Kind) {
		_, err := Query(ctx, c, key, Options{Owner: owner, TTL: time.Minute, Tags: tags},
			func(ctx context.Context) (string, error) {
				calls[key]++
				return key, nil
			})
		require.NoError(t, err)
	}

	cached("user-1", "u1-events", schema.KindEvent)
	cached("user-1", "u1-cats", schema.KindCategory)
	cached("user-2", "u2-events", schema.KindEvent)

	c.InvalidateOwner("user-1")

	cached("user-1", "u1-events", schema.KindEvent)
	cached("user-1", "u1-cats", schema.KindCategory)
	cached("user-2", "u2-events", schema.KindEvent)
	assert.Equal(t, 2, calls["u1-events"])
	assert.Equal(t, 2, calls["u1-cats"])
	assert.Equal(t, 1, calls["u2-events"], "other owner's entry must survive")
}

func TestWriteHookInvalidation(t *testing.T) {
	c, db := testCache(t)
	ctx := context.Background()

	db.OnWrite(c.Invalidate)

	calls := 0
	opts := Options{Owner: "user-1", TTL: time.Minute, Tags: []schema.Kind{schema.KindEvent}}
	query := func() {
		_, err := Query(ctx, c, "upcoming", opts, func(ctx context.Context) (int, error) {
			calls++
			return calls, nil
		})
		require.NoError(t, err)
	}

	query()
	query()
	require.Equal(t, 1, calls)

	err := db.PutEvent(ctx, &schema.Event{
		OwnerID:   "user-1",
		Title:     "Invalidating write",
		StartTime: time.Now().UTC(),
	})
	require.NoError(t, err)

	query()
	assert.Equal(t, 2, calls, "store write should evict tagged entry")
}

func TestPurgeExpired(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	opts := Options{Owner: "user-1", TTL: time.Second, Tags: []schema.Kind{schema.KindEvent}}
	_, err := Query(ctx, c, "short", opts, func(ctx context.Context) (string, error) {
		return "v", nil
	})
	require.NoError(t, err)

	now = now.Add(time.Minute)
	purged, err := c.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}
