// Package cache provides a two-tier TTL cache for query results: a
// process-local map in front of a persisted tier in the query_cache
// table that survives restarts. Entries carry tags; a store write
// invalidates every entry tagged with the written entity kind, keeping
// reads fresh without manual eviction.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"calstore/internal/schema"
)

// DefaultTTL applies when Options.TTL is zero.
const DefaultTTL = 5 * time.Second

// Options scopes one cached query.
type Options struct {
	// Owner partitions the entry; invalidation never crosses owners.
	Owner string
	// TTL bounds staleness. Expired entries are recomputed on next read.
	TTL time.Duration
	// Tags name the entity kinds the result depends on. A write to any
	// of them evicts the entry.
	Tags []schema.Kind
}

type memEntry struct {
	result    []byte
	tags      string
	owner     string
	expiresAt time.Time
}

// Cache is the two-tier store. The zero value is not usable; construct
// with New.
type Cache struct {
	db  *sql.DB
	log zerolog.Logger

	mu  sync.Mutex
	mem map[string]memEntry

	now func() time.Time

	hits   int
	misses int
}

// New returns a cache over an already-opened database.
func New(db *sql.DB, log zerolog.Logger) *Cache {
	return &Cache{
		db:  db,
		log: log.With().Str("component", "cache").Logger(),
		mem: make(map[string]memEntry),
		now: time.Now,
	}
}

// Query returns the cached result for key, or computes it with fn and
// stores it in both tiers. Results must be JSON-serializable; the
// persisted tier stores them as JSON so a restart repopulates the
// memory tier on first read.
func Query[T any](ctx context.Context, c *Cache, key string, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if raw, ok := c.lookup(ctx, key); ok {
		var result T
		if err := json.Unmarshal(raw, &result); err == nil {
			c.countHit()
			return result, nil
		}
		// Undecodable entry; fall through and recompute.
		c.evict(ctx, key)
	}
	c.countMiss()

	result, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("failed to encode cache entry: %w", err)
	}
	c.put(ctx, key, raw, opts, ttl)
	return result, nil
}

func (c *Cache) lookup(ctx context.Context, key string) ([]byte, bool) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.mem[key]; ok {
		if now.Before(e.expiresAt) {
			c.mu.Unlock()
			return e.result, true
		}
		delete(c.mem, key)
	}
	c.mu.Unlock()

	var (
		result    string
		owner     string
		tags      string
		expiresAt string
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT result, owner_id, tags, expires_at FROM query_cache WHERE cache_key = ?`,
		key).Scan(&result, &owner, &tags, &expiresAt)
	if err != nil {
		return nil, false
	}
	exp, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil || !now.Before(exp) {
		c.evict(ctx, key)
		return nil, false
	}

	// Repopulate the memory tier from the persisted hit.
	c.mu.Lock()
	c.mem[key] = memEntry{result: []byte(result), tags: tags, owner: owner, expiresAt: exp}
	c.mu.Unlock()
	return []byte(result), true
}

func (c *Cache) put(ctx context.Context, key string, raw []byte, opts Options, ttl time.Duration) {
	exp := c.now().Add(ttl)
	tags := joinTags(opts.Tags)

	c.mu.Lock()
	c.mem[key] = memEntry{result: raw, tags: tags, owner: opts.Owner, expiresAt: exp}
	c.mu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO query_cache (cache_key, owner_id, tags, result, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			owner_id = excluded.owner_id,
			tags = excluded.tags,
			result = excluded.result,
			expires_at = excluded.expires_at`,
		key, opts.Owner, tags, string(raw), schema.FormatTime(exp))
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("failed to persist cache entry")
	}
}

func (c *Cache) evict(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.mem, key)
	c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, `DELETE FROM query_cache WHERE cache_key = ?`, key); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("failed to evict cache entry")
	}
}

// Invalidate drops every entry for the owner tagged with kind, in both
// tiers. The store's write hook calls this after each commit.
func (c *Cache) Invalidate(ownerID string, kind schema.Kind) {
	tag := string(kind)

	c.mu.Lock()
	for key, e := range c.mem {
		if e.owner == ownerID && hasTag(e.tags, tag) {
			delete(c.mem, key)
		}
	}
	c.mu.Unlock()

	_, err := c.db.Exec(`
		DELETE FROM query_cache
		WHERE owner_id = ? AND (' ' || tags || ' ') LIKE ?`,
		ownerID, "% "+tag+" %")
	if err != nil {
		c.log.Warn().Err(err).Str("owner", ownerID).Str("kind", tag).Msg("failed to invalidate cache")
	}
}

// InvalidateOwner drops all of an owner's entries regardless of tag,
// for callers that replace an owner's dataset wholesale.
func (c *Cache) InvalidateOwner(ownerID string) {
	c.mu.Lock()
	for key, e := range c.mem {
		if e.owner == ownerID {
			delete(c.mem, key)
		}
	}
	c.mu.Unlock()

	if _, err := c.db.Exec(`DELETE FROM query_cache WHERE owner_id = ?`, ownerID); err != nil {
		c.log.Warn().Err(err).Str("owner", ownerID).Msg("failed to invalidate owner cache")
	}
}

// PurgeExpired removes expired persisted entries. Intended for the same
// maintenance schedule as the retention sweep.
func (c *Cache) PurgeExpired(ctx context.Context) (int, error) {
	now := schema.FormatTime(c.now())

	c.mu.Lock()
	for key, e := range c.mem {
		if !c.now().Before(e.expiresAt) {
			delete(c.mem, key)
		}
	}
	c.mu.Unlock()

	res, err := c.db.ExecContext(ctx, `DELETE FROM query_cache WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats reports hit and miss counts since construction.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache) countHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *Cache) countMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

func joinTags(tags []schema.Kind) string {
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = string(t)
	}
	return strings.Join(parts, " ")
}

func hasTag(tags, tag string) bool {
	for _, t := range strings.Fields(tags) {
		if t == tag {
			return true
		}
	}
	return false
}
