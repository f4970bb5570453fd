// Package termcache implements the Terminology Cache (spec.md §4.2): a
// bounded, SHA-256-keyed cache of code-validation outcomes with
// LRU eviction, configurable TTL, and a background cleanup timer that
// never holds up a caller.
package termcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	fv "github.com/medvertical/fhir-validation-engine"
	"github.com/medvertical/fhir-validation-engine/cache"
)

const redisDialTimeout = 2 * time.Second
const redisOpTimeout = 500 * time.Millisecond
const redisKeyPrefix = "termcache:"

// Result is the cached outcome of validating one code against one
// value set.
type Result struct {
	Valid   bool
	Display string
	Message string
}

// entry wraps a Result with the bookkeeping the spec's invariants need:
// cachedAt/ttl to answer "is this expired", hits/lastAccessedAt purely
// for stats().
type entry struct {
	result         Result
	cachedAt       time.Time
	ttl            time.Duration // zero means "never expires" (offline mode)
	hits           atomic.Uint64
	lastAccessedAt atomic.Int64 // unix nanos
}

func (e *entry) expired(now time.Time) bool {
	if e.ttl <= 0 {
		return false
	}
	return now.After(e.cachedAt.Add(e.ttl))
}

// Stats mirrors cache.Stats plus the expiry-driven counters this
// package adds on top of the generic LRU.
type Stats struct {
	Size      int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Expired   uint64
}

// Cache is the Terminology Cache. It wraps the engine's generic LRU
// (cache.Cache[K,V]) with per-entry TTL, since that generic cache has
// no notion of expiry on its own, plus an optional shared Redis tier
// (spec.md §4.2's remote cache) that lets independent processes reuse
// terminology lookups across a fleet.
type Cache struct {
	backing *cache.Cache[string, *entry]
	expired atomic.Uint64
	// redisHits counts hits served from the shared Redis tier. The
	// backing LRU's own hit counter never sees these, since a Redis
	// hit is mirrored in via Set (to populate L2), not Get.
	redisHits atomic.Uint64

	defaultTTL time.Duration
	redis      *redis.Client
}

// New builds a Cache bounded to capacity entries, expiring entries
// after defaultTTL when set online (see Set's offlineMode parameter).
// The Redis tier is disabled; use NewWithRedis or NewFromConfig to
// enable it.
func New(capacity int, defaultTTL time.Duration) *Cache {
	return &Cache{
		backing:    cache.New[string, *entry](capacity),
		defaultTTL: defaultTTL,
	}
}

// Config configures a Cache with an optional shared Redis tier, in the
// shape of a local LRU (L2) plus a remote Redis store (L1) that other
// processes can also read and write.
type Config struct {
	RedisAddr  string // empty disables the shared tier
	LRUSize    int
	DefaultTTL time.Duration
}

// NewFromConfig validates cfg and builds a Cache from it. An
// unreachable or unconfigured Redis degrades to LRU-only rather than
// failing construction: every caller-visible method keeps working,
// just without cross-process sharing.
func NewFromConfig(cfg Config) (*Cache, error) {
	if cfg.LRUSize <= 0 {
		return nil, fmt.Errorf("termcache: lru size must be positive, got %d", cfg.LRUSize)
	}
	return NewWithRedis(cfg.LRUSize, cfg.DefaultTTL, cfg.RedisAddr), nil
}

// NewWithRedis builds a Cache backed by the local bounded LRU plus a
// shared Redis tier at redisAddr. An empty redisAddr, or one that
// fails to answer a PING within redisDialTimeout, leaves the Redis
// tier disabled and the Cache behaves exactly like New.
func NewWithRedis(capacity int, defaultTTL time.Duration, redisAddr string) *Cache {
	c := New(capacity, defaultTTL)
	if redisAddr == "" {
		return c
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return c
	}
	c.redis = client
	return c
}

// Key derives the SHA-256 cache key from the pipe-joined parts, per
// spec.md §3's TerminologyCacheEntry.key definition. Cacheability never
// depends on Result.Display.
func Key(system, code, valueSet string, version fv.FHIRVersion) string {
	joined := strings.Join([]string{system, code, valueSet, string(version)}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached Result for key, or (Result{}, false) if
// absent or expired. An expired entry is evicted as part of the read,
// so has(key) immediately after a false Get would also report false.
// When a Redis tier is configured, it is checked first (L1) so any
// process sharing that Redis instance benefits from a hit recorded by
// another; a Redis hit is mirrored into the local LRU (L2) before
// returning.
func (c *Cache) Get(key string) (Result, bool) {
	if c.redis != nil {
		if result, ok := c.getRedis(key); ok {
			c.redisHits.Add(1)
			e := &entry{result: result, cachedAt: time.Now(), ttl: c.defaultTTL}
			e.hits.Add(1)
			e.lastAccessedAt.Store(time.Now().UnixNano())
			c.backing.Set(key, e)
			return result, true
		}
	}

	e, ok := c.backing.Get(key)
	if !ok {
		return Result{}, false
	}
	if e.expired(time.Now()) {
		c.backing.Delete(key)
		c.expired.Add(1)
		return Result{}, false
	}
	e.hits.Add(1)
	e.lastAccessedAt.Store(time.Now().UnixNano())
	return e.result, true
}

// Set stores result under key. When offlineMode is true the entry
// never expires, matching the engine's offline-mode fallback where
// there is no remote server to eventually re-validate against; the
// Redis tier, if any, is skipped in that case too, since an
// offline-mode entry is only ever meaningful to the process that
// produced it.
func (c *Cache) Set(key string, result Result, offlineMode bool) {
	ttl := c.defaultTTL
	if offlineMode {
		ttl = 0
	}
	e := &entry{result: result, cachedAt: time.Now(), ttl: ttl}
	e.lastAccessedAt.Store(time.Now().UnixNano())
	c.backing.Set(key, e)

	if c.redis != nil && !offlineMode {
		c.setRedis(key, result, ttl)
	}
}

// getRedis reads key from the shared tier. Any failure (network,
// decode) is treated as a miss rather than propagated, matching the
// graceful-degradation rule the rest of the terminology subsystem
// applies to a flaky remote dependency.
func (c *Cache) getRedis(key string) (Result, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	data, err := c.redis.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		return Result{}, false
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, false
	}
	return result, true
}

// setRedis writes key to the shared tier, best-effort: a write failure
// only costs the cross-process sharing benefit, never the caller's
// own Set call.
func (c *Cache) setRedis(key string, result Result, ttl time.Duration) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	c.redis.Set(ctx, redisKeyPrefix+key, data, ttl)
}

// Close releases the shared Redis tier's connection, if one was
// configured. It is a no-op otherwise.
func (c *Cache) Close() error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

// Has reports whether key is present and not expired. It reads through
// the backing LRU's Get, so like Get it moves the entry to the front of
// the LRU order and is counted in the hit/miss stats; unlike Get it does
// not evict an expired entry.
func (c *Cache) Has(key string) bool {
	e, ok := c.backing.Get(key)
	if !ok {
		return false
	}
	return !e.expired(time.Now())
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.backing.Clear()
}

// Cleanup sweeps every entry and evicts those that have expired. It is
// meant to run off a periodic timer (see Start), never inline with a
// request path.
func (c *Cache) Cleanup() int {
	now := time.Now()
	removed := 0
	for _, key := range c.backing.Keys() {
		e, ok := c.backing.Get(key)
		if !ok {
			continue
		}
		if e.expired(now) {
			c.backing.Delete(key)
			c.expired.Add(1)
			removed++
		}
	}
	return removed
}

// Start runs Cleanup on interval until ctx is canceled. It returns
// immediately; the sweep runs on its own goroutine, so it never blocks
// whatever event loop calls Start.
func (c *Cache) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Cleanup()
			}
		}
	}()
}

// Stats reports current size, capacity, and cumulative hit/miss/evict
// counters from the underlying LRU plus this package's expiry count.
// Hits includes both local-LRU hits and shared-Redis-tier hits, since
// a Redis hit is mirrored into the LRU via Set rather than Get and so
// never reaches the LRU's own hit counter.
func (c *Cache) Stats() Stats {
	backingStats := c.backing.Stats()
	return Stats{
		Size:      backingStats.Size,
		Capacity:  backingStats.Capacity,
		Hits:      backingStats.Hits + c.redisHits.Load(),
		Misses:    backingStats.Misses,
		Evictions: backingStats.Evicts,
		Expired:   c.expired.Load(),
	}
}
