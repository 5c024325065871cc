package routes

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/burrow/internal/obs"
)

// DefaultHashKey is the Redis hash holding host → upstream fields.
const DefaultHashKey = "burrow:routes"

// maxCacheEntries bounds the local cache. Host values come from clients, so
// misses alone could otherwise grow it without limit.
const maxCacheEntries = 4096

type hashClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
}

type cacheEntry struct {
	upstream *url.URL // nil caches a miss
	expires  time.Time
}

// RedisStore resolves hosts from a Redis hash shared by several proxies.
// Lookups, including misses, are cached locally for a short TTL.
type RedisStore struct {
	client hashClient
	closer func() error
	key    string
	ttl    time.Duration
	now    func() time.Time
	max    int

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewRedisStore connects and pings Redis. An empty key uses DefaultHashKey.
func NewRedisStore(ctx context.Context, addr, password string, db int, key string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	s := newRedisStore(rdb, key)
	s.closer = rdb.Close
	return s, nil
}

func newRedisStore(c hashClient, key string) *RedisStore {
	if key == "" {
		key = DefaultHashKey
	}
	return &RedisStore{
		client: c,
		key:    key,
		ttl:    15 * time.Second,
		now:    time.Now,
		max:    maxCacheEntries,
		cache:  make(map[string]cacheEntry),
	}
}

// Resolve implements Resolver.
func (r *RedisStore) Resolve(ctx context.Context, host string) (*url.URL, error) {
	for _, k := range CandidateHosts(host) {
		u, err := r.lookup(ctx, k)
		if err != nil {
			return nil, err
		}
		if u != nil {
			return u, nil
		}
	}
	return nil, ErrNoRoute
}

func (r *RedisStore) lookup(ctx context.Context, host string) (*url.URL, error) {
	now := r.now()
	r.mu.Lock()
	e, ok := r.cache[host]
	r.mu.Unlock()
	if ok && now.Before(e.expires) {
		return e.upstream, nil
	}

	val, err := r.client.HGet(ctx, r.key, host).Result()
	var u *url.URL
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, fmt.Errorf("redis hget %s: %w", host, err)
	default:
		if u, err = ParseUpstream(val); err != nil {
			obs.Error("routes.redis.bad_upstream", obs.Fields{"host": host, "err": err})
			u = nil
		}
	}
	r.mu.Lock()
	if _, ok := r.cache[host]; !ok && len(r.cache) >= r.max {
		if r.sweepLocked(now) == 0 {
			// Everything is live: start over rather than grow.
			clear(r.cache)
		}
	}
	r.cache[host] = cacheEntry{upstream: u, expires: now.Add(r.ttl)}
	r.mu.Unlock()
	return u, nil
}

// Sweep drops expired cache entries and returns how many were removed.
func (r *RedisStore) Sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(now)
}

func (r *RedisStore) sweepLocked(now time.Time) int {
	removed := 0
	for k, e := range r.cache {
		if !now.Before(e.expires) {
			delete(r.cache, k)
			removed++
		}
	}
	return removed
}

// CacheLen is the number of cached lookups, hits and misses.
func (r *RedisStore) CacheLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// Set publishes a route for host.
func (r *RedisStore) Set(ctx context.Context, host, upstream string) error {
	if _, err := ParseUpstream(upstream); err != nil {
		return err
	}
	keys := CandidateHosts(host)
	if len(keys) == 0 {
		return fmt.Errorf("routes: empty host")
	}
	if err := r.client.HSet(ctx, r.key, keys[0], upstream).Err(); err != nil {
		return fmt.Errorf("redis hset failed: %w", err)
	}
	r.forget(keys[0])
	return nil
}

// Delete removes the route for host.
func (r *RedisStore) Delete(ctx context.Context, host string) error {
	keys := CandidateHosts(host)
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.HDel(ctx, r.key, keys[0]).Err(); err != nil {
		return fmt.Errorf("redis hdel failed: %w", err)
	}
	r.forget(keys[0])
	return nil
}

func (r *RedisStore) forget(host string) {
	r.mu.Lock()
	delete(r.cache, host)
	r.mu.Unlock()
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
