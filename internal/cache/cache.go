package cache

import (
	"context"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

// TTL results for keys without a deadline, mirroring Redis.
const (
	TTLMissing    time.Duration = -2
	TTLPersistent time.Duration = -1
)

// Store is the key/value backend behind the response cache and the rate
// limiter counters.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePattern removes every key matching a glob where * matches any
	// run of characters. It returns the number of keys removed.
	DeletePattern(ctx context.Context, pattern string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Increment atomically adds one to an integer counter, creating it at 1.
	Increment(ctx context.Context, key string) (int64, error)
	Stats(ctx context.Context) (Stats, error)
}

// Stats reports cache activity since start.
type Stats struct {
	Backend string `json:"backend"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	Sets    int64  `json:"sets"`
	Deletes int64  `json:"deletes"`
	Errors  int64  `json:"errors"`
	Keys    int64  `json:"keys"`
	// Degraded and PendingInvalidations are only set by FallbackStore.
	Degraded             bool `json:"degraded"`
	PendingInvalidations int  `json:"pendingInvalidations,omitempty"`
}

type counters struct {
	hits, misses, sets, deletes, errors atomic.Int64
}

func (c *counters) snapshot(backend string) Stats {
	return Stats{
		Backend: backend,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errors.Load(),
	}
}

// patternRegexp translates a glob with * wildcards into an anchored regexp.
func patternRegexp(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}

var redisGlobEscaper = strings.NewReplacer(`\`, `\\`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// redisPattern escapes glob metacharacters other than *.
func redisPattern(pattern string) string {
	return redisGlobEscaper.Replace(pattern)
}
