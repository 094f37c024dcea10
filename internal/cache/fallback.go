package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// FallbackStore serves from a primary store and degrades to an in-memory
// store while the primary errors. Values written during an outage are not
// replayed to the primary. Invalidations are: deletes the primary missed
// are retried before the next operation reaches it, so entries cached
// before the outage cannot resurface afterwards.
type FallbackStore struct {
	primary  Store
	memory   *MemoryStore
	logger   *slog.Logger
	degraded atomic.Bool

	mu       sync.Mutex
	keys     map[string]struct{}
	patterns map[string]struct{}
	pending  atomic.Int64
}

func NewFallbackStore(primary Store, memory *MemoryStore, logger *slog.Logger) *FallbackStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStore{
		primary:  primary,
		memory:   memory,
		logger:   logger,
		keys:     make(map[string]struct{}),
		patterns: make(map[string]struct{}),
	}
}

// Pending returns how many missed invalidations wait for the primary.
func (f *FallbackStore) Pending() int { return int(f.pending.Load()) }

// Memory returns the fallback store so callers can run its sweeper.
func (f *FallbackStore) Memory() *MemoryStore { return f.memory }

func (f *FallbackStore) observe(op string, err error) bool {
	if err != nil {
		if !f.degraded.Swap(true) {
			f.logger.Warn("cache backend unavailable, falling back to in-memory store", "op", op, "error", err)
		}
		return false
	}
	if f.degraded.Swap(false) {
		f.logger.Info("cache backend recovered")
	}
	return true
}

// remember queues invalidations the primary missed.
func (f *FallbackStore) remember(keys []string, pattern string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		f.keys[k] = struct{}{}
	}
	if pattern != "" {
		f.patterns[pattern] = struct{}{}
	}
	f.pending.Store(int64(len(f.keys) + len(f.patterns)))
}

// replay retries queued invalidations against the primary. Whatever still
// fails stays queued.
func (f *FallbackStore) replay(ctx context.Context) {
	if f.pending.Load() == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.keys) > 0 {
		keys := make([]string, 0, len(f.keys))
		for k := range f.keys {
			keys = append(keys, k)
		}
		if err := f.primary.Delete(ctx, keys...); err == nil {
			clear(f.keys)
		}
	}
	for p := range f.patterns {
		if _, err := f.primary.DeletePattern(ctx, p); err == nil {
			delete(f.patterns, p)
		}
	}

	left := len(f.keys) + len(f.patterns)
	if f.pending.Swap(int64(left)) > 0 && left == 0 {
		f.logger.Info("replayed cache invalidations missed during outage")
	}
}

func (f *FallbackStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.replay(ctx)
	b, ok, err := f.primary.Get(ctx, key)
	if f.observe("get", err) {
		return b, ok, nil
	}
	return f.memory.Get(ctx, key)
}

func (f *FallbackStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.replay(ctx)
	if f.observe("set", f.primary.Set(ctx, key, value, ttl)) {
		return nil
	}
	return f.memory.Set(ctx, key, value, ttl)
}

func (f *FallbackStore) Delete(ctx context.Context, keys ...string) error {
	if !f.observe("del", f.primary.Delete(ctx, keys...)) {
		f.remember(keys, "")
	}
	// The memory side may hold entries written during an earlier outage.
	return f.memory.Delete(ctx, keys...)
}

func (f *FallbackStore) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	n, err := f.primary.DeletePattern(ctx, pattern)
	if !f.observe("scan", err) {
		f.remember(nil, pattern)
	}
	m, _ := f.memory.DeletePattern(ctx, pattern)
	return n + m, nil
}

func (f *FallbackStore) Exists(ctx context.Context, key string) (bool, error) {
	f.replay(ctx)
	ok, err := f.primary.Exists(ctx, key)
	if f.observe("exists", err) {
		return ok, nil
	}
	return f.memory.Exists(ctx, key)
}

func (f *FallbackStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.replay(ctx)
	if f.observe("expire", f.primary.Expire(ctx, key, ttl)) {
		return nil
	}
	return f.memory.Expire(ctx, key, ttl)
}

func (f *FallbackStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	f.replay(ctx)
	d, err := f.primary.TTL(ctx, key)
	if f.observe("ttl", err) {
		return d, nil
	}
	return f.memory.TTL(ctx, key)
}

func (f *FallbackStore) Increment(ctx context.Context, key string) (int64, error) {
	n, err := f.primary.Increment(ctx, key)
	if f.observe("incr", err) {
		return n, nil
	}
	return f.memory.Increment(ctx, key)
}

func (f *FallbackStore) Stats(ctx context.Context) (Stats, error) {
	f.replay(ctx)
	mem, _ := f.memory.Stats(ctx)
	prim, err := f.primary.Stats(ctx)
	if !f.observe("dbsize", err) {
		mem.Backend = "memory (fallback)"
		mem.Errors += prim.Errors
		mem.Degraded = true
		mem.PendingInvalidations = f.Pending()
		return mem, nil
	}
	prim.Hits += mem.Hits
	prim.Misses += mem.Misses
	prim.Sets += mem.Sets
	prim.Deletes += mem.Deletes
	prim.PendingInvalidations = f.Pending()
	return prim, nil
}
