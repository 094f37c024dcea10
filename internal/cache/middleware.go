package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/granary-farm/granary/internal/platform/telemetry"
)

// KeyPrefix starts every response cache key.
const KeyPrefix = "cache:"

const maxCachedBody = 1 << 20

// Key derives the cache key for a path and query. Query keys are sorted so
// parameter order never produces a distinct entry; single values encode as
// strings and repeated values as arrays.
func Key(path string, query url.Values) string {
	return KeyPrefix + path + ":" + canonicalQuery(query)
}

func canonicalQuery(q url.Values) string {
	obj := make(map[string]any, len(q))
	for k, vs := range q {
		switch len(vs) {
		case 0:
		case 1:
			obj[k] = vs[0]
		default:
			obj[k] = vs
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json sorts map keys.
	_ = enc.Encode(obj)
	return strings.TrimSuffix(buf.String(), "\n")
}

// Option configures Middleware.
type Option func(*middlewareConfig)

type middlewareConfig struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
	scope   func(*http.Request) string
}

func WithLogger(l *slog.Logger) Option {
	return func(c *middlewareConfig) { c.logger = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *middlewareConfig) { c.metrics = m }
}

// WithScope appends a per-request partition (such as the farm id) to the
// key so scoped data never crosses callers. An empty scope leaves the key
// unchanged.
func WithScope(fn func(*http.Request) string) Option {
	return func(c *middlewareConfig) { c.scope = fn }
}

// Middleware serves GET responses from store when present and stores
// successful envelopes for ttl. Backend failures are logged and the
// request proceeds uncached.
func Middleware(store Store, ttl time.Duration, opts ...Option) func(http.Handler) http.Handler {
	cfg := middlewareConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			key := Key(r.URL.Path, r.URL.Query())
			if cfg.scope != nil {
				if s := cfg.scope(r); s != "" {
					key += "@" + s
				}
			}

			cached, ok, err := store.Get(ctx, key)
			switch {
			case err != nil:
				cfg.metrics.CacheOp("get", "error")
				cfg.logger.WarnContext(ctx, "cache read failed", "key", key, "error", err)
			case ok:
				if body, good := markCached(cached); good {
					cfg.metrics.CacheOp("get", "hit")
					cfg.logger.DebugContext(ctx, "cache hit", "key", key)
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("X-Cache", "HIT")
					w.WriteHeader(http.StatusOK)
					_, _ = w.Write(body)
					return
				}
				_ = store.Delete(ctx, key)
			default:
				cfg.metrics.CacheOp("get", "miss")
			}

			w.Header().Set("X-Cache", "MISS")
			cw := &captureWriter{ResponseWriter: w}
			next.ServeHTTP(cw, r)

			if !cw.cacheable() {
				return
			}
			if err := store.Set(context.WithoutCancel(ctx), key, cw.buf.Bytes(), ttl); err != nil {
				cfg.metrics.CacheOp("set", "error")
				cfg.logger.WarnContext(ctx, "cache write failed", "key", key, "error", err)
				return
			}
			cfg.metrics.CacheOp("set", "ok")
		})
	}
}

// markCached re-encodes a stored envelope with cached:true.
func markCached(stored []byte) ([]byte, bool) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(stored, &env); err != nil {
		return nil, false
	}
	env["cached"] = json.RawMessage("true")
	b, err := json.Marshal(env)
	if err != nil {
		return nil, false
	}
	return append(b, '\n'), true
}

// Invalidate deletes cache:<pattern>* for every pattern once the wrapped
// handler has answered 2xx.
func Invalidate(store Store, patterns ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &captureWriter{ResponseWriter: w, discard: true}
			next.ServeHTTP(sw, r)
			if sw.status < 200 || sw.status >= 300 {
				return
			}
			if _, err := Purge(context.WithoutCancel(r.Context()), store, patterns...); err != nil {
				slog.WarnContext(r.Context(), "cache invalidation failed", "patterns", patterns, "error", err)
			}
		})
	}
}

// Purge deletes cache:<pattern>* for each pattern and returns the number
// of keys removed.
func Purge(ctx context.Context, store Store, patterns ...string) (int64, error) {
	var total int64
	for _, p := range patterns {
		n, err := store.DeletePattern(ctx, KeyPrefix+p+"*")
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type captureWriter struct {
	http.ResponseWriter
	status   int
	buf      bytes.Buffer
	overflow bool
	discard  bool
}

func (c *captureWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	if !c.discard && !c.overflow {
		if c.buf.Len()+len(b) > maxCachedBody {
			c.overflow = true
			c.buf.Reset()
		} else {
			c.buf.Write(b)
		}
	}
	return c.ResponseWriter.Write(b)
}

func (c *captureWriter) Unwrap() http.ResponseWriter {
	return c.ResponseWriter
}

func (c *captureWriter) cacheable() bool {
	if c.status < 200 || c.status >= 300 || c.overflow || c.buf.Len() == 0 {
		return false
	}
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(c.buf.Bytes(), &env); err != nil {
		return false
	}
	return env.Success && len(env.Data) > 0
}

