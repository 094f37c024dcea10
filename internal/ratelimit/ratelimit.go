// Package ratelimit bounds request volume per client IP with fixed
// windows counted in a cache.Store.
package ratelimit

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/granary-farm/granary/internal/cache"
	"github.com/granary-farm/granary/internal/platform/apperr"
	"github.com/granary-farm/granary/internal/platform/config"
	"github.com/granary-farm/granary/internal/platform/httpx"
	"github.com/granary-farm/granary/internal/platform/middleware"
	"github.com/granary-farm/granary/internal/platform/telemetry"
)

// Preset limiter names.
const (
	General       = "general"
	Auth          = "auth"
	PasswordReset = "password_reset"
	Reports       = "reports"
)

// Rule allows Max requests per window of WindowMinutes.
type Rule struct {
	Max           int
	WindowMinutes int
}

func (r Rule) window() time.Duration {
	return time.Duration(r.WindowMinutes) * time.Minute
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithLogger(l *slog.Logger) Option {
	return func(lim *Limiter) { lim.logger = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(lim *Limiter) { lim.metrics = m }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(lim *Limiter) { lim.now = now }
}

// Limiter is a named fixed-window limiter.
type Limiter struct {
	name    string
	store   cache.Store
	rule    Rule
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func New(name string, store cache.Store, rule Rule, opts ...Option) *Limiter {
	if rule.WindowMinutes <= 0 {
		rule.WindowMinutes = 1
	}
	l := &Limiter{name: name, store: store, rule: rule, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Name() string { return l.name }
func (l *Limiter) Rule() Rule   { return l.rule }

// Decision is the outcome of counting one request.
type Decision struct {
	Allowed   bool
	Count     int64
	Remaining int
	Reset     time.Time
}

func (l *Limiter) windowIndex(t time.Time) int64 {
	return t.Unix() / int64(l.rule.window()/time.Second)
}

// Key returns the counter key for ip at t.
func (l *Limiter) Key(ip string, t time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", l.name, ip, l.windowIndex(t))
}

// Allow counts one request from ip. Store failures allow the request.
func (l *Limiter) Allow(r *http.Request, ip string) (Decision, error) {
	ctx := r.Context()
	now := l.now()
	secs := int64(l.rule.window() / time.Second)
	reset := time.Unix((l.windowIndex(now)+1)*secs, 0)
	key := l.Key(ip, now)

	n, err := l.store.Increment(ctx, key)
	if err != nil {
		return Decision{Allowed: true, Remaining: l.rule.Max, Reset: reset}, err
	}
	if n == 1 {
		// Keep the counter one second past the window boundary.
		if err := l.store.Expire(ctx, key, reset.Sub(now)+time.Second); err != nil {
			l.logger.WarnContext(ctx, "rate limit counter expiry failed", "limiter", l.name, "error", err)
		}
	}
	remaining := l.rule.Max - int(n)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: n <= int64(l.rule.Max), Count: n, Remaining: remaining, Reset: reset}, nil
}

// Middleware rejects requests over the limit with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := middleware.ClientIP(r)
		d, err := l.Allow(r, ip)
		if err != nil {
			l.logger.WarnContext(r.Context(), "rate limit store unavailable, allowing request",
				"limiter", l.name, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(l.rule.Max))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retry := int(d.Reset.Sub(l.now()).Seconds() + 0.999)
		if retry < 1 {
			retry = 1
		}
		h.Set("Retry-After", strconv.Itoa(retry))
		l.metrics.RateLimited(l.name)
		l.metrics.PipelineRejection("ratelimit", apperr.KindRateLimitExceeded.Code())
		l.logger.InfoContext(r.Context(), "rate limit exceeded", "limiter", l.name, "ip", ip, "count", d.Count)

		httpx.WriteError(w, r, apperr.New(apperr.KindRateLimitExceeded,
			fmt.Sprintf("rate limit exceeded: max %d requests per %d minutes", l.rule.Max, l.rule.WindowMinutes),
		).WithDetails(map[string]any{
			"limiter":           l.name,
			"max":               l.rule.Max,
			"windowMinutes":     l.rule.WindowMinutes,
			"retryAfterSeconds": retry,
		}))
	})
}

// Presets holds the configured limiters by sensitivity class.
type Presets struct {
	General       *Limiter
	Auth          *Limiter
	PasswordReset *Limiter
	Reports       *Limiter
	enabled       bool
}

// NewPresets builds the four named limiters from configuration.
func NewPresets(cfg config.RateLimitConfig, store cache.Store, opts ...Option) *Presets {
	rule := func(rc config.RuleConfig) Rule { return Rule{Max: rc.Max, WindowMinutes: rc.WindowMinutes} }
	return &Presets{
		General:       New(General, store, rule(cfg.General), opts...),
		Auth:          New(Auth, store, rule(cfg.Auth), opts...),
		PasswordReset: New(PasswordReset, store, rule(cfg.PasswordReset), opts...),
		Reports:       New(Reports, store, rule(cfg.Reports), opts...),
		enabled:       cfg.Enabled,
	}
}

// Use returns l's middleware, or a pass-through when limiting is off.
func (p *Presets) Use(l *Limiter) func(http.Handler) http.Handler {
	if p == nil || !p.enabled || l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return l.Middleware
}
