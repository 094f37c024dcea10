package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/granary-farm/granary/internal/platform/apperr"
	"github.com/granary-farm/granary/internal/platform/httpx"
	"github.com/granary-farm/granary/internal/platform/telemetry"
)

type middlewareConfig struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// MiddlewareOption configures the authentication middleware.
type MiddlewareOption func(*middlewareConfig)

func WithLogger(l *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) { c.logger = l }
}

func WithMetrics(m *telemetry.Metrics) MiddlewareOption {
	return func(c *middlewareConfig) { c.metrics = m }
}

func newMiddlewareConfig(opts []MiddlewareOption) middlewareConfig {
	cfg := middlewareConfig{logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// Authenticate requires a valid, unexpired access token whose subject
// resolves to an active principal. Refresh tokens are rejected.
func Authenticate(tokens *TokenService, resolver *Resolver, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := newMiddlewareConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reject := func(err error, raw string) {
				kind := apperr.KindOf(err)
				cfg.metrics.PipelineRejection("authenticate", kind.Code())
				attrs := []any{"reason", kind.Code(), "path", r.URL.Path}
				if c := DecodeUnsafe(raw); c != nil {
					attrs = append(attrs, "subject", c.Subject)
				}
				cfg.logger.DebugContext(r.Context(), "authentication rejected", attrs...)
				httpx.WriteError(w, r, err)
			}

			raw, err := extractBearerToken(r)
			if err != nil {
				reject(apperr.AuthenticationRequired(err.Error()), "")
				return
			}

			v, err := tokens.Verify(raw, KindAccess)
			if err != nil {
				reject(apperr.AuthenticationRequired("invalid token"), raw)
				return
			}
			if v.Expired {
				reject(apperr.New(apperr.KindTokenExpired, "token expired"), raw)
				return
			}

			principal, err := resolver.Resolve(r.Context(), v.Claims.Subject)
			if err != nil {
				reject(err, raw)
				return
			}

			ctx := WithClaims(WithPrincipal(r.Context(), principal), v.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuthenticate attaches a principal when the request carries a
// usable access token and otherwise proceeds anonymously. It never rejects.
func OptionalAuthenticate(tokens *TokenService, resolver *Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := extractBearerToken(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			v, err := tokens.Verify(raw, KindAccess)
			if err != nil || v.Expired {
				next.ServeHTTP(w, r)
				return
			}
			principal := resolver.ResolveOptional(r.Context(), v.Claims.Subject)
			if principal == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := WithClaims(WithPrincipal(r.Context(), principal), v.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

var (
	errMissingAuthHeader = errors.New("missing authorization header")
	errMalformedHeader   = errors.New("invalid authorization header format")
)

func extractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errMissingAuthHeader
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errMalformedHeader
	}

	return strings.TrimSpace(parts[1]), nil
}
