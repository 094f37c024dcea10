package farm

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/granary-farm/granary/internal/auth"
	"github.com/granary-farm/granary/internal/platform/apperr"
	"github.com/granary-farm/granary/internal/platform/httpx"
	"github.com/granary-farm/granary/internal/platform/telemetry"
)

// HeaderFarmID selects the farm explicitly.
const HeaderFarmID = "X-Farm-ID"

// Resolver picks the farm a request is scoped to. The first matching source
// wins: the X-Farm-ID header, then the farm claim of the access token, then
// the principal's only active membership.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

func (*Resolver) Resolve(p *auth.Principal, r *http.Request) (*Context, error) {
	farmID := strings.TrimSpace(r.Header.Get(HeaderFarmID))
	if farmID == "" {
		if claims := auth.GetClaims(r.Context()); claims != nil {
			farmID = claims.FarmID
		}
	}

	if farmID == "" {
		active := p.ActiveMemberships()
		switch len(active) {
		case 1:
			return &Context{FarmID: active[0].FarmID, Role: active[0].Role}, nil
		case 0:
			return nil, apperr.New(apperr.KindFarmSelectionRequired, "no farm available; create a farm or accept an invitation")
		default:
			return nil, apperr.New(apperr.KindFarmSelectionRequired, "farm selection required; send the "+HeaderFarmID+" header").
				WithDetails(map[string]any{"farms": len(active)})
		}
	}

	m, ok := p.MembershipFor(farmID)
	if !ok {
		return nil, apperr.New(apperr.KindNoFarmRoleAssigned, "no role assigned on this farm").
			WithDetails(map[string]any{"farmId": farmID})
	}
	return &Context{FarmID: farmID, Role: m.Role}, nil
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func WithLogger(l *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) { c.logger = l }
}

func WithMetrics(m *telemetry.Metrics) MiddlewareOption {
	return func(c *middlewareConfig) { c.metrics = m }
}

// Middleware attaches the farm Context. When required is false a request
// without any farm signal proceeds unscoped; an explicit farm the caller
// does not belong to is still rejected.
func Middleware(resolver *Resolver, required bool, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	reject := func(w http.ResponseWriter, r *http.Request, err error) {
		cfg.metrics.PipelineRejection("farm", apperr.KindOf(err).Code())
		cfg.logger.DebugContext(r.Context(), "farm context rejected", "error", err)
		httpx.WriteError(w, r, err)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := auth.GetPrincipal(r.Context())
			if p == nil {
				if required {
					reject(w, r, apperr.AuthenticationRequired("authentication required"))
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			fc, err := resolver.Resolve(p, r)
			if err != nil {
				if !required && apperr.Is(err, apperr.KindFarmSelectionRequired) {
					next.ServeHTTP(w, r)
					return
				}
				reject(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), fc)))
		})
	}
}
