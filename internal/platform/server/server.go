package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/granary-farm/granary/internal/audit"
	"github.com/granary-farm/granary/internal/auth"
	"github.com/granary-farm/granary/internal/cache"
	"github.com/granary-farm/granary/internal/farm"
	"github.com/granary-farm/granary/internal/finance"
	"github.com/granary-farm/granary/internal/iam"
	"github.com/granary-farm/granary/internal/platform/httpx"
	"github.com/granary-farm/granary/internal/platform/middleware"
	"github.com/granary-farm/granary/internal/platform/telemetry"
	"github.com/granary-farm/granary/internal/ratelimit"
	"github.com/granary-farm/granary/internal/rbac"
	"github.com/granary-farm/granary/internal/report"
	"github.com/granary-farm/granary/internal/validate"
)

// Dependencies holds all injected dependencies for the server.
type Dependencies struct {
	Pool       *pgxpool.Pool
	Tokens     *auth.TokenService
	Principals *auth.Resolver
	Farms      *farm.Resolver
	Authorizer *rbac.Evaluator
	Limits     *ratelimit.Presets
	Cache      cache.Store
	// CachePing reports whether the cache backend is reachable. Nil means
	// the cache is process-local and always ready.
	CachePing func(context.Context) error
	CacheTTL  time.Duration
	ReportTTL time.Duration

	AuthHandler    *auth.Handler
	FarmHandler    *farm.Handler
	IAMHandler     *iam.Handler
	FinanceHandler *finance.Handler
	ReportHandler  *report.Handler
	AuditHandler   *audit.Handler
	CacheHandler   *cache.Handler

	Metrics            *telemetry.Metrics
	Logger             *slog.Logger
	CORSAllowedOrigins []string
	MaxBodyBytes       int64
}

type Server struct {
	httpServer *http.Server
	pool       *pgxpool.Pool
	cachePing  func(context.Context) error
	handler    http.Handler
}

// adminRoleLevel is the level of the seeded admin role. Custom roles stop
// at 99.
const adminRoleLevel = 100

// stage is one step of a route pipeline. Nil stages are skipped.
type stage = func(http.Handler) http.Handler

// pipeline wraps h so stages run in the order given.
func pipeline(h http.Handler, stages ...stage) http.Handler {
	for i := len(stages) - 1; i >= 0; i-- {
		if stages[i] != nil {
			h = stages[i](h)
		}
	}
	return h
}

// routes builds the stages each endpoint composes. The order on every
// route is authenticate, farm context, authorize, rate limit, validate,
// cache, dispatch.
type routes struct {
	deps   Dependencies
	limits *ratelimit.Presets
	authz  *rbac.Evaluator
	farms  *farm.Resolver
}

func (rt *routes) authenticate() stage {
	return auth.Authenticate(rt.deps.Tokens, rt.deps.Principals,
		auth.WithLogger(rt.deps.Logger), auth.WithMetrics(rt.deps.Metrics))
}

func (rt *routes) farm(required bool) stage {
	return farm.Middleware(rt.farms, required,
		farm.WithLogger(rt.deps.Logger), farm.WithMetrics(rt.deps.Metrics))
}

func (rt *routes) allow(preds ...rbac.Predicate) stage {
	return rt.authz.Require(preds...)
}

func (rt *routes) anyFarmRole() stage {
	return rt.allow(rbac.RequireFarmRole(auth.FarmRoles...))
}

func (rt *routes) limit(l *ratelimit.Limiter) stage {
	return rt.limits.Use(l)
}

func (rt *routes) cached(ttl time.Duration) stage {
	if rt.deps.Cache == nil {
		return nil
	}
	return cache.Middleware(rt.deps.Cache, ttl,
		cache.WithLogger(rt.deps.Logger),
		cache.WithMetrics(rt.deps.Metrics),
		cache.WithScope(farmScope),
	)
}

func (rt *routes) invalidates(patterns ...string) stage {
	if rt.deps.Cache == nil {
		return nil
	}
	return cache.Invalidate(rt.deps.Cache, patterns...)
}

// farmScope partitions cached responses by the resolved farm.
func farmScope(r *http.Request) string {
	if fc := farm.FromContext(r.Context()); fc != nil {
		return fc.FarmID
	}
	return ""
}

func body(proto any) stage   { return validate.Request(validate.Schema{Body: proto}) }
func query(proto any) stage  { return validate.Request(validate.Schema{Query: proto}) }
func params(proto any) stage { return validate.Request(validate.Schema{Params: proto}) }

func New(addr string, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.CacheTTL <= 0 {
		deps.CacheTTL = 5 * time.Minute
	}
	if deps.ReportTTL <= 0 {
		deps.ReportTTL = 10 * time.Minute
	}

	rt := &routes{deps: deps, limits: deps.Limits, authz: deps.Authorizer, farms: deps.Farms}
	if rt.limits == nil {
		// Zero presets are disabled and pass every request through.
		rt.limits = &ratelimit.Presets{}
	}
	if rt.authz == nil {
		rt.authz = rbac.NewEvaluator(rbac.WithLogger(deps.Logger), rbac.WithMetrics(deps.Metrics))
	}
	if rt.farms == nil {
		rt.farms = farm.NewResolver()
	}

	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		pool:      deps.Pool,
		cachePing: deps.CachePing,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	// Everything below /api needs a verified caller except the public
	// auth endpoints.
	if deps.Tokens != nil && deps.Principals != nil {
		registerAuth(mux, rt)
		registerFarms(mux, rt)
		registerIAM(mux, rt)
		registerFinance(mux, rt)
		registerReports(mux, rt)
		registerAdmin(mux, rt)
	}

	var handler http.Handler = mux
	if deps.MaxBodyBytes > 0 {
		handler = middleware.MaxBody(deps.MaxBodyBytes)(handler)
	}
	handler = middleware.Recover(deps.Logger)(handler)
	handler = middleware.Logging(deps.Logger, deps.Metrics)(handler)
	handler = middleware.RequestID(handler)
	if len(deps.CORSAllowedOrigins) > 0 {
		handler = middleware.CORS(deps.CORSAllowedOrigins)(handler)
	}

	s.handler = handler
	s.httpServer.Handler = handler
	return s
}

func registerAuth(mux *http.ServeMux, rt *routes) {
	h := rt.deps.AuthHandler
	if h == nil {
		return
	}
	l := rt.limits

	mux.Handle("POST /api/auth/login", pipeline(http.HandlerFunc(h.HandleLogin),
		rt.limit(l.Auth), body(auth.LoginRequest{})))
	mux.Handle("POST /api/auth/register", pipeline(http.HandlerFunc(h.HandleRegister),
		rt.limit(l.Auth), body(auth.RegisterRequest{})))
	mux.Handle("POST /api/auth/refresh", pipeline(http.HandlerFunc(h.HandleRefresh),
		rt.limit(l.Auth), body(auth.RefreshRequest{})))
	mux.Handle("POST /api/auth/logout", pipeline(http.HandlerFunc(h.HandleLogout),
		auth.OptionalAuthenticate(rt.deps.Tokens, rt.deps.Principals), rt.limit(l.General), body(auth.RefreshRequest{})))
	mux.Handle("POST /api/auth/password-reset/request", pipeline(http.HandlerFunc(h.HandlePasswordResetRequest),
		rt.limit(l.PasswordReset), body(auth.PasswordResetRequest{})))
	mux.Handle("POST /api/auth/password-reset/confirm", pipeline(http.HandlerFunc(h.HandlePasswordResetConfirm),
		rt.limit(l.PasswordReset), body(auth.PasswordResetConfirm{})))

	mux.Handle("GET /api/auth/me", pipeline(http.HandlerFunc(h.HandleMe),
		rt.authenticate(), rt.limit(l.General)))
	mux.Handle("POST /api/auth/switch-farm", pipeline(http.HandlerFunc(h.HandleSwitchFarm),
		rt.authenticate(), rt.limit(l.General), body(auth.SwitchFarmRequest{})))
}

func registerFarms(mux *http.ServeMux, rt *routes) {
	h := rt.deps.FarmHandler
	if h == nil {
		return
	}
	general := rt.limit(rt.limits.General)
	owner := rt.allow(rbac.RequireFarmRole(auth.FarmRoleOwner))
	managers := rt.allow(rbac.RequireFarmRole(auth.FarmRoleManager.AtLeast()...))

	// Farms the caller belongs to; no farm context yet.
	mux.Handle("POST /api/farms", pipeline(http.HandlerFunc(h.HandleCreate),
		rt.authenticate(), rt.allow(rbac.RequireActive()), general, body(farm.CreateFarmRequest{})))
	mux.Handle("GET /api/farms", pipeline(http.HandlerFunc(h.HandleList),
		rt.authenticate(), general))

	// Membership management on the resolved farm.
	mux.Handle("GET /api/farm/members", pipeline(http.HandlerFunc(h.HandleListMembers),
		rt.authenticate(), rt.farm(true), rt.anyFarmRole(), general))
	mux.Handle("PUT /api/farm/members/{userId}/role", pipeline(http.HandlerFunc(h.HandleUpdateMemberRole),
		rt.authenticate(), rt.farm(true), owner, general,
		validate.Request(validate.Schema{Params: farm.MemberParam{}, Body: farm.UpdateRoleRequest{}})))
	mux.Handle("DELETE /api/farm/members/{userId}", pipeline(http.HandlerFunc(h.HandleRemoveMember),
		rt.authenticate(), rt.farm(true), managers, general, params(farm.MemberParam{})))

	mux.Handle("POST /api/farm/invitations", pipeline(http.HandlerFunc(h.HandleCreateInvitation),
		rt.authenticate(), rt.farm(true), managers, general, body(farm.CreateInvitationRequest{})))
	mux.Handle("GET /api/farm/invitations", pipeline(http.HandlerFunc(h.HandleListInvitations),
		rt.authenticate(), rt.farm(true), managers, general, query(farm.InvitationQuery{})))
	mux.Handle("POST /api/farm/invitations/{id}/cancel", pipeline(http.HandlerFunc(h.HandleCancelInvitation),
		rt.authenticate(), rt.farm(true), managers, general, params(validate.IDParam{})))

	// Invitees answer by token; they hold no membership yet.
	mux.Handle("POST /api/invitations/{token}/accept", pipeline(http.HandlerFunc(h.HandleAcceptInvitation),
		rt.authenticate(), rt.allow(rbac.RequireActive()), general, params(farm.TokenParam{})))
	mux.Handle("POST /api/invitations/{token}/decline", pipeline(http.HandlerFunc(h.HandleDeclineInvitation),
		rt.authenticate(), general, params(farm.TokenParam{})))
}

func registerIAM(mux *http.ServeMux, rt *routes) {
	h := rt.deps.IAMHandler
	if h == nil {
		return
	}
	general := rt.limit(rt.limits.General)
	rolesRead := rt.allow(rbac.RequirePermission(rbac.Any, "roles:read", "roles:manage"))
	rolesManage := rt.allow(rbac.RequirePermission(rbac.All, "roles:manage"))
	usersRead := rt.allow(rbac.RequirePermission(rbac.Any, "users:read", "users:manage"))
	usersManage := rt.allow(rbac.RequirePermission(rbac.All, "users:manage"))
	byID := params(validate.IDParam{})

	mux.Handle("GET /api/roles", pipeline(http.HandlerFunc(h.HandleListRoles),
		rt.authenticate(), rolesRead, general, query(iam.RoleQuery{})))
	mux.Handle("GET /api/roles/{id}", pipeline(http.HandlerFunc(h.HandleGetRole),
		rt.authenticate(), rolesRead, general, byID))
	mux.Handle("POST /api/roles", pipeline(http.HandlerFunc(h.HandleCreateRole),
		rt.authenticate(), rolesManage, general, body(iam.CreateRoleRequest{})))
	mux.Handle("PUT /api/roles/{id}", pipeline(http.HandlerFunc(h.HandleUpdateRole),
		rt.authenticate(), rolesManage, general,
		validate.Request(validate.Schema{Params: validate.IDParam{}, Body: iam.UpdateRoleRequest{}})))
	mux.Handle("DELETE /api/roles/{id}", pipeline(http.HandlerFunc(h.HandleDeleteRole),
		rt.authenticate(), rolesManage, rt.allow(rbac.RequireMinRoleLevel(adminRoleLevel)), general, byID))

	mux.Handle("GET /api/permissions", pipeline(http.HandlerFunc(h.HandleListPermissions),
		rt.authenticate(), rolesRead, general))
	mux.Handle("POST /api/permissions", pipeline(http.HandlerFunc(h.HandleCreatePermission),
		rt.authenticate(), rolesManage, general, body(iam.CreatePermissionRequest{})))

	mux.Handle("GET /api/users", pipeline(http.HandlerFunc(h.HandleListUsers),
		rt.authenticate(), usersRead, general, query(iam.UserQuery{})))
	mux.Handle("GET /api/users/{id}", pipeline(http.HandlerFunc(h.HandleGetUser),
		rt.authenticate(), rt.allow(rbac.RequireOwnershipOrRole("id", "admin")), general, byID))
	mux.Handle("PATCH /api/users/{id}/status", pipeline(http.HandlerFunc(h.HandleSetActive),
		rt.authenticate(), usersManage, general,
		validate.Request(validate.Schema{Params: validate.IDParam{}, Body: iam.SetActiveRequest{}})))
	mux.Handle("PUT /api/users/{id}/role", pipeline(http.HandlerFunc(h.HandleAssignRole),
		rt.authenticate(), usersManage, general,
		validate.Request(validate.Schema{Params: validate.IDParam{}, Body: iam.AssignRoleRequest{}})))
}

func registerFinance(mux *http.ServeMux, rt *routes) {
	h := rt.deps.FinanceHandler
	if h == nil {
		return
	}
	general := rt.limit(rt.limits.General)
	// Transactions feed the reports, so writes drop both caches.
	purge := rt.invalidates("/api/finance", "/api/reports")

	mux.Handle("POST /api/finance/transactions", pipeline(http.HandlerFunc(h.HandleCreate),
		rt.authenticate(), rt.farm(true), rt.allow(rbac.RequireFarmRole(auth.FarmRoleWorker.AtLeast()...)),
		general, body(finance.CreateTransactionRequest{}), purge))
	mux.Handle("GET /api/finance/transactions", pipeline(http.HandlerFunc(h.HandleList),
		rt.authenticate(), rt.farm(true), rt.anyFarmRole(), general,
		query(finance.ListQuery{}), rt.cached(rt.deps.CacheTTL)))
	mux.Handle("GET /api/finance/transactions/{id}", pipeline(http.HandlerFunc(h.HandleGet),
		rt.authenticate(), rt.farm(true), rt.anyFarmRole(), general,
		params(validate.IDParam{}), rt.cached(rt.deps.CacheTTL)))
	mux.Handle("DELETE /api/finance/transactions/{id}", pipeline(http.HandlerFunc(h.HandleDelete),
		rt.authenticate(), rt.farm(true), rt.allow(rbac.RequireFarmRole(auth.FarmRoleManager.AtLeast()...)),
		general, params(validate.IDParam{}), purge))
}

func registerReports(mux *http.ServeMux, rt *routes) {
	if h := rt.deps.ReportHandler; h != nil {
		mux.Handle("GET /api/reports/profit-loss", pipeline(http.HandlerFunc(h.HandleProfitLoss),
			rt.authenticate(), rt.farm(true), rt.anyFarmRole(), rt.limit(rt.limits.Reports),
			query(report.ProfitLossQuery{}), rt.cached(rt.deps.ReportTTL)))
	}
	if h := rt.deps.CacheHandler; h != nil {
		mux.Handle("POST /api/reports/cache/invalidate", pipeline(h.InvalidateUnder("/api/reports"),
			rt.authenticate(), rt.farm(true), rt.allow(rbac.RequireFarmRole(auth.FarmRoleManager.AtLeast()...)),
			rt.limit(rt.limits.General), body(cache.InvalidateRequest{})))
	}
}

func registerAdmin(mux *http.ServeMux, rt *routes) {
	general := rt.limit(rt.limits.General)

	if h := rt.deps.AuditHandler; h != nil {
		mux.Handle("GET /api/audit/events", pipeline(http.HandlerFunc(h.HandleListEvents),
			rt.authenticate(), rt.allow(rbac.RequirePermission(rbac.All, "audit:read")), general,
			query(audit.ListQuery{})))
		mux.Handle("GET /api/audit/stats", pipeline(http.HandlerFunc(h.HandleStats),
			rt.authenticate(), rt.allow(rbac.RequirePermission(rbac.All, "audit:read")), general))
	}

	if h := rt.deps.CacheHandler; h != nil {
		cacheManage := rt.allow(rbac.RequirePermission(rbac.All, "cache:manage"))
		mux.Handle("GET /api/cache/stats", pipeline(http.HandlerFunc(h.HandleStats),
			rt.authenticate(), cacheManage, general))
		mux.Handle("POST /api/cache/invalidate", pipeline(http.HandlerFunc(h.HandleInvalidate),
			rt.authenticate(), cacheManage, general, body(cache.InvalidateRequest{})))
	}
}

// Handler returns the full middleware-wrapped handler chain (for testing).
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	slog.Info("server starting", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database not connected",
		})
		return
	}

	if err := s.pool.Ping(r.Context()); err != nil {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database ping failed",
		})
		return
	}

	// A cache outage degrades to the in-memory store, so it is reported
	// but does not fail readiness.
	cacheStatus := "ok"
	if s.cachePing != nil {
		if err := s.cachePing(r.Context()); err != nil {
			cacheStatus = "degraded"
		}
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready", "cache": cacheStatus})
}
