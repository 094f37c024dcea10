package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/granary-farm/granary/internal/audit"
	"github.com/granary-farm/granary/internal/auth"
	"github.com/granary-farm/granary/internal/cache"
	"github.com/granary-farm/granary/internal/finance"
	"github.com/granary-farm/granary/internal/platform/config"
	"github.com/granary-farm/granary/internal/platform/server"
	"github.com/granary-farm/granary/internal/platform/telemetry"
	"github.com/granary-farm/granary/internal/ratelimit"
	"github.com/granary-farm/granary/internal/report"
)

func TestServer_HealthCheck(t *testing.T) {
	srv := server.New(":0", server.Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	err := json.Unmarshal(w.Body.Bytes(), &body)
	require.NoError(t, err)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_ReadinessCheck_NoDB(t *testing.T) {
	srv := server.New(":0", server.Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_NotFound(t *testing.T) {
	srv := server.New(":0", server.Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_Metrics(t *testing.T) {
	srv := server.New(":0", server.Dependencies{Metrics: telemetry.NewMetrics()})

	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "granary_http_requests_total")
}

func TestServer_StartStop(t *testing.T) {
	srv := server.New("127.0.0.1:0", server.Dependencies{})

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// Give server time to start, then cancel
	cancel()

	err := <-errCh
	assert.NoError(t, err)
}

const (
	testFarmID = "7b0e3c52-3a55-4d0c-9f0e-6e4c2f6b1a10"
	viewerID   = "viewer"
	managerID  = "manager"
	auditorID  = "auditor"
	plainID    = "plain"
)

// directory is an in-memory PrincipalLoader.
type directory map[string]auth.Principal

func (d directory) LoadPrincipal(_ context.Context, userID string) (*auth.Principal, error) {
	p, ok := d[userID]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	return &p, nil
}

func member(userID string, role auth.FarmRole) []auth.FarmMembership {
	return []auth.FarmMembership{{FarmID: testFarmID, UserID: userID, Role: role, Active: true}}
}

type fixture struct {
	handler http.Handler
	tokens  *auth.TokenService
	store   *cache.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tokens := auth.NewTokenService(auth.TokenConfig{
		AccessSecret:  "access-secret-at-least-32-chars!!!",
		RefreshSecret: "refresh-secret-at-least-32-chars!!",
		Issuer:        "granary",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    time.Hour,
	})
	users := directory{
		viewerID:  {ID: viewerID, Active: true, RoleName: "user", Memberships: member(viewerID, auth.FarmRoleViewer)},
		managerID: {ID: managerID, Active: true, RoleName: "user", Memberships: member(managerID, auth.FarmRoleManager)},
		auditorID: {ID: auditorID, Active: true, RoleName: "admin", Permissions: []string{"audit:read", "cache:manage"}},
		plainID:   {ID: plainID, Active: true, RoleName: "user"},
	}
	principals := auth.NewResolver(users)

	store := cache.NewMemoryStore()
	limits := ratelimit.NewPresets(config.RateLimitConfig{
		Enabled:       true,
		General:       config.RuleConfig{Max: 100, WindowMinutes: 15},
		Auth:          config.RuleConfig{Max: 5, WindowMinutes: 15},
		PasswordReset: config.RuleConfig{Max: 3, WindowMinutes: 15},
		Reports:       config.RuleConfig{Max: 10, WindowMinutes: 5},
	}, store)

	srv := server.New(":0", server.Dependencies{
		Tokens:         tokens,
		Principals:     principals,
		Limits:         limits,
		Cache:          store,
		AuthHandler:    auth.NewHandler(auth.HandlerConfig{Tokens: tokens, Resolver: principals}),
		FinanceHandler: finance.NewHandler(nil, nil),
		ReportHandler:  report.NewHandler(nil),
		AuditHandler:   audit.NewHandler(nil),
		CacheHandler:   cache.NewHandler(store, nil),
	})
	return &fixture{handler: srv.Handler(), tokens: tokens, store: store}
}

func (f *fixture) do(t *testing.T, method, target, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if userID != "" {
		token, err := f.tokens.Issue(auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: userID}}, auth.KindAccess)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestPipeline_MissingToken(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/audit/events", "", "")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])
}

func TestPipeline_PermissionGate(t *testing.T) {
	f := newFixture(t)

	denied := f.do(t, http.MethodGet, "/api/audit/events", plainID, "")
	assert.Equal(t, http.StatusForbidden, denied.Code)

	allowed := f.do(t, http.MethodGet, "/api/audit/events", auditorID, "")
	require.Equal(t, http.StatusOK, allowed.Code)
	data := decode(t, allowed)["data"].(map[string]any)
	assert.EqualValues(t, 0, data["count"])
}

func TestPipeline_ViewerCannotCreateTransaction(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/finance/transactions", viewerID,
		`{"type":"income","category":"grain","amount":100,"occurredOn":"2024-01-05"}`)

	assert.Equal(t, http.StatusForbidden, w.Code)
	body := decode(t, w)
	assert.Equal(t, []any{"OWNER", "MANAGER", "WORKER"}, body["required"])
	assert.Equal(t, "VIEWER", body["current"])
}

func TestPipeline_FarmRouteWithoutMembership(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/finance/transactions", plainID, "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func profitLossTarget() (string, string) {
	q := url.Values{"startDate": {"2024-01-01"}, "endDate": {"2024-01-31"}}
	target := "/api/reports/profit-loss?endDate=2024-01-31&startDate=2024-01-01"
	return target, cache.Key("/api/reports/profit-loss", q) + "@" + testFarmID
}

func TestPipeline_CachedReportSkipsDispatch(t *testing.T) {
	f := newFixture(t)
	target, key := profitLossTarget()
	require.NoError(t, f.store.Set(context.Background(), key,
		[]byte(`{"success":true,"data":{"netProfit":250}}`), time.Minute))

	w := f.do(t, http.MethodGet, target, viewerID, "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	body := decode(t, w)
	assert.Equal(t, true, body["cached"])
	assert.EqualValues(t, 250, body["data"].(map[string]any)["netProfit"])
}

func TestPipeline_ReportLimiter(t *testing.T) {
	f := newFixture(t)
	target, key := profitLossTarget()
	require.NoError(t, f.store.Set(context.Background(), key,
		[]byte(`{"success":true,"data":{"netProfit":250}}`), time.Hour))

	for i := 0; i < 10; i++ {
		w := f.do(t, http.MethodGet, target, viewerID, "")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := f.do(t, http.MethodGet, target, viewerID, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "reports", decode(t, w)["limiter"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestPipeline_LimiterRunsBeforeValidation(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		w := f.do(t, http.MethodPost, "/api/auth/login", "", `{}`)
		require.Equal(t, http.StatusBadRequest, w.Code, "attempt %d", i+1)
	}

	w := f.do(t, http.MethodPost, "/api/auth/login", "", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "auth", decode(t, w)["limiter"])
}

func TestPipeline_ReportCacheInvalidation(t *testing.T) {
	f := newFixture(t)
	_, key := profitLossTarget()
	require.NoError(t, f.store.Set(context.Background(), key,
		[]byte(`{"success":true,"data":{"netProfit":250}}`), time.Hour))

	denied := f.do(t, http.MethodPost, "/api/reports/cache/invalidate", viewerID, `{}`)
	assert.Equal(t, http.StatusForbidden, denied.Code)

	w := f.do(t, http.MethodPost, "/api/reports/cache/invalidate", managerID, `{}`)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.EqualValues(t, 1, data["deleted"])

	ok, err := f.store.Exists(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPipeline_AuditStatsRoute(t *testing.T) {
	f := newFixture(t)

	denied := f.do(t, http.MethodGet, "/api/audit/stats", plainID, "")
	assert.Equal(t, http.StatusForbidden, denied.Code)

	w := f.do(t, http.MethodGet, "/api/audit/stats", auditorID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "data")
}
