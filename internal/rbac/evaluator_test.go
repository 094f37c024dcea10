package rbac_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/granary-farm/granary/internal/auth"
	"github.com/granary-farm/granary/internal/farm"
	"github.com/granary-farm/granary/internal/platform/apperr"
	"github.com/granary-farm/granary/internal/rbac"
)

func activePrincipal() *auth.Principal {
	return &auth.Principal{
		ID:            "user-123",
		Email:         "grower@farm.io",
		Active:        true,
		EmailVerified: true,
		RoleName:      "user",
		RoleLevel:     10,
		Permissions:   []string{"reports:read", "users:read"},
	}
}

func subjectFor(p *auth.Principal, fc *farm.Context) *rbac.Subject {
	return &rbac.Subject{Principal: p, Farm: fc}
}

func TestPredicates_Pass(t *testing.T) {
	p := activePrincipal()
	fc := &farm.Context{FarmID: "farm-1", Role: auth.FarmRoleWorker}

	tests := []struct {
		name string
		pred rbac.Predicate
	}{
		{"active", rbac.RequireActive()},
		{"verified email", rbac.RequireVerifiedEmail()},
		{"role", rbac.RequireRole("admin", "user")},
		{"permission any", rbac.RequirePermission(rbac.Any, "users:manage", "users:read")},
		{"permission all", rbac.RequirePermission(rbac.All, "users:read", "reports:read")},
		{"farm role", rbac.RequireFarmRole(auth.FarmRoleWorker.AtLeast()...)},
		{"escalation by farm role", rbac.RequireOwnershipOrRole("ownerId", "WORKER")},
		{"min role level", rbac.RequireMinRoleLevel(10)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, tt.pred(subjectFor(p, fc)))
		})
	}
}

func TestPredicates_Deny(t *testing.T) {
	p := activePrincipal()
	p.EmailVerified = false
	fc := &farm.Context{FarmID: "farm-1", Role: auth.FarmRoleViewer}

	tests := []struct {
		name      string
		pred      rbac.Predicate
		predicate string
	}{
		{"verified email", rbac.RequireVerifiedEmail(), "requireVerifiedEmail"},
		{"role", rbac.RequireRole("admin"), "requireRole"},
		{"permission any", rbac.RequirePermission(rbac.Any, "users:manage", "roles:manage"), "requirePermission"},
		{"permission all", rbac.RequirePermission(rbac.All, "users:read", "users:manage"), "requirePermission"},
		{"farm role", rbac.RequireFarmRole(auth.FarmRoleOwner), "requireFarmRole"},
		{"ownership", rbac.RequireOwnershipOrRole("ownerId", "admin"), "requireOwnershipOrRole"},
		{"min role level", rbac.RequireMinRoleLevel(50), "requireMinRoleLevel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.pred(subjectFor(p, fc))
			require.NotNil(t, d)
			assert.Equal(t, apperr.KindInsufficientPermissions, d.Kind)
			assert.Equal(t, tt.predicate, d.Predicate)
			assert.NotEmpty(t, d.Message)
		})
	}
}

func TestPredicates_InactivePrincipalAlwaysRejected(t *testing.T) {
	p := activePrincipal()
	p.Active = false
	p.RoleName = "admin"
	p.RoleLevel = 100
	p.Permissions = []string{"*"}
	fc := &farm.Context{FarmID: "farm-1", Role: auth.FarmRoleOwner}

	preds := []rbac.Predicate{
		rbac.RequireActive(),
		rbac.RequireVerifiedEmail(),
		rbac.RequireRole("admin"),
		rbac.RequirePermission(rbac.Any, "users:manage"),
		rbac.RequireFarmRole(auth.FarmRoleOwner),
		rbac.RequireOwnershipOrRole("ownerId", "admin"),
		rbac.RequireMinRoleLevel(1),
	}
	for _, pred := range preds {
		d := pred(subjectFor(p, fc))
		require.NotNil(t, d)
		assert.Equal(t, apperr.KindAccountInactive, d.Kind)
	}
}

func TestPredicates_NoPrincipal(t *testing.T) {
	d := rbac.RequireRole("admin")(subjectFor(nil, nil))
	require.NotNil(t, d)
	assert.Equal(t, apperr.KindAuthenticationRequired, d.Kind)
}

func TestRequirePermission_Wildcard(t *testing.T) {
	p := activePrincipal()
	p.Permissions = []string{"*"}

	assert.Nil(t, rbac.RequirePermission(rbac.All, "roles:manage", "users:manage")(subjectFor(p, nil)))
}

func TestRequireFarmRole_NoFarmContext(t *testing.T) {
	d := rbac.RequireFarmRole(auth.FarmRoleViewer)(subjectFor(activePrincipal(), nil))
	require.NotNil(t, d)
	assert.Equal(t, apperr.KindFarmSelectionRequired, d.Kind)
}

func TestRequireOwnershipOrRole_Sources(t *testing.T) {
	p := activePrincipal()
	pred := rbac.RequireOwnershipOrRole("userId", "admin")

	// Attached resource
	s := subjectFor(p, nil)
	s.Resource = map[string]string{"userId": p.ID}
	assert.Nil(t, pred(s))

	// Path value of the same name
	mux := http.NewServeMux()
	var got *rbac.Denial
	mux.HandleFunc("GET /api/users/{userId}", func(w http.ResponseWriter, r *http.Request) {
		got = pred(rbac.SubjectFromRequest(r.WithContext(auth.WithPrincipal(r.Context(), p))))
	})
	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/users/user-123", nil))
	assert.Nil(t, got)

	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/users/someone-else", nil))
	require.NotNil(t, got)
	assert.Equal(t, "requireOwnershipOrRole", got.Predicate)

	// Escalation by global role
	admin := activePrincipal()
	admin.RoleName = "admin"
	s = subjectFor(admin, nil)
	s.Resource = map[string]string{"userId": "someone-else"}
	assert.Nil(t, pred(s))
}

func TestEvaluate_StopsAtFirstFailure(t *testing.T) {
	p := activePrincipal()
	calls := 0
	counting := func(s *rbac.Subject) *rbac.Denial {
		calls++
		return nil
	}

	d := rbac.Evaluate(subjectFor(p, nil), counting, rbac.RequireRole("admin"), counting)
	require.NotNil(t, d)
	assert.Equal(t, "requireRole", d.Predicate)
	assert.Equal(t, 1, calls)

	assert.Nil(t, rbac.Evaluate(subjectFor(p, nil), counting, rbac.RequireActive(), counting))
	assert.Equal(t, 3, calls)
}

func TestDenial_Err(t *testing.T) {
	d := rbac.RequireFarmRole(auth.FarmRoleWorker.AtLeast()...)(subjectFor(activePrincipal(), &farm.Context{Role: auth.FarmRoleViewer}))
	require.NotNil(t, d)

	err := d.Err()
	assert.Equal(t, apperr.KindInsufficientPermissions, err.Kind)
	assert.Equal(t, "requireFarmRole", err.Details["predicate"])
	assert.Equal(t, []auth.FarmRole{auth.FarmRoleOwner, auth.FarmRoleManager, auth.FarmRoleWorker}, err.Details["required"])
	assert.Equal(t, auth.FarmRoleViewer, err.Details["current"])
}
