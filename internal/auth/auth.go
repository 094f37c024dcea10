package auth

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	ErrTokenInvalid   = errors.New("token invalid")
	ErrUserNotFound   = errors.New("user not found")
	ErrEmailTaken     = errors.New("email already registered")
	ErrResetNotFound  = errors.New("password reset not found or expired")
	ErrFamilyNotFound = errors.New("token family not found")
	ErrFamilyRevoked  = errors.New("token family revoked")
	ErrTokenReuse     = errors.New("refresh token reuse detected")
)

// FarmRole is the farm-scoped authorization level.
type FarmRole string

const (
	FarmRoleOwner   FarmRole = "OWNER"
	FarmRoleManager FarmRole = "MANAGER"
	FarmRoleWorker  FarmRole = "WORKER"
	FarmRoleViewer  FarmRole = "VIEWER"
)

// FarmRoles lists every farm role from most to least senior.
var FarmRoles = []FarmRole{FarmRoleOwner, FarmRoleManager, FarmRoleWorker, FarmRoleViewer}

func (r FarmRole) Valid() bool {
	return slices.Contains(FarmRoles, r)
}

// AtLeast returns every farm role at or above r.
func (r FarmRole) AtLeast() []FarmRole {
	i := slices.Index(FarmRoles, r)
	if i < 0 {
		return nil
	}
	return slices.Clone(FarmRoles[:i+1])
}

// FarmMembership binds a user to a farm with a role.
type FarmMembership struct {
	FarmID   string    `json:"farmId"`
	FarmName string    `json:"farmName,omitempty"`
	UserID   string    `json:"userId"`
	Role     FarmRole  `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
	Active   bool      `json:"active"`
}

// Principal is the resolved caller for one request. It is rebuilt from the
// database on every request so deactivation and role changes apply at once.
type Principal struct {
	ID            string           `json:"id"`
	Email         string           `json:"email"`
	DisplayName   string           `json:"displayName"`
	Active        bool             `json:"active"`
	EmailVerified bool             `json:"emailVerified"`
	RoleID        string           `json:"roleId,omitempty"`
	RoleName      string           `json:"role,omitempty"`
	RoleLevel     int              `json:"roleLevel"`
	Permissions   []string         `json:"permissions"`
	Memberships   []FarmMembership `json:"farms"`
}

func (p *Principal) HasPermission(name string) bool {
	return p != nil && slices.Contains(p.Permissions, name)
}

// ActiveMemberships returns the memberships that currently grant access.
func (p *Principal) ActiveMemberships() []FarmMembership {
	if p == nil {
		return nil
	}
	out := make([]FarmMembership, 0, len(p.Memberships))
	for _, m := range p.Memberships {
		if m.Active {
			out = append(out, m)
		}
	}
	return out
}

// MembershipFor returns the active membership for farmID.
func (p *Principal) MembershipFor(farmID string) (FarmMembership, bool) {
	for _, m := range p.ActiveMemberships() {
		if m.FarmID == farmID {
			return m, true
		}
	}
	return FarmMembership{}, false
}

type (
	principalContextKey struct{}
	claimsContextKey    struct{}
)

// WithPrincipal attaches p to ctx. Exported so tests and the
// authentication middleware share one key.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// GetPrincipal retrieves the authenticated principal from the request context.
func GetPrincipal(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}

// WithClaims attaches the verified access token claims to ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, c)
}

// GetClaims returns the verified access token claims, or nil.
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsContextKey{}).(*Claims)
	return c
}
