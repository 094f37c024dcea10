package rbac

import (
	"fmt"
	"slices"
	"strings"

	"github.com/granary-farm/granary/internal/auth"
	"github.com/granary-farm/granary/internal/platform/apperr"
)

// Mode selects how RequirePermission combines its permissions.
type Mode int

const (
	Any Mode = iota
	All
)

func (m Mode) String() string {
	if m == All {
		return "all"
	}
	return "any"
}

// guarded wraps check so that every predicate rejects a missing or
// inactive principal before looking at anything else.
func guarded(name string, check func(s *Subject, p *auth.Principal) *Denial) Predicate {
	return func(s *Subject) *Denial {
		p := s.Principal
		if p == nil {
			return &Denial{Kind: apperr.KindAuthenticationRequired, Predicate: name, Message: "authentication required"}
		}
		if !p.Active {
			return &Denial{Kind: apperr.KindAccountInactive, Predicate: name, Message: "account is inactive"}
		}
		return check(s, p)
	}
}

func deny(name, message string, required, current any) *Denial {
	return &Denial{
		Kind:      apperr.KindInsufficientPermissions,
		Predicate: name,
		Message:   message,
		Required:  required,
		Current:   current,
	}
}

// RequireActive passes for any authenticated, active principal.
func RequireActive() Predicate {
	return guarded("requireActive", func(*Subject, *auth.Principal) *Denial { return nil })
}

func RequireVerifiedEmail() Predicate {
	return guarded("requireVerifiedEmail", func(_ *Subject, p *auth.Principal) *Denial {
		if p.EmailVerified {
			return nil
		}
		return deny("requireVerifiedEmail", "email address must be verified", true, false)
	})
}

// RequireRole passes when the principal's global role is one of names.
func RequireRole(names ...string) Predicate {
	return guarded("requireRole", func(_ *Subject, p *auth.Principal) *Denial {
		if p.RoleName != "" && slices.Contains(names, p.RoleName) {
			return nil
		}
		return deny("requireRole", "requires role "+strings.Join(names, " or "), names, p.RoleName)
	})
}

// RequirePermission passes when the principal holds any (mode Any) or every
// (mode All) permission in perms. The "*" permission grants everything.
func RequirePermission(mode Mode, perms ...string) Predicate {
	return guarded("requirePermission", func(_ *Subject, p *auth.Principal) *Denial {
		var missing []string
		for _, perm := range perms {
			if holds(p, perm) {
				if mode == Any {
					return nil
				}
				continue
			}
			missing = append(missing, perm)
		}
		if mode == All && len(missing) == 0 {
			return nil
		}
		current := p.Permissions
		if current == nil {
			current = []string{}
		}
		return deny("requirePermission",
			fmt.Sprintf("requires %s of permissions %s", mode, strings.Join(perms, ", ")), perms, current)
	})
}

func holds(p *auth.Principal, perm string) bool {
	return p.HasPermission(perm) || p.HasPermission("*")
}

// RequireFarmRole passes when the caller's role on the resolved farm is one
// of roles. It needs a farm context from an earlier stage.
func RequireFarmRole(roles ...auth.FarmRole) Predicate {
	return guarded("requireFarmRole", func(s *Subject, _ *auth.Principal) *Denial {
		if s.Farm == nil {
			return &Denial{
				Kind:      apperr.KindFarmSelectionRequired,
				Predicate: "requireFarmRole",
				Message:   "farm selection required",
				Required:  roles,
			}
		}
		if slices.Contains(roles, s.Farm.Role) {
			return nil
		}
		names := make([]string, len(roles))
		for i, r := range roles {
			names[i] = string(r)
		}
		return deny("requireFarmRole", "requires farm role "+strings.Join(names, ", "), roles, s.Farm.Role)
	})
}

// RequireOwnershipOrRole passes when the principal owns the resource, meaning
// its id equals the ownerField attribute, or holds escalationRole either as
// global role or as farm role.
func RequireOwnershipOrRole(ownerField, escalationRole string) Predicate {
	return guarded("requireOwnershipOrRole", func(s *Subject, p *auth.Principal) *Denial {
		if owner := s.Field(ownerField); owner != "" && owner == p.ID {
			return nil
		}
		if p.RoleName == escalationRole {
			return nil
		}
		if s.Farm != nil && string(s.Farm.Role) == escalationRole {
			return nil
		}
		current := p.RoleName
		if s.Farm != nil {
			current = string(s.Farm.Role)
		}
		return deny("requireOwnershipOrRole",
			fmt.Sprintf("requires ownership of the resource or role %s", escalationRole),
			map[string]string{"owner": ownerField, "role": escalationRole}, current)
	})
}

// RequireMinRoleLevel passes when the global role is at least level senior.
func RequireMinRoleLevel(level int) Predicate {
	return guarded("requireMinRoleLevel", func(_ *Subject, p *auth.Principal) *Denial {
		if p.RoleLevel >= level {
			return nil
		}
		return deny("requireMinRoleLevel", fmt.Sprintf("requires role level %d", level), level, p.RoleLevel)
	})
}
