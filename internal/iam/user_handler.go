package iam

import (
	"fmt"
	"maps"
	"net/http"
	"slices"

	"github.com/granary-farm/granary/internal/audit"
	"github.com/granary-farm/granary/internal/auth"
	"github.com/granary-farm/granary/internal/platform/apperr"
	"github.com/granary-farm/granary/internal/platform/httpx"
	"github.com/granary-farm/granary/internal/validate"
)

// UserQuery filters GET /api/users.
type UserQuery struct {
	validate.Pagination
	Search string `query:"search" validate:"omitempty,max=100"`
	Active *bool  `query:"active"`
	RoleID string `query:"roleId" validate:"omitempty,uuid"`
}

func (q UserQuery) SortKeys() []string { return slices.Sorted(maps.Keys(userSortColumns)) }

type SetActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type AssignRoleRequest struct {
	RoleID string `json:"roleId" validate:"required,uuid"`
}

// HandleListUsers returns a page of users.
// GET /api/users
func (h *Handler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	q := validate.Query[UserQuery](r.Context())
	users, total, err := h.users.List(r.Context(), h.pool, UserFilter{
		Search: q.Search,
		Active: q.Active,
		RoleID: q.RoleID,
		Limit:  q.Limit,
		Offset: q.Offset(),
		Sort:   q.Sort,
		Desc:   q.Order == "desc",
	})
	if err != nil {
		writeStoreError(w, r, err, "listing users failed")
		return
	}
	httpx.WritePage(w, users, "", httpx.NewPagination(q.Page, q.Limit, total))
}

// HandleGetUser returns one user. The route gates on ownership or admin.
// GET /api/users/{id}
func (h *Handler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	id := validate.Params[validate.IDParam](r.Context()).ID
	u, err := h.users.GetByID(r.Context(), h.pool, id)
	if err != nil {
		writeStoreError(w, r, err, "getting user failed")
		return
	}
	httpx.WriteOK(w, u, "")
}

// HandleSetActive activates or deactivates an account. Deactivation takes
// effect on the user's next request because principals are loaded fresh.
// PATCH /api/users/{id}/status
func (h *Handler) HandleSetActive(w http.ResponseWriter, r *http.Request) {
	id := validate.Params[validate.IDParam](r.Context()).ID
	req := validate.Body[SetActiveRequest](r.Context())
	active := *req.Active

	if id == callerID(r) && !active {
		httpx.WriteError(w, r, apperr.Conflict("cannot deactivate your own account"))
		return
	}
	target, err := h.users.GetByID(r.Context(), h.pool, id)
	if err != nil {
		writeStoreError(w, r, err, "getting user failed")
		return
	}
	if denied := outranks(r, target.RoleLevel); denied != nil {
		httpx.WriteError(w, r, denied)
		return
	}
	if err := h.users.SetActive(r.Context(), h.pool, id, active); err != nil {
		writeStoreError(w, r, err, "updating user failed")
		return
	}

	action := audit.ActionUserDeactivated
	if active {
		action = audit.ActionUserActivated
	}
	h.record(r.Context(), action, "user", id, nil)
	httpx.WriteOK(w, map[string]any{"id": id, "active": active}, "user updated")
}

// HandleAssignRole sets a user's global role. Callers can neither grant a
// role above their own level nor re-role a more senior user.
// PUT /api/users/{id}/role
func (h *Handler) HandleAssignRole(w http.ResponseWriter, r *http.Request) {
	id := validate.Params[validate.IDParam](r.Context()).ID
	req := validate.Body[AssignRoleRequest](r.Context())

	target, err := h.users.GetByID(r.Context(), h.pool, id)
	if err != nil {
		writeStoreError(w, r, err, "getting user failed")
		return
	}
	role, err := h.roles.GetByID(r.Context(), h.pool, req.RoleID)
	if err != nil {
		writeStoreError(w, r, err, "getting role failed")
		return
	}
	for _, level := range []int{target.RoleLevel, role.Level} {
		if denied := outranks(r, level); denied != nil {
			httpx.WriteError(w, r, denied)
			return
		}
	}

	if err := h.users.AssignRole(r.Context(), h.pool, id, req.RoleID); err != nil {
		writeStoreError(w, r, err, "assigning role failed")
		return
	}
	h.record(r.Context(), audit.ActionUserRoleAssigned, "user", id, map[string]any{"roleId": req.RoleID})
	httpx.WriteOK(w, map[string]any{"id": id, "roleId": req.RoleID}, "role assigned")
}

// outranks denies the change when level is above the caller's global role
// level.
func outranks(r *http.Request, level int) *apperr.Error {
	current := 0
	if p := auth.GetPrincipal(r.Context()); p != nil {
		current = p.RoleLevel
	}
	if level <= current {
		return nil
	}
	return apperr.InsufficientPermissions(fmt.Sprintf("requires role level %d", level), map[string]any{
		"predicate": "roleSeniority",
		"required":  level,
		"current":   current,
	})
}
