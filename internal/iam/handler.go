package iam

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/granary-farm/granary/internal/audit"
	"github.com/granary-farm/granary/internal/auth"
	"github.com/granary-farm/granary/internal/platform/apperr"
	"github.com/granary-farm/granary/internal/platform/database"
	"github.com/granary-farm/granary/internal/platform/httpx"
	"github.com/granary-farm/granary/internal/validate"
)

// Handler serves role, permission and user administration.
type Handler struct {
	pool  *pgxpool.Pool
	roles *RoleStore
	users *UserStore
	audit audit.Logger
}

func NewHandler(pool *pgxpool.Pool, auditLog audit.Logger) *Handler {
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	return &Handler{pool: pool, roles: NewRoleStore(), users: NewUserStore(), audit: auditLog}
}

type RoleQuery struct {
	IncludeInactive bool `query:"includeInactive"`
}

type CreateRoleRequest struct {
	Name        string   `json:"name" validate:"required,min=2,max=50,printascii"`
	Description string   `json:"description" validate:"max=255"`
	Level       int      `json:"level" validate:"gte=0,lte=99"`
	Permissions []string `json:"permissions" validate:"dive,required,max=100"`
}

type UpdateRoleRequest struct {
	Name        *string  `json:"name" validate:"omitempty,min=2,max=50"`
	Description *string  `json:"description" validate:"omitempty,max=255"`
	Level       *int     `json:"level" validate:"omitempty,gte=0,lte=99"`
	Active      *bool    `json:"active"`
	Permissions []string `json:"permissions" validate:"omitempty,dive,required,max=100"`
}

type CreatePermissionRequest struct {
	Module      string `json:"module" validate:"required,min=2,max=50,alpha"`
	Action      string `json:"action" validate:"required,oneof=create read update delete manage"`
	Description string `json:"description" validate:"max=255"`
}

func (h *Handler) record(ctx context.Context, action, resourceType, resourceID string, meta map[string]any) {
	h.audit.Log(ctx, audit.Event{
		UserID:       audit.ActorIDFromContext(ctx),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     meta,
	})
}

// writeStoreError maps store sentinels onto the error envelope.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, ErrRoleNotFound), errors.Is(err, ErrUserNotFound):
		httpx.WriteError(w, r, apperr.NotFound(err.Error()))
	case errors.Is(err, ErrRoleDuplicate), errors.Is(err, ErrPermissionExists), errors.Is(err, ErrRoleInactive):
		httpx.WriteError(w, r, apperr.Conflict(err.Error()))
	case errors.Is(err, ErrRoleIsSystem):
		httpx.WriteError(w, r, apperr.InsufficientPermissions(err.Error(), map[string]any{"predicate": "systemRole"}))
	case errors.Is(err, ErrWildcardDenied), errors.Is(err, ErrUnknownPermission):
		httpx.WriteError(w, r, apperr.Validation("validation failed", []string{"permissions: " + err.Error()}))
	default:
		httpx.WriteError(w, r, apperr.Internal(fallback, err))
	}
}

// HandleListRoles returns roles, highest level first.
// GET /api/roles
func (h *Handler) HandleListRoles(w http.ResponseWriter, r *http.Request) {
	q := validate.Query[RoleQuery](r.Context())
	roles, err := h.roles.List(r.Context(), h.pool, q.IncludeInactive)
	if err != nil {
		writeStoreError(w, r, err, "listing roles failed")
		return
	}
	httpx.WriteOK(w, roles, "")
}

// HandleGetRole returns one role with its permissions.
// GET /api/roles/{id}
func (h *Handler) HandleGetRole(w http.ResponseWriter, r *http.Request) {
	id := validate.Params[validate.IDParam](r.Context()).ID
	role, err := h.roles.GetByID(r.Context(), h.pool, id)
	if err != nil {
		writeStoreError(w, r, err, "getting role failed")
		return
	}
	httpx.WriteOK(w, role, "")
}

// HandleCreateRole creates a custom role.
// POST /api/roles
func (h *Handler) HandleCreateRole(w http.ResponseWriter, r *http.Request) {
	req := validate.Body[CreateRoleRequest](r.Context())

	var role *Role
	err := database.WithTx(r.Context(), h.pool, func(ctx context.Context, tx pgx.Tx) error {
		var createErr error
		role, createErr = h.roles.Create(ctx, tx, strings.TrimSpace(req.Name), req.Description, req.Level, req.Permissions)
		return createErr
	})
	if err != nil {
		writeStoreError(w, r, err, "role creation failed")
		return
	}

	h.record(r.Context(), audit.ActionRoleCreated, "role", role.ID, map[string]any{
		"name":        role.Name,
		"permissions": role.Permissions,
	})
	httpx.WriteCreated(w, role, "role created")
}

// HandleUpdateRole changes a custom role.
// PUT /api/roles/{id}
func (h *Handler) HandleUpdateRole(w http.ResponseWriter, r *http.Request) {
	id := validate.Params[validate.IDParam](r.Context()).ID
	req := validate.Body[UpdateRoleRequest](r.Context())

	var role *Role
	err := database.WithTx(r.Context(), h.pool, func(ctx context.Context, tx pgx.Tx) error {
		var updateErr error
		role, updateErr = h.roles.Update(ctx, tx, id, RoleUpdate{
			Name:        req.Name,
			Description: req.Description,
			Level:       req.Level,
			Active:      req.Active,
			Permissions: req.Permissions,
		})
		return updateErr
	})
	if err != nil {
		writeStoreError(w, r, err, "role update failed")
		return
	}

	h.record(r.Context(), audit.ActionRoleUpdated, "role", role.ID, map[string]any{
		"name":        role.Name,
		"active":      role.Active,
		"permissions": role.Permissions,
	})
	httpx.WriteOK(w, role, "role updated")
}

// HandleDeleteRole deletes a custom role, or disables it while users
// still hold it.
// DELETE /api/roles/{id}
func (h *Handler) HandleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id := validate.Params[validate.IDParam](r.Context()).ID

	var res *RoleDeletion
	err := database.WithTx(r.Context(), h.pool, func(ctx context.Context, tx pgx.Tx) error {
		var delErr error
		res, delErr = h.roles.Delete(ctx, tx, id)
		return delErr
	})
	if err != nil {
		writeStoreError(w, r, err, "role deletion failed")
		return
	}

	if res.Disabled {
		h.record(r.Context(), audit.ActionRoleDisabled, "role", id, map[string]any{"users": res.Users})
		httpx.WriteOK(w, res, "role is assigned to users and was disabled")
		return
	}
	h.record(r.Context(), audit.ActionRoleDeleted, "role", id, nil)
	httpx.WriteOK(w, res, "role deleted")
}

// HandleListPermissions returns every permission.
// GET /api/permissions
func (h *Handler) HandleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.roles.ListPermissions(r.Context(), h.pool)
	if err != nil {
		writeStoreError(w, r, err, "listing permissions failed")
		return
	}
	httpx.WriteOK(w, perms, "")
}

// HandleCreatePermission registers module:action.
// POST /api/permissions
func (h *Handler) HandleCreatePermission(w http.ResponseWriter, r *http.Request) {
	req := validate.Body[CreatePermissionRequest](r.Context())
	p, err := h.roles.CreatePermission(r.Context(), h.pool, strings.ToLower(req.Module), req.Action, req.Description)
	if err != nil {
		writeStoreError(w, r, err, "permission creation failed")
		return
	}
	h.record(r.Context(), audit.ActionPermissionCreated, "permission", p.ID, map[string]any{"name": p.Name})
	httpx.WriteCreated(w, p, "permission created")
}

// callerID returns the authenticated principal's id, or "".
func callerID(r *http.Request) string {
	if p := auth.GetPrincipal(r.Context()); p != nil {
		return p.ID
	}
	return ""
}
