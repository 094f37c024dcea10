package farm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/granary-farm/granary/internal/audit"
	"github.com/granary-farm/granary/internal/auth"
	"github.com/granary-farm/granary/internal/notify"
	"github.com/granary-farm/granary/internal/platform/apperr"
	"github.com/granary-farm/granary/internal/platform/database"
	"github.com/granary-farm/granary/internal/platform/httpx"
	"github.com/granary-farm/granary/internal/validate"
)

// HandlerConfig wires the farm handlers.
type HandlerConfig struct {
	Pool          *pgxpool.Pool
	Store         *Store
	Invitations   *InvitationStore
	Audit         audit.Logger
	Notifier      notify.Notifier
	InvitationTTL time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Handler serves farm, membership and invitation endpoints.
type Handler struct {
	cfg HandlerConfig
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Store == nil {
		cfg.Store = NewStore()
	}
	if cfg.Invitations == nil {
		cfg.Invitations = NewInvitationStore()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NopLogger{}
	}
	if cfg.InvitationTTL == 0 {
		cfg.InvitationTTL = 72 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{cfg: cfg}
}

type CreateFarmRequest struct {
	Name     string `json:"name" validate:"required,max=120"`
	Location string `json:"location" validate:"max=200"`
}

// MemberParam is the {userId} path parameter.
type MemberParam struct {
	UserID string `path:"userId" validate:"required,uuid"`
}

type UpdateRoleRequest struct {
	Role auth.FarmRole `json:"role" validate:"required,oneof=OWNER MANAGER WORKER VIEWER"`
}

type CreateInvitationRequest struct {
	Email string        `json:"email" validate:"required,email,max=254"`
	Role  auth.FarmRole `json:"role" validate:"required,oneof=MANAGER WORKER VIEWER"`
}

type InvitationQuery struct {
	Status InvitationStatus `query:"status" validate:"omitempty,oneof=pending accepted declined cancelled expired"`
}

// TokenParam is the raw invitation token in the path.
type TokenParam struct {
	Token string `path:"token" validate:"required,len=64,hexadecimal"`
}

// InvitationCreated carries the raw token. It is returned once and never
// stored.
type InvitationCreated struct {
	Invitation
	Token string `json:"token"`
}

// requester returns the principal and farm context, or writes an error.
func requester(w http.ResponseWriter, r *http.Request) (*auth.Principal, *Context, bool) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		httpx.WriteError(w, r, apperr.AuthenticationRequired("authentication required"))
		return nil, nil, false
	}
	fc := FromContext(r.Context())
	if fc == nil {
		httpx.WriteError(w, r, apperr.New(apperr.KindFarmSelectionRequired, "farm selection required"))
		return nil, nil, false
	}
	return p, fc, true
}

func (h *Handler) record(ctx context.Context, farmID, action, resourceType, resourceID string, meta map[string]any) {
	h.cfg.Audit.Log(ctx, audit.Event{
		FarmID:       audit.ParseID(farmID),
		UserID:       audit.ActorIDFromContext(ctx),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     meta,
		Source:       "api",
	})
}

// HandleCreate creates a farm owned by the caller.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		httpx.WriteError(w, r, apperr.AuthenticationRequired("authentication required"))
		return
	}
	req := validate.Body[CreateFarmRequest](r.Context())

	var f *Farm
	err := database.WithTx(r.Context(), h.cfg.Pool, func(ctx context.Context, tx pgx.Tx) error {
		var createErr error
		f, createErr = h.cfg.Store.Create(ctx, tx, strings.TrimSpace(req.Name), req.Location, p.ID)
		return createErr
	})
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal("farm creation failed", err))
		return
	}

	h.record(r.Context(), f.ID, audit.ActionFarmCreated, "farm", f.ID, map[string]any{"name": f.Name})
	httpx.WriteCreated(w, f, "farm created")
}

// HandleList returns the caller's farms.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		httpx.WriteError(w, r, apperr.AuthenticationRequired("authentication required"))
		return
	}
	farms, err := h.cfg.Store.ListForUser(r.Context(), h.cfg.Pool, p.ID)
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal("listing farms failed", err))
		return
	}
	httpx.WriteOK(w, farms, "")
}

func (h *Handler) HandleListMembers(w http.ResponseWriter, r *http.Request) {
	_, fc, ok := requester(w, r)
	if !ok {
		return
	}
	members, err := h.cfg.Store.ListMembers(r.Context(), h.cfg.Pool, fc.FarmID)
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal("listing members failed", err))
		return
	}
	httpx.WriteOK(w, members, "")
}

// HandleUpdateMemberRole changes a member's farm role. Owners cannot change
// their own role so a farm never loses its last owner this way.
func (h *Handler) HandleUpdateMemberRole(w http.ResponseWriter, r *http.Request) {
	p, fc, ok := requester(w, r)
	if !ok {
		return
	}
	params := validate.Params[MemberParam](r.Context())
	req := validate.Body[UpdateRoleRequest](r.Context())

	if params.UserID == p.ID {
		httpx.WriteError(w, r, apperr.Conflict("you cannot change your own farm role"))
		return
	}

	member, err := h.cfg.Store.GetMember(r.Context(), h.cfg.Pool, fc.FarmID, params.UserID)
	if err != nil {
		h.writeStoreError(w, r, err, "updating member failed")
		return
	}
	if err := h.cfg.Store.UpdateMemberRole(r.Context(), h.cfg.Pool, fc.FarmID, params.UserID, req.Role); err != nil {
		h.writeStoreError(w, r, err, "updating member failed")
		return
	}

	h.record(r.Context(), fc.FarmID, audit.ActionMemberRoleChanged, "member", params.UserID,
		map[string]any{"from": member.Role, "to": req.Role})
	member.Role = req.Role
	httpx.WriteOK(w, member, "member role updated")
}

// HandleRemoveMember deactivates a membership. Owners cannot be removed.
func (h *Handler) HandleRemoveMember(w http.ResponseWriter, r *http.Request) {
	_, fc, ok := requester(w, r)
	if !ok {
		return
	}
	params := validate.Params[MemberParam](r.Context())

	member, err := h.cfg.Store.GetMember(r.Context(), h.cfg.Pool, fc.FarmID, params.UserID)
	if err != nil {
		h.writeStoreError(w, r, err, "removing member failed")
		return
	}
	if member.Role == auth.FarmRoleOwner {
		httpx.WriteError(w, r, apperr.InsufficientPermissions("farm owners cannot be removed", map[string]any{
			"predicate": "memberRemoval",
			"current":   member.Role,
		}))
		return
	}
	if err := h.cfg.Store.RemoveMember(r.Context(), h.cfg.Pool, fc.FarmID, params.UserID); err != nil {
		h.writeStoreError(w, r, err, "removing member failed")
		return
	}

	h.record(r.Context(), fc.FarmID, audit.ActionMemberRemoved, "member", params.UserID, map[string]any{"role": member.Role})
	httpx.WriteOK(w, nil, "member removed")
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, ErrFarmNotFound):
		httpx.WriteError(w, r, apperr.NotFound("farm not found"))
	case errors.Is(err, ErrMemberNotFound):
		httpx.WriteError(w, r, apperr.NotFound("member not found"))
	case errors.Is(err, ErrInvitationNotFound):
		httpx.WriteError(w, r, apperr.NotFound("invitation not found"))
	case errors.Is(err, ErrAlreadyMember):
		httpx.WriteError(w, r, apperr.Conflict(err.Error()))
	case errors.Is(err, ErrInvitationPending):
		httpx.WriteError(w, r, apperr.Conflict(err.Error()))
	case errors.Is(err, ErrInvitationClosed):
		httpx.WriteError(w, r, apperr.Conflict(err.Error()))
	default:
		httpx.WriteError(w, r, apperr.Internal(fallback, err))
	}
}
