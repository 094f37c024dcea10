package farm

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/granary-farm/granary/internal/audit"
	"github.com/granary-farm/granary/internal/auth"
	"github.com/granary-farm/granary/internal/notify"
	"github.com/granary-farm/granary/internal/platform/apperr"
	"github.com/granary-farm/granary/internal/platform/database"
	"github.com/granary-farm/granary/internal/platform/httpx"
	"github.com/granary-farm/granary/internal/validate"
)

// invitableBy lists the roles each inviter may hand out.
var invitableBy = map[auth.FarmRole][]auth.FarmRole{
	auth.FarmRoleOwner:   {auth.FarmRoleManager, auth.FarmRoleWorker, auth.FarmRoleViewer},
	auth.FarmRoleManager: {auth.FarmRoleWorker, auth.FarmRoleViewer},
}

// HandleCreateInvitation invites an email address to the current farm and
// notifies the invitee.
func (h *Handler) HandleCreateInvitation(w http.ResponseWriter, r *http.Request) {
	p, fc, ok := requester(w, r)
	if !ok {
		return
	}
	req := validate.Body[CreateInvitationRequest](r.Context())

	allowed := invitableBy[fc.Role]
	if !slices.Contains(allowed, req.Role) {
		httpx.WriteError(w, r, apperr.InsufficientPermissions("your farm role cannot invite "+string(req.Role), map[string]any{
			"predicate": "invitableRole",
			"required":  allowed,
			"current":   req.Role,
		}))
		return
	}

	f, err := h.cfg.Store.GetByID(r.Context(), h.cfg.Pool, fc.FarmID)
	if err != nil {
		h.writeStoreError(w, r, err, "invitation failed")
		return
	}

	raw, err := auth.NewOpaqueToken()
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal("invitation failed", err))
		return
	}
	now := h.cfg.Now()
	var inv *Invitation
	err = database.WithTx(r.Context(), h.cfg.Pool, func(ctx context.Context, tx pgx.Tx) error {
		var createErr error
		inv, createErr = h.cfg.Invitations.Create(ctx, tx, Invitation{
			FarmID:    fc.FarmID,
			Email:     strings.TrimSpace(req.Email),
			Role:      req.Role,
			InvitedBy: p.ID,
			TokenHash: auth.HashToken(raw),
			ExpiresAt: now.Add(h.cfg.InvitationTTL),
		}, now)
		return createErr
	})
	if err != nil {
		h.writeStoreError(w, r, err, "invitation failed")
		return
	}

	notify.Send(r.Context(), h.cfg.Notifier, notify.Message{
		To:       inv.Email,
		Template: notify.TemplateFarmInvitation,
		Data: map[string]string{
			"farmName":  f.Name,
			"role":      string(inv.Role),
			"invitedBy": p.DisplayName,
			"token":     raw,
		},
	}, h.cfg.Logger)

	h.record(r.Context(), fc.FarmID, audit.ActionInvitationCreated, "invitation", inv.ID,
		map[string]any{"email": inv.Email, "role": inv.Role})
	httpx.WriteCreated(w, InvitationCreated{Invitation: *inv, Token: raw}, "invitation sent")
}

// HandleListInvitations lists the current farm's invitations. Overdue
// pending invitations are marked expired first.
func (h *Handler) HandleListInvitations(w http.ResponseWriter, r *http.Request) {
	_, fc, ok := requester(w, r)
	if !ok {
		return
	}
	q := validate.Query[InvitationQuery](r.Context())

	if _, err := h.cfg.Invitations.ExpirePending(r.Context(), h.cfg.Pool, fc.FarmID, h.cfg.Now()); err != nil {
		h.cfg.Logger.WarnContext(r.Context(), "expiring invitations failed", "farm_id", fc.FarmID, "error", err)
	}
	invitations, err := h.cfg.Invitations.List(r.Context(), h.cfg.Pool, fc.FarmID, q.Status)
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal("listing invitations failed", err))
		return
	}
	httpx.WriteOK(w, invitations, "")
}

// HandleCancelInvitation cancels a pending invitation. Only the inviter or
// a farm OWNER may cancel.
func (h *Handler) HandleCancelInvitation(w http.ResponseWriter, r *http.Request) {
	p, fc, ok := requester(w, r)
	if !ok {
		return
	}
	params := validate.Params[validate.IDParam](r.Context())

	inv, err := h.cfg.Invitations.GetByID(r.Context(), h.cfg.Pool, fc.FarmID, params.ID)
	if err != nil {
		h.writeStoreError(w, r, err, "cancelling invitation failed")
		return
	}
	if inv.InvitedBy != p.ID && fc.Role != auth.FarmRoleOwner {
		httpx.WriteError(w, r, apperr.InsufficientPermissions("only the inviter or a farm owner can cancel this invitation", map[string]any{
			"predicate": "requireOwnershipOrRole",
			"required":  auth.FarmRoleOwner,
			"current":   fc.Role,
		}))
		return
	}
	if err := h.cfg.Invitations.Transition(r.Context(), h.cfg.Pool, inv.ID, InvitationCancelled, h.cfg.Now()); err != nil {
		h.writeStoreError(w, r, err, "cancelling invitation failed")
		return
	}

	h.record(r.Context(), fc.FarmID, audit.ActionInvitationCancelled, "invitation", inv.ID, nil)
	httpx.WriteOK(w, nil, "invitation cancelled")
}

// HandleAcceptInvitation adds the caller to the inviting farm.
func (h *Handler) HandleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, InvitationAccepted)
}

func (h *Handler) HandleDeclineInvitation(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, InvitationDeclined)
}

// respond applies the invitee's answer. The invitation must be pending,
// unexpired and addressed to the caller's email.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, answer InvitationStatus) {
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		httpx.WriteError(w, r, apperr.AuthenticationRequired("authentication required"))
		return
	}
	params := validate.Params[TokenParam](r.Context())
	now := h.cfg.Now()

	inv, err := h.cfg.Invitations.GetByTokenHash(r.Context(), h.cfg.Pool, auth.HashToken(params.Token))
	if err != nil {
		h.writeStoreError(w, r, err, "responding to invitation failed")
		return
	}
	if !strings.EqualFold(inv.Email, p.Email) {
		httpx.WriteError(w, r, apperr.InsufficientPermissions("invitation was sent to a different email", map[string]any{
			"predicate": "invitee",
		}))
		return
	}
	if inv.Status.Terminal() {
		httpx.WriteError(w, r, apperr.Conflict("invitation is already "+string(inv.Status)))
		return
	}
	if inv.Expired(now) {
		if err := h.cfg.Invitations.Transition(r.Context(), h.cfg.Pool, inv.ID, InvitationExpired, now); err != nil && !errors.Is(err, ErrInvitationClosed) {
			h.cfg.Logger.WarnContext(r.Context(), "expiring invitation failed", "invitation_id", inv.ID, "error", err)
		}
		httpx.WriteError(w, r, apperr.Conflict("invitation has expired"))
		return
	}

	err = database.WithTx(r.Context(), h.cfg.Pool, func(ctx context.Context, tx pgx.Tx) error {
		if err := h.cfg.Invitations.Transition(ctx, tx, inv.ID, answer, now); err != nil {
			return err
		}
		if answer == InvitationAccepted {
			return h.cfg.Store.AddMember(ctx, tx, inv.FarmID, p.ID, inv.Role)
		}
		return nil
	})
	if err != nil {
		h.writeStoreError(w, r, err, "responding to invitation failed")
		return
	}

	action := audit.ActionInvitationDeclined
	message := "invitation declined"
	if answer == InvitationAccepted {
		action = audit.ActionInvitationAccepted
		message = "invitation accepted"
	}
	h.record(r.Context(), inv.FarmID, action, "invitation", inv.ID, map[string]any{"role": inv.Role})
	httpx.WriteOK(w, map[string]any{"farmId": inv.FarmID, "role": inv.Role, "status": answer}, message)
}
