package audit

import (
	"context"

	"github.com/google/uuid"

	"github.com/granary-farm/granary/internal/auth"
)

// Event represents a single auditable action in the system.
type Event struct {
	FarmID       *uuid.UUID // nil for events outside a farm
	UserID       *uuid.UUID // nil for system events
	Action       string     // e.g. "access.denied", "invitation.accepted"
	ResourceType string     // e.g. "farm", "role", "transaction"
	ResourceID   string
	Metadata     map[string]any
	Source       string // "api", "system"
}

const (
	ActionAccessDenied = "access.denied"

	ActionFarmCreated       = "farm.created"
	ActionMemberRoleChanged = "member.role_changed"
	ActionMemberRemoved     = "member.removed"

	ActionInvitationCreated   = "invitation.created"
	ActionInvitationAccepted  = "invitation.accepted"
	ActionInvitationDeclined  = "invitation.declined"
	ActionInvitationCancelled = "invitation.cancelled"

	ActionRoleCreated  = "role.created"
	ActionRoleUpdated  = "role.updated"
	ActionRoleDeleted  = "role.deleted"
	ActionRoleDisabled = "role.disabled"

	ActionPermissionCreated = "permission.created"

	ActionUserActivated    = "user.activated"
	ActionUserDeactivated  = "user.deactivated"
	ActionUserRoleAssigned = "user.role_assigned"

	ActionTransactionCreated = "transaction.created"
	ActionTransactionDeleted = "transaction.deleted"

	ActionCacheInvalidated = "cache.invalidated"
)

const (
	MetadataPredicate = "predicate"
	MetadataRequired  = "required"
	MetadataCurrent   = "current"
)

// Logger is the audit logging interface. Log is fire-and-forget.
type Logger interface {
	Log(ctx context.Context, event Event)
	Close() error
}

// NopLogger is a no-op audit logger for testing and when audit is disabled.
type NopLogger struct{}

func (NopLogger) Log(context.Context, Event) {}
func (NopLogger) Close() error               { return nil }

// ActorIDFromContext extracts the authenticated principal's UUID from the
// request context, returning nil if no principal is present or the id is
// not a valid UUID.
func ActorIDFromContext(ctx context.Context) *uuid.UUID {
	p := auth.GetPrincipal(ctx)
	if p == nil {
		return nil
	}
	return ParseID(p.ID)
}

// ParseID returns a pointer to the parsed UUID, or nil.
func ParseID(s string) *uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}
