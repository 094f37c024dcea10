package farm

import (
	"context"
	"errors"
	"time"

	"github.com/granary-farm/granary/internal/auth"
)

var (
	ErrFarmNotFound       = errors.New("farm not found")
	ErrMemberNotFound     = errors.New("farm member not found")
	ErrAlreadyMember      = errors.New("user is already a member of this farm")
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrInvitationClosed   = errors.New("invitation is no longer pending")
	ErrInvitationPending  = errors.New("a pending invitation already exists for this email")
)

// Farm is the tenant record. Most business data is scoped to one farm.
type Farm struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserFarm is a farm as seen by one of its members.
type UserFarm struct {
	Farm
	Role     auth.FarmRole `json:"role"`
	JoinedAt time.Time     `json:"joinedAt"`
}

type Member struct {
	UserID      string        `json:"userId"`
	Email       string        `json:"email"`
	DisplayName string        `json:"displayName"`
	Role        auth.FarmRole `json:"role"`
	JoinedAt    time.Time     `json:"joinedAt"`
}

type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "pending"
	InvitationAccepted  InvitationStatus = "accepted"
	InvitationDeclined  InvitationStatus = "declined"
	InvitationCancelled InvitationStatus = "cancelled"
	InvitationExpired   InvitationStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s InvitationStatus) Terminal() bool {
	switch s {
	case InvitationAccepted, InvitationDeclined, InvitationCancelled, InvitationExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether s may move to next. Only pending
// invitations move, and only into a terminal state.
func (s InvitationStatus) CanTransitionTo(next InvitationStatus) bool {
	return s == InvitationPending && next.Terminal()
}

type Invitation struct {
	ID          string           `json:"id"`
	FarmID      string           `json:"farmId"`
	Email       string           `json:"email"`
	Role        auth.FarmRole    `json:"role"`
	InvitedBy   string           `json:"invitedBy"`
	TokenHash   string           `json:"-"`
	Status      InvitationStatus `json:"status"`
	ExpiresAt   time.Time        `json:"expiresAt"`
	RespondedAt *time.Time       `json:"respondedAt,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Expired reports whether a pending invitation has passed its deadline.
func (i *Invitation) Expired(now time.Time) bool {
	return i.Status == InvitationPending && !now.Before(i.ExpiresAt)
}

// Context is the farm a request is scoped to and the caller's role in it.
type Context struct {
	FarmID string        `json:"farmId"`
	Role   auth.FarmRole `json:"role"`
}

type contextKey struct{}

func WithContext(ctx context.Context, fc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, fc)
}

// FromContext returns the resolved farm context, or nil.
func FromContext(ctx context.Context) *Context {
	fc, _ := ctx.Value(contextKey{}).(*Context)
	return fc
}
