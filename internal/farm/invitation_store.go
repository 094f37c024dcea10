package farm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/granary-farm/granary/internal/platform/database"
)

// InvitationStore handles farm invitation persistence. Only token hashes
// are stored.
type InvitationStore struct{}

func NewInvitationStore() *InvitationStore {
	return &InvitationStore{}
}

const invitationColumns = `id, farm_id, email, role, invited_by, token_hash, status, expires_at, responded_at, created_at`

func scanInvitation(row pgx.Row) (*Invitation, error) {
	var inv Invitation
	err := row.Scan(&inv.ID, &inv.FarmID, &inv.Email, &inv.Role, &inv.InvitedBy, &inv.TokenHash,
		&inv.Status, &inv.ExpiresAt, &inv.RespondedAt, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// Create inserts a pending invitation. An overdue pending invitation to the
// same address is expired first so that it no longer holds the address.
// Run it inside a transaction.
func (s *InvitationStore) Create(ctx context.Context, q database.Querier, inv Invitation, now time.Time) (*Invitation, error) {
	if _, err := q.Exec(ctx,
		`UPDATE farm_invitations SET status = 'expired', responded_at = $3
		 WHERE farm_id = $1 AND lower(email) = lower($2) AND status = 'pending' AND expires_at <= $3`,
		inv.FarmID, inv.Email, now,
	); err != nil {
		return nil, fmt.Errorf("expiring stale invitation: %w", err)
	}

	created, err := scanInvitation(q.QueryRow(ctx,
		`INSERT INTO farm_invitations (farm_id, email, role, invited_by, token_hash, expires_at)
		 VALUES ($1, lower($2), $3, $4, $5, $6)
		 RETURNING `+invitationColumns,
		inv.FarmID, inv.Email, string(inv.Role), inv.InvitedBy, inv.TokenHash, inv.ExpiresAt,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrInvitationPending
		}
		return nil, fmt.Errorf("creating invitation: %w", err)
	}
	return created, nil
}

// List returns a farm's invitations, optionally filtered by status.
func (s *InvitationStore) List(ctx context.Context, q database.Querier, farmID string, status InvitationStatus) ([]Invitation, error) {
	rows, err := q.Query(ctx,
		`SELECT `+invitationColumns+`
		 FROM farm_invitations
		 WHERE farm_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY created_at DESC`,
		farmID, string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("listing invitations: %w", err)
	}
	defer rows.Close()

	invitations := []Invitation{}
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning invitation: %w", err)
		}
		invitations = append(invitations, *inv)
	}
	return invitations, rows.Err()
}

func (s *InvitationStore) GetByID(ctx context.Context, q database.Querier, farmID, id string) (*Invitation, error) {
	inv, err := scanInvitation(q.QueryRow(ctx,
		`SELECT `+invitationColumns+` FROM farm_invitations WHERE farm_id = $1 AND id = $2`,
		farmID, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvitationNotFound
		}
		return nil, fmt.Errorf("getting invitation: %w", err)
	}
	return inv, nil
}

func (s *InvitationStore) GetByTokenHash(ctx context.Context, q database.Querier, hash string) (*Invitation, error) {
	inv, err := scanInvitation(q.QueryRow(ctx,
		`SELECT `+invitationColumns+` FROM farm_invitations WHERE token_hash = $1`,
		hash,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvitationNotFound
		}
		return nil, fmt.Errorf("getting invitation: %w", err)
	}
	return inv, nil
}

// Transition moves a pending invitation into a terminal status. A row that
// is no longer pending is left alone and ErrInvitationClosed is returned.
func (s *InvitationStore) Transition(ctx context.Context, q database.Querier, id string, to InvitationStatus, at time.Time) error {
	if !InvitationPending.CanTransitionTo(to) {
		return fmt.Errorf("invalid invitation status %q", to)
	}
	tag, err := q.Exec(ctx,
		`UPDATE farm_invitations SET status = $2, responded_at = $3
		 WHERE id = $1 AND status = 'pending'`,
		id, string(to), at,
	)
	if err != nil {
		return fmt.Errorf("updating invitation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvitationClosed
	}
	return nil
}

// ExpirePending marks every overdue pending invitation of a farm expired.
func (s *InvitationStore) ExpirePending(ctx context.Context, q database.Querier, farmID string, now time.Time) (int64, error) {
	tag, err := q.Exec(ctx,
		`UPDATE farm_invitations SET status = 'expired', responded_at = $2
		 WHERE farm_id = $1 AND status = 'pending' AND expires_at <= $2`,
		farmID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("expiring invitations: %w", err)
	}
	return tag.RowsAffected(), nil
}
