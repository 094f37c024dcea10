package farm

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/granary-farm/granary/internal/auth"
	"github.com/granary-farm/granary/internal/platform/database"
)

// Store handles farm and membership persistence.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts a farm and makes ownerID its OWNER. Run it inside a
// transaction so both rows land together.
func (s *Store) Create(ctx context.Context, q database.Querier, name, location, ownerID string) (*Farm, error) {
	var f Farm
	err := q.QueryRow(ctx,
		`INSERT INTO farms (name, location, created_by) VALUES ($1, $2, $3)
		 RETURNING id, name, location, created_by, created_at`,
		name, location, ownerID,
	).Scan(&f.ID, &f.Name, &f.Location, &f.CreatedBy, &f.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating farm: %w", err)
	}
	if err := s.AddMember(ctx, q, f.ID, ownerID, auth.FarmRoleOwner); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) GetByID(ctx context.Context, q database.Querier, id string) (*Farm, error) {
	var f Farm
	err := q.QueryRow(ctx,
		`SELECT id, name, location, created_by, created_at FROM farms WHERE id = $1`,
		id,
	).Scan(&f.ID, &f.Name, &f.Location, &f.CreatedBy, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFarmNotFound
		}
		return nil, fmt.Errorf("getting farm: %w", err)
	}
	return &f, nil
}

// ListForUser returns the farms userID is an active member of.
func (s *Store) ListForUser(ctx context.Context, q database.Querier, userID string) ([]UserFarm, error) {
	rows, err := q.Query(ctx,
		`SELECT f.id, f.name, f.location, f.created_by, f.created_at, m.role, m.joined_at
		 FROM farm_memberships m
		 JOIN farms f ON f.id = m.farm_id
		 WHERE m.user_id = $1 AND m.active
		 ORDER BY f.name`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing farms: %w", err)
	}
	defer rows.Close()

	farms := []UserFarm{}
	for rows.Next() {
		var uf UserFarm
		if err := rows.Scan(&uf.ID, &uf.Name, &uf.Location, &uf.CreatedBy, &uf.CreatedAt, &uf.Role, &uf.JoinedAt); err != nil {
			return nil, fmt.Errorf("scanning farm: %w", err)
		}
		farms = append(farms, uf)
	}
	return farms, rows.Err()
}

// AddMember creates an active membership.
func (s *Store) AddMember(ctx context.Context, q database.Querier, farmID, userID string, role auth.FarmRole) error {
	_, err := q.Exec(ctx,
		`INSERT INTO farm_memberships (farm_id, user_id, role) VALUES ($1, $2, $3)`,
		farmID, userID, string(role),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyMember
		}
		return fmt.Errorf("adding member: %w", err)
	}
	return nil
}

func (s *Store) ListMembers(ctx context.Context, q database.Querier, farmID string) ([]Member, error) {
	rows, err := q.Query(ctx,
		`SELECT u.id, u.email, u.display_name, m.role, m.joined_at
		 FROM farm_memberships m
		 JOIN users u ON u.id = m.user_id
		 WHERE m.farm_id = $1 AND m.active
		 ORDER BY m.joined_at`,
		farmID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	members := []Member{}
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Email, &m.DisplayName, &m.Role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) GetMember(ctx context.Context, q database.Querier, farmID, userID string) (*Member, error) {
	var m Member
	err := q.QueryRow(ctx,
		`SELECT u.id, u.email, u.display_name, m.role, m.joined_at
		 FROM farm_memberships m
		 JOIN users u ON u.id = m.user_id
		 WHERE m.farm_id = $1 AND m.user_id = $2 AND m.active`,
		farmID, userID,
	).Scan(&m.UserID, &m.Email, &m.DisplayName, &m.Role, &m.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("getting member: %w", err)
	}
	return &m, nil
}

func (s *Store) UpdateMemberRole(ctx context.Context, q database.Querier, farmID, userID string, role auth.FarmRole) error {
	tag, err := q.Exec(ctx,
		`UPDATE farm_memberships SET role = $3
		 WHERE farm_id = $1 AND user_id = $2 AND active`,
		farmID, userID, string(role),
	)
	if err != nil {
		return fmt.Errorf("updating member role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// RemoveMember deactivates a membership. The row is kept for history.
func (s *Store) RemoveMember(ctx context.Context, q database.Querier, farmID, userID string) error {
	tag, err := q.Exec(ctx,
		`UPDATE farm_memberships SET active = false
		 WHERE farm_id = $1 AND user_id = $2 AND active`,
		farmID, userID,
	)
	if err != nil {
		return fmt.Errorf("removing member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}
