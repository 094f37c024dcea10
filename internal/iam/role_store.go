package iam

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/granary-farm/granary/internal/platform/database"
)

// RoleStore handles role and permission persistence.
type RoleStore struct{}

func NewRoleStore() *RoleStore {
	return &RoleStore{}
}

const roleColumns = `r.id, r.name, r.description, r.level, r.active, r.is_system, r.created_at, r.updated_at,
       COALESCE((
           SELECT array_agg(p.name ORDER BY p.name)
           FROM role_permissions rp JOIN permissions p ON p.id = rp.permission_id
           WHERE rp.role_id = r.id
       ), '{}'::text[])`

func scanRole(row pgx.Row) (*Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Level, &r.Active, &r.IsSystem,
		&r.CreatedAt, &r.UpdatedAt, &r.Permissions)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// List returns roles ordered by level, highest first. Disabled roles are
// included only when includeInactive is set.
func (s *RoleStore) List(ctx context.Context, q database.Querier, includeInactive bool) ([]Role, error) {
	rows, err := q.Query(ctx,
		`SELECT `+roleColumns+` FROM roles r
		 WHERE $1 OR r.active
		 ORDER BY r.level DESC, r.name`,
		includeInactive,
	)
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	defer rows.Close()

	roles := []Role{}
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning role: %w", err)
		}
		roles = append(roles, *r)
	}
	return roles, rows.Err()
}

func (s *RoleStore) GetByID(ctx context.Context, q database.Querier, id string) (*Role, error) {
	r, err := scanRole(q.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles r WHERE r.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoleNotFound
		}
		return nil, fmt.Errorf("getting role: %w", err)
	}
	return r, nil
}

// Create inserts a custom role and grants it permissions. Run it inside a
// transaction.
func (s *RoleStore) Create(ctx context.Context, q database.Querier, name, description string, level int, permissions []string) (*Role, error) {
	if slices.Contains(permissions, "*") {
		return nil, ErrWildcardDenied
	}
	var id string
	err := q.QueryRow(ctx,
		`INSERT INTO roles (name, description, level) VALUES ($1, $2, $3) RETURNING id`,
		name, description, level,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrRoleDuplicate, name)
		}
		return nil, fmt.Errorf("creating role: %w", err)
	}
	if err := s.setPermissions(ctx, q, id, permissions); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, q, id)
}

// RoleUpdate holds the optional fields of an update.
type RoleUpdate struct {
	Name        *string
	Description *string
	Level       *int
	Active      *bool
	Permissions []string // nil leaves grants unchanged
}

// Update changes a custom role. System roles are read-only.
func (s *RoleStore) Update(ctx context.Context, q database.Querier, id string, u RoleUpdate) (*Role, error) {
	current, err := s.GetByID(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if current.IsSystem {
		return nil, ErrRoleIsSystem
	}
	if slices.Contains(u.Permissions, "*") {
		return nil, ErrWildcardDenied
	}

	_, err = q.Exec(ctx,
		`UPDATE roles SET
		     name = COALESCE($2, name),
		     description = COALESCE($3, description),
		     level = COALESCE($4, level),
		     active = COALESCE($5, active),
		     updated_at = now()
		 WHERE id = $1`,
		id, u.Name, u.Description, u.Level, u.Active,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrRoleDuplicate
		}
		return nil, fmt.Errorf("updating role: %w", err)
	}
	if u.Permissions != nil {
		if _, err := q.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id); err != nil {
			return nil, fmt.Errorf("clearing role permissions: %w", err)
		}
		if err := s.setPermissions(ctx, q, id, u.Permissions); err != nil {
			return nil, err
		}
	}
	return s.GetByID(ctx, q, id)
}

// Delete removes a custom role. A role still assigned to users is
// disabled instead so those users lose its permissions without losing
// the reference.
func (s *RoleStore) Delete(ctx context.Context, q database.Querier, id string) (*RoleDeletion, error) {
	current, err := s.GetByID(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if current.IsSystem {
		return nil, ErrRoleIsSystem
	}

	var users int
	if err := q.QueryRow(ctx, `SELECT count(*) FROM users WHERE role_id = $1`, id).Scan(&users); err != nil {
		return nil, fmt.Errorf("counting role users: %w", err)
	}
	if users > 0 {
		if _, err := q.Exec(ctx, `UPDATE roles SET active = false, updated_at = now() WHERE id = $1`, id); err != nil {
			return nil, fmt.Errorf("disabling role: %w", err)
		}
		return &RoleDeletion{ID: id, Disabled: true, Users: users}, nil
	}

	if _, err := q.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("deleting role: %w", err)
	}
	return &RoleDeletion{ID: id, Deleted: true}, nil
}

func (s *RoleStore) setPermissions(ctx context.Context, q database.Querier, roleID string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	tag, err := q.Exec(ctx,
		`INSERT INTO role_permissions (role_id, permission_id)
		 SELECT $1, p.id FROM permissions p WHERE p.name = ANY($2)
		 ON CONFLICT DO NOTHING`,
		roleID, names,
	)
	if err != nil {
		return fmt.Errorf("granting permissions: %w", err)
	}
	if int(tag.RowsAffected()) != len(uniq(names)) {
		return ErrUnknownPermission
	}
	return nil
}

func uniq(names []string) []string {
	out := slices.Clone(names)
	slices.Sort(out)
	return slices.Compact(out)
}

// ListPermissions returns every permission ordered by module and name.
func (s *RoleStore) ListPermissions(ctx context.Context, q database.Querier) ([]Permission, error) {
	rows, err := q.Query(ctx,
		`SELECT id, name, module, action, description, active, created_at
		 FROM permissions ORDER BY module, name`)
	if err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}
	defer rows.Close()

	perms := []Permission{}
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Module, &p.Action, &p.Description, &p.Active, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// CreatePermission inserts module:action.
func (s *RoleStore) CreatePermission(ctx context.Context, q database.Querier, module, action, description string) (*Permission, error) {
	var p Permission
	err := q.QueryRow(ctx,
		`INSERT INTO permissions (name, module, action, description)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, name, module, action, description, active, created_at`,
		module+":"+action, module, action, description,
	).Scan(&p.ID, &p.Name, &p.Module, &p.Action, &p.Description, &p.Active, &p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s:%s", ErrPermissionExists, module, action)
		}
		return nil, fmt.Errorf("creating permission: %w", err)
	}
	return &p, nil
}
