package iam

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/granary-farm/granary/internal/platform/database"
)

// UserStore handles administrative user queries.
type UserStore struct{}

func NewUserStore() *UserStore {
	return &UserStore{}
}

const userColumns = `u.id, u.email, u.display_name, u.active, u.email_verified,
       u.role_id::text, COALESCE(r.name, ''), COALESCE(r.level, 0), u.last_login_at, u.created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Active, &u.EmailVerified,
		&u.RoleID, &u.RoleName, &u.RoleLevel, &u.LastLoginAt, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UserFilter narrows List. Zero values match everything.
type UserFilter struct {
	Search string
	Active *bool
	RoleID string
	Limit  int
	Offset int
	Sort   string
	Desc   bool
}

// userSortColumns maps the accepted sort keys onto columns.
var userSortColumns = map[string]string{
	"createdAt":   "u.created_at",
	"email":       "u.email",
	"displayName": "u.display_name",
	"lastLoginAt": "u.last_login_at",
}

func userOrderBy(sort string, desc bool) string {
	col, ok := userSortColumns[sort]
	if !ok {
		col = userSortColumns["createdAt"]
	}
	dir := "ASC"
	if desc {
		dir = "DESC NULLS LAST"
	}
	return "ORDER BY " + col + " " + dir + ", u.id"
}

// List returns a page of users and the total matching count.
func (s *UserStore) List(ctx context.Context, q database.Querier, f UserFilter) ([]User, int, error) {
	where := `WHERE ($1 = '' OR u.email ILIKE '%' || $1 || '%' OR u.display_name ILIKE '%' || $1 || '%')
	  AND ($2::boolean IS NULL OR u.active = $2)
	  AND ($3 = '' OR u.role_id::text = $3)`

	var total int
	if err := q.QueryRow(ctx, `SELECT count(*) FROM users u `+where, f.Search, f.Active, f.RoleID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting users: %w", err)
	}

	rows, err := q.Query(ctx,
		`SELECT `+userColumns+` FROM users u LEFT JOIN roles r ON r.id = u.role_id `+where+
			` `+userOrderBy(f.Sort, f.Desc)+` LIMIT $4 OFFSET $5`,
		f.Search, f.Active, f.RoleID, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, *u)
	}
	return users, total, rows.Err()
}

func (s *UserStore) GetByID(ctx context.Context, q database.Querier, id string) (*User, error) {
	u, err := scanUser(q.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users u LEFT JOIN roles r ON r.id = u.role_id WHERE u.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return u, nil
}

func (s *UserStore) SetActive(ctx context.Context, q database.Querier, id string, active bool) error {
	tag, err := q.Exec(ctx, `UPDATE users SET active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("updating user status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// AssignRole points the user at an active role.
func (s *UserStore) AssignRole(ctx context.Context, q database.Querier, userID, roleID string) error {
	var active bool
	err := q.QueryRow(ctx, `SELECT active FROM roles WHERE id = $1`, roleID).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRoleNotFound
		}
		return fmt.Errorf("getting role: %w", err)
	}
	if !active {
		return ErrRoleInactive
	}
	tag, err := q.Exec(ctx, `UPDATE users SET role_id = $2, updated_at = now() WHERE id = $1`, userID, roleID)
	if err != nil {
		return fmt.Errorf("assigning role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
