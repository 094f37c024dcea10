package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Credentials is what login needs to check a password.
type Credentials struct {
	UserID       string
	Email        string
	PasswordHash string
	Active       bool
}

// NewUser is the input for registration.
type NewUser struct {
	Email        string
	PasswordHash string
	DisplayName  string
}

// Store handles user-related database operations for authentication.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// principalQuery loads the user, the role, the role's active permission
// names and the active farm memberships in one statement. An inactive role
// contributes no permissions.
const principalQuery = `
SELECT u.id, u.email, u.display_name, u.active, u.email_verified,
       COALESCE(r.id::text, ''), COALESCE(r.name, ''), COALESCE(r.level, 0),
       COALESCE((
           SELECT array_agg(p.name ORDER BY p.name)
           FROM role_permissions rp
           JOIN permissions p ON p.id = rp.permission_id
           WHERE rp.role_id = r.id AND r.active AND p.active
       ), '{}'::text[]),
       COALESCE((
           SELECT json_agg(json_build_object(
                      'farmId', m.farm_id,
                      'farmName', f.name,
                      'userId', m.user_id,
                      'role', m.role,
                      'joinedAt', m.joined_at,
                      'active', m.active
                  ) ORDER BY m.joined_at)
           FROM farm_memberships m
           JOIN farms f ON f.id = m.farm_id
           WHERE m.user_id = u.id AND m.active
       ), '[]'::json)
FROM users u
LEFT JOIN roles r ON r.id = u.role_id
WHERE u.id = $1`

// LoadPrincipal implements PrincipalLoader.
func (s *Store) LoadPrincipal(ctx context.Context, userID string) (*Principal, error) {
	var (
		p           Principal
		memberships []byte
	)
	err := s.pool.QueryRow(ctx, principalQuery, userID).Scan(
		&p.ID, &p.Email, &p.DisplayName, &p.Active, &p.EmailVerified,
		&p.RoleID, &p.RoleName, &p.RoleLevel,
		&p.Permissions, &memberships,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("querying principal: %w", err)
	}
	if err := json.Unmarshal(memberships, &p.Memberships); err != nil {
		return nil, fmt.Errorf("decoding memberships: %w", err)
	}
	return &p, nil
}

// FindCredentials looks a user up by email, case-insensitively.
func (s *Store) FindCredentials(ctx context.Context, email string) (*Credentials, error) {
	var c Credentials
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, active FROM users WHERE lower(email) = lower($1)`,
		strings.TrimSpace(email),
	).Scan(&c.UserID, &c.Email, &c.PasswordHash, &c.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	return &c, nil
}

// CreateUser registers a user with the default "user" role.
func (s *Store) CreateUser(ctx context.Context, u NewUser) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email, password_hash, display_name, role_id)
		 VALUES (lower($1), $2, $3, (SELECT id FROM roles WHERE name = 'user'))
		 RETURNING id`,
		strings.TrimSpace(u.Email), u.PasswordHash, u.DisplayName,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", ErrEmailTaken
		}
		return "", fmt.Errorf("inserting user: %w", err)
	}
	return id, nil
}

// UpdatePassword replaces the stored password hash.
func (s *Store) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET password_hash = $1, updated_at = now() WHERE id = $2`,
		passwordHash, userID,
	)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// TouchLogin records a successful login.
func (s *Store) TouchLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET last_login_at = $1 WHERE id = $2`, at, userID)
	if err != nil {
		return fmt.Errorf("recording login: %w", err)
	}
	return nil
}

func isInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
