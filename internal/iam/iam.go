// Package iam administers global roles, permissions and user accounts.
package iam

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrRoleNotFound      = errors.New("role not found")
	ErrRoleDuplicate     = errors.New("role name already exists")
	ErrRoleIsSystem      = errors.New("system roles cannot be modified")
	ErrRoleInactive      = errors.New("role is disabled")
	ErrWildcardDenied    = errors.New("wildcard permission not allowed for custom roles")
	ErrUnknownPermission = errors.New("unknown permission")
	ErrPermissionExists  = errors.New("permission already exists")
	ErrUserNotFound      = errors.New("user not found")
)

// Role is a global role with its permission names.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Level       int       `json:"level"`
	Active      bool      `json:"active"`
	IsSystem    bool      `json:"isSystem"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Permission is a named module:action capability.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Module      string    `json:"module"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
}

// User is the administrative view of an account.
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	DisplayName   string     `json:"displayName"`
	Active        bool       `json:"active"`
	EmailVerified bool       `json:"emailVerified"`
	RoleID        *string    `json:"roleId"`
	RoleName      string     `json:"roleName"`
	RoleLevel     int        `json:"roleLevel"`
	LastLoginAt   *time.Time `json:"lastLoginAt"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// RoleDeletion reports whether a delete removed the role or only
// disabled it because users still reference it.
type RoleDeletion struct {
	ID       string `json:"id"`
	Deleted  bool   `json:"deleted"`
	Disabled bool   `json:"disabled"`
	Users    int    `json:"users"`
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
