package iam_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/granary-farm/granary/internal/iam"
	"github.com/granary-farm/granary/internal/platform/database"
)

func setupTestDB(t *testing.T) (*database.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("granary_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
		),
	)
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, database.RunMigrations(connStr, "file://../../migrations"))

	pool, err := database.Connect(ctx, connStr, 5)
	require.NoError(t, err)

	return pool, func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}
}

func createUser(t *testing.T, pool *database.Pool, email string) string {
	t.Helper()
	var id string
	err := pool.QueryRow(context.Background(),
		`INSERT INTO users (email, password_hash, display_name, role_id)
		 VALUES ($1, 'x', $1, (SELECT id FROM roles WHERE name = 'user')) RETURNING id`, email,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func createRole(t *testing.T, pool *database.Pool, name string, perms ...string) *iam.Role {
	t.Helper()
	var role *iam.Role
	err := database.WithTx(context.Background(), pool, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		role, err = iam.NewRoleStore().Create(ctx, tx, name, "", 20, perms)
		return err
	})
	require.NoError(t, err)
	return role
}

func TestRoleStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := iam.NewRoleStore()

	t.Run("SeededSystemRoles", func(t *testing.T) {
		roles, err := store.List(ctx, pool, false)
		require.NoError(t, err)
		require.Len(t, roles, 2)
		assert.Equal(t, "admin", roles[0].Name)
		assert.True(t, roles[0].IsSystem)
		assert.Contains(t, roles[0].Permissions, "roles:manage")
	})

	t.Run("CreateWithPermissions", func(t *testing.T) {
		role := createRole(t, pool, "agronomist", "reports:read", "audit:read")
		assert.Equal(t, []string{"audit:read", "reports:read"}, role.Permissions)
		assert.True(t, role.Active)
		assert.False(t, role.IsSystem)
	})

	t.Run("UnknownPermissionRollsBack", func(t *testing.T) {
		err := database.WithTx(ctx, pool, func(ctx context.Context, tx pgx.Tx) error {
			_, err := store.Create(ctx, tx, "ghost", "", 5, []string{"reports:read", "nope:read"})
			return err
		})
		assert.ErrorIs(t, err, iam.ErrUnknownPermission)

		roles, err := store.List(ctx, pool, true)
		require.NoError(t, err)
		for _, r := range roles {
			assert.NotEqual(t, "ghost", r.Name)
		}
	})

	t.Run("Wildcard", func(t *testing.T) {
		_, err := store.Create(ctx, pool, "root", "", 5, []string{"*"})
		assert.ErrorIs(t, err, iam.ErrWildcardDenied)
	})

	t.Run("Duplicate", func(t *testing.T) {
		_, err := store.Create(ctx, pool, "agronomist", "", 5, nil)
		assert.ErrorIs(t, err, iam.ErrRoleDuplicate)
	})

	t.Run("SystemRolesAreReadOnly", func(t *testing.T) {
		roles, err := store.List(ctx, pool, false)
		require.NoError(t, err)
		admin := roles[0]

		name := "superuser"
		_, err = store.Update(ctx, pool, admin.ID, iam.RoleUpdate{Name: &name})
		assert.ErrorIs(t, err, iam.ErrRoleIsSystem)

		_, err = store.Delete(ctx, pool, admin.ID)
		assert.ErrorIs(t, err, iam.ErrRoleIsSystem)
	})

	t.Run("DeleteUnreferenced", func(t *testing.T) {
		role := createRole(t, pool, "temp")
		res, err := store.Delete(ctx, pool, role.ID)
		require.NoError(t, err)
		assert.True(t, res.Deleted)

		_, err = store.GetByID(ctx, pool, role.ID)
		assert.ErrorIs(t, err, iam.ErrRoleNotFound)
	})

	t.Run("DeleteReferencedDisables", func(t *testing.T) {
		role := createRole(t, pool, "seasonal", "reports:read")
		userID := createUser(t, pool, "picker@farm.io")
		require.NoError(t, iam.NewUserStore().AssignRole(ctx, pool, userID, role.ID))

		res, err := store.Delete(ctx, pool, role.ID)
		require.NoError(t, err)
		assert.True(t, res.Disabled)
		assert.Equal(t, 1, res.Users)

		got, err := store.GetByID(ctx, pool, role.ID)
		require.NoError(t, err)
		assert.False(t, got.Active)

		err = iam.NewUserStore().AssignRole(ctx, pool, createUser(t, pool, "late@farm.io"), role.ID)
		assert.ErrorIs(t, err, iam.ErrRoleInactive)
	})

	t.Run("CreatePermission", func(t *testing.T) {
		p, err := store.CreatePermission(ctx, pool, "inventory", "read", "Read stock")
		require.NoError(t, err)
		assert.Equal(t, "inventory:read", p.Name)

		_, err = store.CreatePermission(ctx, pool, "inventory", "read", "")
		assert.ErrorIs(t, err, iam.ErrPermissionExists)
	})
}

func TestUserStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := iam.NewUserStore()
	alice := createUser(t, pool, "alice@farm.io")
	createUser(t, pool, "bob@farm.io")

	users, total, err := store.List(ctx, pool, iam.UserFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, users, 2)
	assert.Equal(t, "user", users[0].RoleName)

	users, total, err = store.List(ctx, pool, iam.UserFilter{Search: "ALICE", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, alice, users[0].ID)

	require.NoError(t, store.SetActive(ctx, pool, alice, false))
	inactive := false
	users, _, err = store.List(ctx, pool, iam.UserFilter{Active: &inactive, Limit: 10})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, alice, users[0].ID)

	err = store.SetActive(ctx, pool, "00000000-0000-0000-0000-000000000000", true)
	assert.ErrorIs(t, err, iam.ErrUserNotFound)

	err = store.AssignRole(ctx, pool, alice, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, iam.ErrRoleNotFound)
}
