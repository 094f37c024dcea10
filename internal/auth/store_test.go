package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/granary-farm/granary/internal/auth"
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

	err = database.RunMigrations(connStr, "file://../../migrations")
	require.NoError(t, err)

	pool, err := database.Connect(ctx, connStr, 5)
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}

	return pool, cleanup
}

func createTestUser(t *testing.T, pool *database.Pool, email string) string {
	t.Helper()
	store := auth.NewStore(pool)
	id, err := store.CreateUser(context.Background(), auth.NewUser{
		Email:        email,
		PasswordHash: "not-a-real-hash",
		DisplayName:  "Test User",
	})
	require.NoError(t, err)
	return id
}

func TestStore_LoadPrincipal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := auth.NewStore(pool)
	userID := createTestUser(t, pool, "Grower@Farm.io")

	var farmID string
	err := pool.QueryRow(ctx,
		"INSERT INTO farms (name, created_by) VALUES ('Hillside', $1) RETURNING id", userID,
	).Scan(&farmID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx,
		"INSERT INTO farm_memberships (farm_id, user_id, role) VALUES ($1, $2, 'MANAGER')", farmID, userID)
	require.NoError(t, err)

	p, err := store.LoadPrincipal(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "grower@farm.io", p.Email)
	assert.Equal(t, "user", p.RoleName)
	assert.True(t, p.Active)
	assert.Equal(t, []string{"reports:read"}, p.Permissions)
	require.Len(t, p.Memberships, 1)
	assert.Equal(t, farmID, p.Memberships[0].FarmID)
	assert.Equal(t, "Hillside", p.Memberships[0].FarmName)
	assert.Equal(t, auth.FarmRoleManager, p.Memberships[0].Role)
	assert.True(t, p.Memberships[0].Active)
}

func TestStore_LoadPrincipal_InactiveRoleGrantsNothing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := auth.NewStore(pool)
	userID := createTestUser(t, pool, "idle@farm.io")

	_, err := pool.Exec(ctx, "UPDATE roles SET active = false WHERE name = 'user'")
	require.NoError(t, err)

	p, err := store.LoadPrincipal(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, p.Permissions)
	assert.Empty(t, p.Memberships)
}

func TestStore_LoadPrincipal_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := auth.NewStore(pool)

	_, err := store.LoadPrincipal(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, auth.ErrUserNotFound)

	_, err = store.LoadPrincipal(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, auth.ErrUserNotFound)
}

func TestStore_CredentialsAndDuplicateEmail(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := auth.NewStore(pool)
	userID := createTestUser(t, pool, "dup@farm.io")

	creds, err := store.FindCredentials(ctx, "DUP@farm.io")
	require.NoError(t, err)
	assert.Equal(t, userID, creds.UserID)
	assert.True(t, creds.Active)

	_, err = store.CreateUser(ctx, auth.NewUser{Email: "dup@farm.io", PasswordHash: "x"})
	assert.ErrorIs(t, err, auth.ErrEmailTaken)

	_, err = store.FindCredentials(ctx, "missing@farm.io")
	assert.ErrorIs(t, err, auth.ErrUserNotFound)
}

func TestPasswordResetStore_SingleUse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	resets := auth.NewPasswordResetStore(pool)
	userID := createTestUser(t, pool, "reset@farm.io")

	hash := auth.HashToken("reset-token")
	expires := mustNow(t, pool).Add(30 * time.Minute)
	require.NoError(t, resets.Create(ctx, userID, hash, expires))

	got, err := resets.Consume(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	_, err = resets.Consume(ctx, hash)
	assert.ErrorIs(t, err, auth.ErrResetNotFound)
}
