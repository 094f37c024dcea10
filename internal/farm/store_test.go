package farm_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/granary-farm/granary/internal/auth"
	"github.com/granary-farm/granary/internal/farm"
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
		"INSERT INTO users (email, password_hash, display_name) VALUES ($1, 'x', $1) RETURNING id", email,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func createFarm(t *testing.T, pool *database.Pool, name, ownerID string) *farm.Farm {
	t.Helper()
	var f *farm.Farm
	err := database.WithTx(context.Background(), pool, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		f, err = farm.NewStore().Create(ctx, tx, name, "", ownerID)
		return err
	})
	require.NoError(t, err)
	return f
}

func TestStore_FarmsAndMembers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := farm.NewStore()
	owner := createUser(t, pool, "owner@farm.io")
	worker := createUser(t, pool, "worker@farm.io")

	f := createFarm(t, pool, "Hillside", owner)
	assert.Equal(t, "Hillside", f.Name)

	farms, err := store.ListForUser(ctx, pool, owner)
	require.NoError(t, err)
	require.Len(t, farms, 1)
	assert.Equal(t, auth.FarmRoleOwner, farms[0].Role)

	require.NoError(t, store.AddMember(ctx, pool, f.ID, worker, auth.FarmRoleWorker))
	assert.ErrorIs(t, store.AddMember(ctx, pool, f.ID, worker, auth.FarmRoleViewer), farm.ErrAlreadyMember)

	members, err := store.ListMembers(ctx, pool, f.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	require.NoError(t, store.UpdateMemberRole(ctx, pool, f.ID, worker, auth.FarmRoleManager))
	m, err := store.GetMember(ctx, pool, f.ID, worker)
	require.NoError(t, err)
	assert.Equal(t, auth.FarmRoleManager, m.Role)

	require.NoError(t, store.RemoveMember(ctx, pool, f.ID, worker))
	_, err = store.GetMember(ctx, pool, f.ID, worker)
	assert.ErrorIs(t, err, farm.ErrMemberNotFound)
	assert.ErrorIs(t, store.RemoveMember(ctx, pool, f.ID, worker), farm.ErrMemberNotFound)

	// A removed member can be re-added.
	require.NoError(t, store.AddMember(ctx, pool, f.ID, worker, auth.FarmRoleViewer))
}

func TestInvitationStore_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	invites := farm.NewInvitationStore()
	owner := createUser(t, pool, "owner@farm.io")
	f := createFarm(t, pool, "Hillside", owner)
	now := time.Now()

	inv, err := invites.Create(ctx, pool, farm.Invitation{
		FarmID:    f.ID,
		Email:     "New.Hand@Farm.io",
		Role:      auth.FarmRoleWorker,
		InvitedBy: owner,
		TokenHash: auth.HashToken("token-1"),
		ExpiresAt: now.Add(time.Hour),
	}, now)
	require.NoError(t, err)
	assert.Equal(t, "new.hand@farm.io", inv.Email)
	assert.Equal(t, farm.InvitationPending, inv.Status)

	_, err = invites.Create(ctx, pool, farm.Invitation{
		FarmID: f.ID, Email: "new.hand@farm.io", Role: auth.FarmRoleViewer, InvitedBy: owner,
		TokenHash: auth.HashToken("token-2"), ExpiresAt: now.Add(time.Hour),
	}, now)
	assert.ErrorIs(t, err, farm.ErrInvitationPending)

	got, err := invites.GetByTokenHash(ctx, pool, auth.HashToken("token-1"))
	require.NoError(t, err)
	assert.Equal(t, inv.ID, got.ID)

	require.NoError(t, invites.Transition(ctx, pool, inv.ID, farm.InvitationDeclined, now))
	assert.ErrorIs(t, invites.Transition(ctx, pool, inv.ID, farm.InvitationAccepted, now), farm.ErrInvitationClosed)

	got, err = invites.GetByID(ctx, pool, f.ID, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, farm.InvitationDeclined, got.Status)
	assert.NotNil(t, got.RespondedAt)

	// Overdue invitations are expired in bulk.
	_, err = invites.Create(ctx, pool, farm.Invitation{
		FarmID: f.ID, Email: "late@farm.io", Role: auth.FarmRoleViewer, InvitedBy: owner,
		TokenHash: auth.HashToken("token-3"), ExpiresAt: now.Add(-time.Minute),
	}, now)
	require.NoError(t, err)
	n, err := invites.ExpirePending(ctx, pool, f.ID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	expired, err := invites.List(ctx, pool, f.ID, farm.InvitationExpired)
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	all, err := invites.List(ctx, pool, f.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestInvitationStore_ReinviteAfterDeadline(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	invites := farm.NewInvitationStore()
	owner := createUser(t, pool, "owner@farm.io")
	f := createFarm(t, pool, "Riverbend", owner)
	now := time.Now()

	first, err := invites.Create(ctx, pool, farm.Invitation{
		FarmID: f.ID, Email: "picker@farm.io", Role: auth.FarmRoleWorker, InvitedBy: owner,
		TokenHash: auth.HashToken("first"), ExpiresAt: now.Add(time.Hour),
	}, now)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `UPDATE farm_invitations SET expires_at = $2 WHERE id = $1`, first.ID, now.Add(-time.Minute))
	require.NoError(t, err)

	second, err := invites.Create(ctx, pool, farm.Invitation{
		FarmID: f.ID, Email: "Picker@Farm.io", Role: auth.FarmRoleViewer, InvitedBy: owner,
		TokenHash: auth.HashToken("second"), ExpiresAt: now.Add(time.Hour),
	}, now)
	require.NoError(t, err)
	assert.Equal(t, farm.InvitationPending, second.Status)

	got, err := invites.GetByID(ctx, pool, f.ID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, farm.InvitationExpired, got.Status)
	assert.NotNil(t, got.RespondedAt)
}
