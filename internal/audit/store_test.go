package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildBatchInsert(t *testing.T) {
	farmID := uuid.New()
	userID := uuid.New()

	events := []Event{
		{
			FarmID:       &farmID,
			UserID:       &userID,
			Action:       ActionInvitationCreated,
			ResourceType: "invitation",
			ResourceID:   "inv-1",
			Metadata:     map[string]any{"role": "WORKER"},
			Source:       "api",
		},
		{
			UserID:       nil,
			Action:       ActionRoleCreated,
			ResourceType: "role",
		},
	}

	sql, args, err := buildBatchInsert(events)
	require.NoError(t, err)
	assert.Contains(t, sql, "INSERT INTO audit_events")
	assert.Contains(t, sql, "($1, $2, $3, $4, $5, $6, $7)")
	// 7 params per event x 2 events = 14 args
	assert.Len(t, args, 14)
	assert.Equal(t, &farmID, args[0])

	// Empty resource id and source are normalised
	assert.Nil(t, args[11])
	assert.Equal(t, "api", args[13])
}

func TestBuildBatchInsert_Empty(t *testing.T) {
	store := NewStore()
	err := store.InsertBatch(context.Background(), nil, nil)
	require.NoError(t, err)
}

func TestBuildListQuery_NoFilters(t *testing.T) {
	sql, args := buildListQuery(ListEventsParams{Limit: 50})
	assert.NotContains(t, sql, "WHERE")
	assert.Contains(t, sql, "LIMIT $1")
	assert.Equal(t, []any{50}, args)
}

func TestBuildListQuery_AllFilters(t *testing.T) {
	farmID := uuid.New()
	userID := uuid.New()
	action := "role.created"
	resType := "role"
	source := "api"
	after := time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC)
	before := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	params := ListEventsParams{
		FarmID:       &farmID,
		Action:       &action,
		ResourceType: &resType,
		UserID:       &userID,
		Source:       &source,
		After:        &after,
		Before:       &before,
		Limit:        100,
	}
	sql, args := buildListQuery(params)
	assert.Contains(t, sql, "WHERE farm_id = $1")
	assert.Contains(t, sql, "action = $")
	assert.Contains(t, sql, "resource_type = $")
	assert.Contains(t, sql, "user_id = $")
	assert.Contains(t, sql, "source = $")
	assert.Contains(t, sql, "created_at > $")
	assert.Contains(t, sql, "created_at < $")
	assert.Contains(t, sql, "LIMIT $8")
	// 7 filters + limit = 8 args
	assert.Len(t, args, 8)
}

func TestBuildListQuery_PartialFilters(t *testing.T) {
	action := "role.deleted"
	params := ListEventsParams{
		Action: &action,
		Limit:  50,
	}
	sql, args := buildListQuery(params)
	assert.Contains(t, sql, "WHERE action = $1")
	assert.Contains(t, sql, "LIMIT $2")
	assert.Len(t, args, 2)
}
