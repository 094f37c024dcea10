package finance_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/granary-farm/granary/internal/auth"
	"github.com/granary-farm/granary/internal/farm"
	"github.com/granary-farm/granary/internal/finance"
	"github.com/granary-farm/granary/internal/platform/database"
	"github.com/granary-farm/granary/internal/validate"
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

func seedFarm(t *testing.T, pool *database.Pool, email string) (userID, farmID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, pool.QueryRow(ctx,
		"INSERT INTO users (email, password_hash) VALUES ($1, 'x') RETURNING id", email).Scan(&userID))
	require.NoError(t, pool.QueryRow(ctx,
		"INSERT INTO farms (name, created_by) VALUES ('Hillside', $1) RETURNING id", userID).Scan(&farmID))
	return userID, farmID
}

func newMux(h *finance.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST /api/finance/transactions",
		validate.Request(validate.Schema{Body: finance.CreateTransactionRequest{}})(http.HandlerFunc(h.HandleCreate)))
	mux.Handle("GET /api/finance/transactions",
		validate.Request(validate.Schema{Query: finance.ListQuery{}})(http.HandlerFunc(h.HandleList)))
	mux.Handle("GET /api/finance/transactions/{id}",
		validate.Request(validate.Schema{Params: validate.IDParam{}})(http.HandlerFunc(h.HandleGet)))
	mux.Handle("DELETE /api/finance/transactions/{id}",
		validate.Request(validate.Schema{Params: validate.IDParam{}})(http.HandlerFunc(h.HandleDelete)))
	return mux
}

func call(t *testing.T, mux http.Handler, method, target string, body any, userID, farmID string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	ctx := auth.WithPrincipal(req.Context(), &auth.Principal{ID: userID, Active: true})
	if farmID != "" {
		ctx = farm.WithContext(ctx, &farm.Context{FarmID: farmID, Role: auth.FarmRoleOwner})
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req.WithContext(ctx))
	return w
}

func TestHandler_RequiresFarm(t *testing.T) {
	mux := newMux(finance.NewHandler(nil, nil))
	w := call(t, mux, http.MethodGet, "/api/finance/transactions", nil, "u1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "FARM_SELECTION_REQUIRED")
}

func TestHandler_CreateValidation(t *testing.T) {
	mux := newMux(finance.NewHandler(nil, nil))
	w := call(t, mux, http.MethodPost, "/api/finance/transactions",
		map[string]any{"type": "gift", "amount": -5, "occurredOn": "01/02/2024"}, "u1", "f1")
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body struct {
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Errors, 4, "type, category, amount and occurredOn all reported")
}

func TestHandler_TransactionLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	userID, farmID := seedFarm(t, pool, "owner@farm.io")
	_, otherFarm := seedFarm(t, pool, "neighbour@farm.io")
	mux := newMux(finance.NewHandler(pool, nil))

	rows := []map[string]any{
		{"type": "income", "category": "grain", "amount": 1200.50, "occurredOn": "2024-01-10"},
		{"type": "expense", "category": "feed", "amount": 300, "occurredOn": "2024-01-15"},
		{"type": "expense", "category": "fuel", "amount": 80.25, "occurredOn": "2024-02-01"},
	}
	var firstID string
	for i, row := range rows {
		w := call(t, mux, http.MethodPost, "/api/finance/transactions", row, userID, farmID)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		if i == 0 {
			var env struct {
				Data finance.Transaction `json:"data"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
			firstID = env.Data.ID
			assert.InDelta(t, 1200.50, env.Data.Amount, 0.001)
		}
	}

	w := call(t, mux, http.MethodGet, "/api/finance/transactions?type=expense&order=asc", nil, userID, farmID)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Data       []finance.Transaction `json:"data"`
		Pagination struct {
			Total int `json:"total"`
			Limit int `json:"limit"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Pagination.Total)
	assert.Equal(t, 50, page.Pagination.Limit)
	assert.Equal(t, "feed", page.Data[0].Category)

	w = call(t, mux, http.MethodGet, "/api/finance/transactions?startDate=2024-01-12&endDate=2024-01-31", nil, userID, farmID)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Pagination.Total)

	w = call(t, mux, http.MethodGet, "/api/finance/transactions/"+firstID, nil, userID, otherFarm)
	assert.Equal(t, http.StatusNotFound, w.Code, "other farms cannot read it")

	w = call(t, mux, http.MethodDelete, "/api/finance/transactions/"+firstID, nil, userID, farmID)
	assert.Equal(t, http.StatusOK, w.Code)
	w = call(t, mux, http.MethodDelete, "/api/finance/transactions/"+firstID, nil, userID, farmID)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
