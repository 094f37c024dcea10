package report

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/granary-farm/granary/internal/farm"
	"github.com/granary-farm/granary/internal/platform/apperr"
	"github.com/granary-farm/granary/internal/platform/database"
	"github.com/granary-farm/granary/internal/platform/httpx"
	"github.com/granary-farm/granary/internal/validate"
)

// Handler serves the report endpoints.
type Handler struct {
	pool  *pgxpool.Pool
	store *Store
}

func NewHandler(pool *pgxpool.Pool) *Handler {
	return &Handler{pool: pool, store: NewStore()}
}

// ProfitLossQuery is the period filter for the income statement.
type ProfitLossQuery struct {
	validate.DateRange
}

// HandleProfitLoss returns the income statement for the current farm.
// GET /api/reports/profit-loss?startDate=2024-01-01&endDate=2024-03-31
func (h *Handler) HandleProfitLoss(w http.ResponseWriter, r *http.Request) {
	fc := farm.FromContext(r.Context())
	if fc == nil {
		httpx.WriteError(w, r, apperr.New(apperr.KindFarmSelectionRequired, "farm selection required"))
		return
	}
	q := validate.Query[ProfitLossQuery](r.Context())

	var rows []Row
	err := database.WithFarmConnection(r.Context(), h.pool, fc.FarmID, func(ctx context.Context, db database.Querier) error {
		var aggErr error
		rows, aggErr = h.store.CategoryTotals(ctx, db, fc.FarmID, q.StartDate, q.EndDate)
		return aggErr
	})
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal("building profit and loss failed", err))
		return
	}
	httpx.WriteOK(w, BuildProfitLoss(fc.FarmID, q.StartDate, q.EndDate, rows), "profit and loss report")
}
