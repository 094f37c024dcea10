package finance

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/granary-farm/granary/internal/audit"
	"github.com/granary-farm/granary/internal/auth"
	"github.com/granary-farm/granary/internal/farm"
	"github.com/granary-farm/granary/internal/platform/apperr"
	"github.com/granary-farm/granary/internal/platform/database"
	"github.com/granary-farm/granary/internal/platform/httpx"
	"github.com/granary-farm/granary/internal/validate"
)

// Handler serves the farm transaction endpoints.
type Handler struct {
	pool  *pgxpool.Pool
	store *Store
	audit audit.Logger
}

func NewHandler(pool *pgxpool.Pool, auditLog audit.Logger) *Handler {
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	return &Handler{pool: pool, store: NewStore(), audit: auditLog}
}

type CreateTransactionRequest struct {
	Type        Type    `json:"type" validate:"required,oneof=income expense"`
	Category    string  `json:"category" validate:"required,max=64"`
	Amount      float64 `json:"amount" validate:"required,gt=0,lte=1000000000"`
	Description string  `json:"description" validate:"max=500"`
	OccurredOn  string  `json:"occurredOn" validate:"required,datetime=2006-01-02"`
}

// ListQuery filters GET /api/finance/transactions.
type ListQuery struct {
	validate.Pagination
	validate.DateRange
	Type     Type   `query:"type" validate:"omitempty,oneof=income expense"`
	Category string `query:"category" validate:"omitempty,max=64"`
}

func (q *ListQuery) ApplyDefaults() { q.DefaultsWithLimit(50) }

func (q ListQuery) SortKeys() []string { return slices.Sorted(maps.Keys(sortColumns)) }

func farmScope(w http.ResponseWriter, r *http.Request) (*farm.Context, bool) {
	fc := farm.FromContext(r.Context())
	if fc == nil {
		httpx.WriteError(w, r, apperr.New(apperr.KindFarmSelectionRequired, "farm selection required"))
		return nil, false
	}
	return fc, true
}

// HandleCreate records a transaction on the current farm.
// POST /api/finance/transactions
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	fc, ok := farmScope(w, r)
	if !ok {
		return
	}
	p := auth.GetPrincipal(r.Context())
	if p == nil {
		httpx.WriteError(w, r, apperr.AuthenticationRequired("authentication required"))
		return
	}
	req := validate.Body[CreateTransactionRequest](r.Context())
	occurred, err := time.Parse("2006-01-02", req.OccurredOn)
	if err != nil {
		httpx.WriteError(w, r, apperr.Validation("validation failed", []string{"occurredOn: must be a date"}))
		return
	}

	var t *Transaction
	err = database.WithFarmConnection(r.Context(), h.pool, fc.FarmID, func(ctx context.Context, q database.Querier) error {
		var createErr error
		t, createErr = h.store.Create(ctx, q, fc.FarmID, p.ID, NewTransaction{
			Type:        req.Type,
			Category:    strings.TrimSpace(req.Category),
			Amount:      req.Amount,
			Description: req.Description,
			OccurredOn:  occurred,
		})
		return createErr
	})
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal("recording transaction failed", err))
		return
	}

	h.audit.Log(r.Context(), audit.Event{
		FarmID:       audit.ParseID(fc.FarmID),
		UserID:       audit.ParseID(p.ID),
		Action:       audit.ActionTransactionCreated,
		ResourceType: "transaction",
		ResourceID:   t.ID,
		Metadata:     map[string]any{"type": t.Type, "amount": t.Amount},
	})
	httpx.WriteCreated(w, t, "transaction recorded")
}

// HandleList returns a page of the farm's transactions.
// GET /api/finance/transactions
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	fc, ok := farmScope(w, r)
	if !ok {
		return
	}
	q := validate.Query[ListQuery](r.Context())

	var (
		txs   []Transaction
		total int
	)
	err := database.WithFarmConnection(r.Context(), h.pool, fc.FarmID, func(ctx context.Context, db database.Querier) error {
		var listErr error
		txs, total, listErr = h.store.List(ctx, db, fc.FarmID, ListFilter{
			Type:     q.Type,
			Category: q.Category,
			From:     q.StartDate,
			To:       q.EndDate,
			Limit:    q.Limit,
			Offset:   q.Offset(),
			Sort:     q.Sort,
			Desc:     q.Order == "desc",
		})
		return listErr
	})
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal("listing transactions failed", err))
		return
	}
	httpx.WritePage(w, txs, "", httpx.NewPagination(q.Page, q.Limit, total))
}

// HandleGet returns one transaction.
// GET /api/finance/transactions/{id}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	fc, ok := farmScope(w, r)
	if !ok {
		return
	}
	id := validate.Params[validate.IDParam](r.Context()).ID

	var t *Transaction
	err := database.WithFarmConnection(r.Context(), h.pool, fc.FarmID, func(ctx context.Context, q database.Querier) error {
		var getErr error
		t, getErr = h.store.GetByID(ctx, q, fc.FarmID, id)
		return getErr
	})
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			httpx.WriteError(w, r, apperr.NotFound(err.Error()))
			return
		}
		httpx.WriteError(w, r, apperr.Internal("getting transaction failed", err))
		return
	}
	httpx.WriteOK(w, t, "")
}

// HandleDelete removes a transaction.
// DELETE /api/finance/transactions/{id}
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	fc, ok := farmScope(w, r)
	if !ok {
		return
	}
	id := validate.Params[validate.IDParam](r.Context()).ID

	err := database.WithFarmConnection(r.Context(), h.pool, fc.FarmID, func(ctx context.Context, q database.Querier) error {
		return h.store.Delete(ctx, q, fc.FarmID, id)
	})
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			httpx.WriteError(w, r, apperr.NotFound(err.Error()))
			return
		}
		httpx.WriteError(w, r, apperr.Internal("deleting transaction failed", err))
		return
	}

	h.audit.Log(r.Context(), audit.Event{
		FarmID:       audit.ParseID(fc.FarmID),
		UserID:       audit.ActorIDFromContext(r.Context()),
		Action:       audit.ActionTransactionDeleted,
		ResourceType: "transaction",
		ResourceID:   id,
	})
	httpx.WriteOK(w, map[string]any{"id": id}, "transaction deleted")
}
