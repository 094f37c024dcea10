package audit

import (
	"net/http"
	"time"

	"github.com/granary-farm/granary/internal/platform/apperr"
	"github.com/granary-farm/granary/internal/platform/database"
	"github.com/granary-farm/granary/internal/platform/httpx"
	"github.com/granary-farm/granary/internal/validate"
)

// Handler serves audit query endpoints.
type Handler struct {
	db    database.Querier
	store *Store
	stats StatsSource
}

// StatsSource reports delivery counters for the audit pipeline.
type StatsSource interface {
	Stats() LoggerStats
}

type HandlerOption func(*Handler)

// WithStats exposes the logger's counters on GET /api/audit/stats.
func WithStats(src StatsSource) HandlerOption {
	return func(h *Handler) { h.stats = src }
}

// NewHandler creates an audit query handler.
func NewHandler(db database.Querier, opts ...HandlerOption) *Handler {
	h := &Handler{db: db, store: NewStore()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ListQuery is the typed filter for GET /api/audit/events.
type ListQuery struct {
	FarmID       string    `query:"farmId" validate:"omitempty,uuid"`
	UserID       string    `query:"userId" validate:"omitempty,uuid"`
	Action       string    `query:"action" validate:"omitempty,max=64"`
	ResourceType string    `query:"resourceType" validate:"omitempty,max=64"`
	Source       string    `query:"source" validate:"omitempty,max=32"`
	After        time.Time `query:"after"`
	Before       time.Time `query:"before"`
	Limit        int       `query:"limit" validate:"gte=1,lte=200"`
}

func (q *ListQuery) ApplyDefaults() {
	if q.Limit == 0 {
		q.Limit = 50
	}
}

// Params converts the query into store filters.
func (q ListQuery) Params() ListEventsParams {
	p := ListEventsParams{Limit: q.Limit}
	p.FarmID = ParseID(q.FarmID)
	p.UserID = ParseID(q.UserID)
	if q.Action != "" {
		p.Action = &q.Action
	}
	if q.ResourceType != "" {
		p.ResourceType = &q.ResourceType
	}
	if q.Source != "" {
		p.Source = &q.Source
	}
	if !q.After.IsZero() {
		p.After = &q.After
	}
	if !q.Before.IsZero() {
		p.Before = &q.Before
	}
	return p
}

// HandleListEvents returns audit events matching the typed filter.
// GET /api/audit/events?limit=50&after=<timestamp>
func (h *Handler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	q := validate.Query[ListQuery](r.Context())

	if h.db == nil {
		httpx.WriteOK(w, map[string]any{"events": []Record{}, "count": 0}, "")
		return
	}

	events, err := h.store.List(r.Context(), h.db, q.Params())
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal("listing audit events failed", err))
		return
	}
	httpx.WriteOK(w, map[string]any{"events": events, "count": len(events)}, "")
}

// HandleStats returns how many events were written, dropped on a full
// buffer, or lost to failed inserts.
// GET /api/audit/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	var st LoggerStats
	if h.stats != nil {
		st = h.stats.Stats()
	}
	httpx.WriteOK(w, st, "")
}
