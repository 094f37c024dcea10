package cache

import (
	"net/http"
	"strings"

	"github.com/granary-farm/granary/internal/audit"
	"github.com/granary-farm/granary/internal/platform/apperr"
	"github.com/granary-farm/granary/internal/platform/httpx"
	"github.com/granary-farm/granary/internal/validate"
)

// Handler serves the cache administration endpoints.
type Handler struct {
	store Store
	audit audit.Logger
}

func NewHandler(store Store, auditLog audit.Logger) *Handler {
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	return &Handler{store: store, audit: auditLog}
}

// InvalidateRequest names a path prefix; keys under cache:<pattern>* go.
type InvalidateRequest struct {
	Pattern string `json:"pattern" validate:"omitempty,startswith=/,max=256"`
}

// HandleStats returns backend counters.
// GET /api/cache/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context())
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal("reading cache stats failed", err))
		return
	}
	httpx.WriteOK(w, st, "")
}

// HandleInvalidate deletes every entry under the requested pattern.
// POST /api/cache/invalidate
func (h *Handler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	req := validate.Body[InvalidateRequest](r.Context())
	if req.Pattern == "" {
		httpx.WriteError(w, r, apperr.Validation("validation failed", []string{"pattern: is required"}))
		return
	}
	h.invalidate(w, r, req.Pattern)
}

// InvalidateUnder restricts invalidation to patterns below prefix. An
// empty pattern clears the whole prefix.
func (h *Handler) InvalidateUnder(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := validate.Body[InvalidateRequest](r.Context())
		pattern := req.Pattern
		if pattern == "" {
			pattern = prefix
		}
		if !strings.HasPrefix(pattern, prefix) {
			httpx.WriteError(w, r, apperr.Validation("validation failed",
				[]string{"pattern: must start with " + prefix}))
			return
		}
		h.invalidate(w, r, pattern)
	}
}

func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request, pattern string) {
	n, err := Purge(r.Context(), h.store, pattern)
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal("cache invalidation failed", err))
		return
	}
	h.audit.Log(r.Context(), audit.Event{
		UserID:       audit.ActorIDFromContext(r.Context()),
		Action:       audit.ActionCacheInvalidated,
		ResourceType: "cache",
		ResourceID:   pattern,
		Metadata:     map[string]any{"deleted": n},
	})
	httpx.WriteOK(w, map[string]any{"pattern": pattern, "deleted": n}, "cache invalidated")
}
