// Package httpx owns the response envelopes. Every handler and middleware
// writes through it so success and error bodies stay uniform.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/granary-farm/granary/internal/platform/apperr"
)

// Pagination is attached to list responses.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// NewPagination computes page counts for a total.
func NewPagination(page, limit, total int) *Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return &Pagination{Page: page, Limit: limit, Total: total, TotalPages: pages}
}

// Envelope is the success body shape.
type Envelope struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data"`
	Message    string      `json:"message"`
	Timestamp  time.Time   `json:"timestamp"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

var now = time.Now

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteOK writes a 200 success envelope.
func WriteOK(w http.ResponseWriter, data any, message string) {
	WriteJSON(w, http.StatusOK, Envelope{Success: true, Data: data, Message: message, Timestamp: now().UTC()})
}

// WriteCreated writes a 201 success envelope.
func WriteCreated(w http.ResponseWriter, data any, message string) {
	WriteJSON(w, http.StatusCreated, Envelope{Success: true, Data: data, Message: message, Timestamp: now().UTC()})
}

// WritePage writes a 200 success envelope with pagination.
func WritePage(w http.ResponseWriter, data any, message string, p *Pagination) {
	WriteJSON(w, http.StatusOK, Envelope{Success: true, Data: data, Message: message, Timestamp: now().UTC(), Pagination: p})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindAuthenticationRequired, apperr.KindTokenExpired, apperr.KindAccountNotFound:
		return http.StatusUnauthorized
	case apperr.KindAccountInactive, apperr.KindInsufficientPermissions, apperr.KindNoFarmRoleAssigned:
		return http.StatusForbidden
	case apperr.KindFarmSelectionRequired, apperr.KindValidationFailed:
		return http.StatusBadRequest
	case apperr.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteError translates err into the error envelope. Unclassified errors
// are logged and reported as a generic internal error.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Internal("internal server error", err)
	}
	if ae.Kind == apperr.KindInternal {
		attrs := []any{"error", err}
		if r != nil {
			attrs = append(attrs, "method", r.Method, "path", r.URL.Path)
		}
		slog.Error("request failed", attrs...)
	}

	body := make(map[string]any, len(ae.Details)+4)
	for k, v := range ae.Details {
		body[k] = v
	}
	message := ae.Message
	if ae.Kind == apperr.KindInternal {
		message = "internal server error"
	}
	body["success"] = false
	body["message"] = message
	body["error"] = ae.Kind.Code()
	body["timestamp"] = now().UTC()

	WriteJSON(w, StatusFor(ae.Kind), body)
}

// DecodeJSON decodes a request body into v. An empty body decodes as {}.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperr.Validation("request body too large", []string{"body: exceeds maximum size"})
		}
		return apperr.Validation("invalid request body", []string{"body: " + strings.TrimPrefix(err.Error(), "json: ")})
	}
	return nil
}
