package rbac

import (
	"net/http"

	"github.com/granary-farm/granary/internal/audit"
	"github.com/granary-farm/granary/internal/platform/httpx"
)

// Require returns middleware that lets the request through only when every
// predicate passes. The first failing predicate decides the response.
func (e *Evaluator) Require(preds ...Predicate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := SubjectFromRequest(r)
			d := e.Evaluate(s, preds...)
			if d == nil {
				next.ServeHTTP(w, r)
				return
			}

			err := d.Err()
			e.metrics.PipelineRejection("authorize", err.Kind.Code())
			e.logger.InfoContext(r.Context(), "access denied",
				"predicate", d.Predicate,
				"kind", err.Kind.Code(),
				"path", r.URL.Path,
			)
			if s.Principal != nil {
				e.recordDenial(r, s, d)
			}
			httpx.WriteError(w, r, err)
		})
	}
}

// Require builds gate middleware on an evaluator without reporting.
func Require(preds ...Predicate) func(http.Handler) http.Handler {
	return defaultEvaluator.Require(preds...)
}

func (e *Evaluator) recordDenial(r *http.Request, s *Subject, d *Denial) {
	evt := audit.Event{
		UserID:       audit.ParseID(s.Principal.ID),
		Action:       audit.ActionAccessDenied,
		ResourceType: "route",
		ResourceID:   r.Method + " " + r.URL.Path,
		Metadata: map[string]any{
			audit.MetadataPredicate: d.Predicate,
			audit.MetadataRequired:  d.Required,
			audit.MetadataCurrent:   d.Current,
		},
		Source: "api",
	}
	if s.Farm != nil {
		evt.FarmID = audit.ParseID(s.Farm.FarmID)
	}
	e.audit.Log(r.Context(), evt)
}
