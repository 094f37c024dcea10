package rbac

import (
	"context"
	"net/http"

	"github.com/granary-farm/granary/internal/auth"
	"github.com/granary-farm/granary/internal/farm"
	"github.com/granary-farm/granary/internal/platform/apperr"
)

// Subject is everything a predicate may look at. Predicates never fetch
// data of their own.
type Subject struct {
	Principal *auth.Principal
	Farm      *farm.Context
	Resource  map[string]string
	Request   *http.Request
}

// SubjectFromRequest collects what earlier pipeline stages attached to r.
func SubjectFromRequest(r *http.Request) *Subject {
	ctx := r.Context()
	return &Subject{
		Principal: auth.GetPrincipal(ctx),
		Farm:      farm.FromContext(ctx),
		Resource:  ResourceFromContext(ctx),
		Request:   r,
	}
}

// Field returns a resource attribute, falling back to the route path value
// of the same name.
func (s *Subject) Field(name string) string {
	if v, ok := s.Resource[name]; ok {
		return v
	}
	if s.Request != nil {
		return s.Request.PathValue(name)
	}
	return ""
}

// Denial explains which constraint failed.
type Denial struct {
	Kind      apperr.Kind
	Predicate string
	Message   string
	Required  any
	Current   any
}

// Err converts the denial into the error written to the client.
func (d *Denial) Err() *apperr.Error {
	details := map[string]any{"predicate": d.Predicate}
	if d.Required != nil {
		details["required"] = d.Required
	}
	if d.Current != nil {
		details["current"] = d.Current
	}
	return apperr.New(d.Kind, d.Message).WithDetails(details)
}

// Predicate returns nil when s satisfies it.
type Predicate func(s *Subject) *Denial

type resourceKey struct{}

// WithResource attaches the attributes of the resource being accessed so
// ownership predicates can read them.
func WithResource(ctx context.Context, resource map[string]string) context.Context {
	return context.WithValue(ctx, resourceKey{}, resource)
}

func ResourceFromContext(ctx context.Context) map[string]string {
	r, _ := ctx.Value(resourceKey{}).(map[string]string)
	return r
}
