package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/granary-farm/granary/internal/platform/apperr"
)

// PrincipalLoader loads a user with role, active permissions and farm
// memberships in a single round trip.
type PrincipalLoader interface {
	LoadPrincipal(ctx context.Context, userID string) (*Principal, error)
}

// Resolver turns a verified token subject into a Principal.
type Resolver struct {
	loader PrincipalLoader
}

func NewResolver(loader PrincipalLoader) *Resolver {
	return &Resolver{loader: loader}
}

// Resolve loads the principal for subjectID. Unknown subjects are
// AccountNotFound, deactivated users AccountInactive.
func (r *Resolver) Resolve(ctx context.Context, subjectID string) (*Principal, error) {
	p, err := r.loader.LoadPrincipal(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, apperr.New(apperr.KindAccountNotFound, "account not found")
		}
		return nil, apperr.Internal("loading principal", fmt.Errorf("resolving %s: %w", subjectID, err))
	}
	if !p.Active {
		return nil, apperr.New(apperr.KindAccountInactive, "account is inactive")
	}
	return p, nil
}

// ResolveOptional is Resolve for optional authentication: any failure
// yields nil.
func (r *Resolver) ResolveOptional(ctx context.Context, subjectID string) *Principal {
	p, err := r.Resolve(ctx, subjectID)
	if err != nil {
		return nil
	}
	return p
}
