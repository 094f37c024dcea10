package auth

import "context"

// Family reads a token family for assertions.
func (s *RefreshTokenStore) Family(ctx context.Context, familyID string) (*TokenFamily, error) {
	return loadFamily(ctx, s.pool, familyID, false)
}
