package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/granary-farm/granary/internal/platform/database"
)

// HashToken computes the SHA-256 hex digest of a raw token. Only digests
// are stored.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// TokenFamily is one login session: a chain of refresh tokens where only
// the newest generation is valid.
type TokenFamily struct {
	ID                string
	UserID            string
	CurrentGeneration int
	CurrentTokenHash  string
	RevokedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Revoked reports whether the session has been closed.
func (f *TokenFamily) Revoked() bool { return f.RevokedAt != nil }

// Presents reports whether hash and generation name the family's current
// refresh token.
func (f *TokenFamily) Presents(hash string, generation int) bool {
	return f.CurrentTokenHash == hash && f.CurrentGeneration == generation
}

// RefreshTokenStore keeps refresh token families in Postgres. Every
// mutation runs in its own transaction.
type RefreshTokenStore struct {
	pool *pgxpool.Pool
}

func NewRefreshTokenStore(pool *pgxpool.Pool) *RefreshTokenStore {
	return &RefreshTokenStore{pool: pool}
}

const familyColumns = `id, user_id, current_generation, current_token_hash, revoked_at, created_at, updated_at`

func scanFamily(row pgx.Row) (*TokenFamily, error) {
	var f TokenFamily
	err := row.Scan(&f.ID, &f.UserID, &f.CurrentGeneration, &f.CurrentTokenHash,
		&f.RevokedAt, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// loadFamily reads one family. With lock set the row stays locked until q
// commits, which serializes concurrent refreshes of the same session.
func loadFamily(ctx context.Context, q database.Querier, familyID string, lock bool) (*TokenFamily, error) {
	sql := `SELECT ` + familyColumns + ` FROM refresh_token_families WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	f, err := scanFamily(q.QueryRow(ctx, sql, familyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFamilyNotFound
		}
		return nil, fmt.Errorf("loading token family: %w", err)
	}
	return f, nil
}

// Open starts a session for userID. sign gets the new family id and
// returns the generation 1 refresh token, whose hash is stored before the
// family becomes visible.
func (s *RefreshTokenStore) Open(ctx context.Context, userID string, sign func(familyID string) (string, error)) (string, error) {
	var token string
	err := database.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		var familyID string
		if err := tx.QueryRow(ctx,
			`INSERT INTO refresh_token_families (user_id, current_token_hash) VALUES ($1, '') RETURNING id`,
			userID,
		).Scan(&familyID); err != nil {
			return fmt.Errorf("creating token family: %w", err)
		}

		var err error
		if token, err = sign(familyID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE refresh_token_families SET current_token_hash = $2 WHERE id = $1`,
			familyID, HashToken(token),
		); err != nil {
			return fmt.Errorf("storing token hash: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Rotate replaces the family's current token with newHash. A presented
// token that is not the current one on a live family is a replay: the
// family is revoked and ErrTokenReuse returned.
func (s *RefreshTokenStore) Rotate(ctx context.Context, familyID, presentedHash string, generation int, newHash string) (*TokenFamily, error) {
	var (
		rotated *TokenFamily
		reused  bool
	)
	err := database.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		family, err := loadFamily(ctx, tx, familyID, true)
		if err != nil {
			return err
		}
		if family.Revoked() {
			return ErrFamilyRevoked
		}
		if !family.Presents(presentedHash, generation) {
			reused = true
			return revokeFamily(ctx, tx, familyID)
		}

		rotated, err = scanFamily(tx.QueryRow(ctx,
			`UPDATE refresh_token_families
			 SET current_generation = current_generation + 1, current_token_hash = $2, updated_at = now()
			 WHERE id = $1
			 RETURNING `+familyColumns,
			familyID, newHash,
		))
		if err != nil {
			return fmt.Errorf("rotating token: %w", err)
		}
		return nil
	})
	switch {
	case err != nil:
		return nil, err
	case reused:
		return nil, ErrTokenReuse
	}
	return rotated, nil
}

// Revoke closes one session. ErrFamilyNotFound covers both unknown and
// already revoked families.
func (s *RefreshTokenStore) Revoke(ctx context.Context, familyID string) error {
	return revokeFamily(ctx, s.pool, familyID)
}

func revokeFamily(ctx context.Context, q database.Querier, familyID string) error {
	tag, err := q.Exec(ctx,
		`UPDATE refresh_token_families SET revoked_at = now(), updated_at = now()
		 WHERE id = $1 AND revoked_at IS NULL`,
		familyID,
	)
	if err != nil {
		return fmt.Errorf("revoking token family: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFamilyNotFound
	}
	return nil
}

// RevokeAllForUser closes every live session of a user.
func (s *RefreshTokenStore) RevokeAllForUser(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE refresh_token_families SET revoked_at = now(), updated_at = now()
		 WHERE user_id = $1 AND revoked_at IS NULL`,
		userID,
	); err != nil {
		return fmt.Errorf("revoking sessions: %w", err)
	}
	return nil
}
