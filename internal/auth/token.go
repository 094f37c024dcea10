package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind distinguishes access tokens from refresh tokens. Each kind is
// signed with its own secret.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Claims is the session token payload.
type Claims struct {
	jwt.RegisteredClaims
	Email       string   `json:"email,omitempty"`
	RoleID      string   `json:"rid,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	FarmID      string   `json:"fid,omitempty"`
	Family      string   `json:"fam,omitempty"`
	Generation  int      `json:"gen,omitempty"`
	Kind        Kind     `json:"typ"`
}

// UserID is the token subject.
func (c *Claims) UserID() string {
	return c.Subject
}

// Verification is the result of checking a token. A correctly signed
// token past its expiry verifies with Expired set.
type Verification struct {
	Claims  *Claims
	Expired bool
}

type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// TokenService issues and verifies HS256 session tokens.
type TokenService struct {
	accessKey  []byte
	refreshKey []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenService(cfg TokenConfig) *TokenService {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TokenService{
		accessKey:  []byte(cfg.AccessSecret),
		refreshKey: []byte(cfg.RefreshSecret),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        now,
	}
}

func (s *TokenService) AccessTTL() time.Duration  { return s.accessTTL }
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

func (s *TokenService) key(kind Kind) ([]byte, error) {
	switch kind {
	case KindAccess:
		return s.accessKey, nil
	case KindRefresh:
		return s.refreshKey, nil
	default:
		return nil, fmt.Errorf("unknown token kind %q", kind)
	}
}

func (s *TokenService) ttl(kind Kind) time.Duration {
	if kind == KindRefresh {
		return s.refreshTTL
	}
	return s.accessTTL
}

// Issue signs claims as a token of the given kind. Registered claims other
// than the subject are overwritten.
func (s *TokenService) Issue(claims Claims, kind Kind) (string, error) {
	key, err := s.key(kind)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token subject is required")
	}

	now := s.now()
	claims.Issuer = s.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl(kind)))
	claims.Kind = kind

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", kind, err)
	}
	return signed, nil
}

// Verify checks the signature, algorithm, issuer and kind of token. Any
// of those failing yields ErrTokenInvalid, so a forged token is never
// reported as merely expired. Expiry is evaluated last.
func (s *TokenService) Verify(token string, kind Kind) (*Verification, error) {
	key, err := s.key(kind)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	switch {
	case claims.Issuer != s.issuer:
		return nil, fmt.Errorf("%w: unexpected issuer", ErrTokenInvalid)
	case claims.Kind != kind:
		return nil, fmt.Errorf("%w: %s token required", ErrTokenInvalid, kind)
	case claims.Subject == "":
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	case claims.ExpiresAt == nil:
		return nil, fmt.Errorf("%w: missing expiry", ErrTokenInvalid)
	}

	return &Verification{
		Claims:  claims,
		Expired: !s.now().Before(claims.ExpiresAt.Time),
	}, nil
}

// DecodeUnsafe reads claims without verifying anything. It exists only to
// name the subject of a rejected token in logs; never authorize with it.
func DecodeUnsafe(token string) *Claims {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	return claims
}

func claimsFor(subject string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: subject}
}
