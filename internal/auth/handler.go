package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/granary-farm/granary/internal/notify"
	"github.com/granary-farm/granary/internal/platform/apperr"
	"github.com/granary-farm/granary/internal/platform/httpx"
	"github.com/granary-farm/granary/internal/validate"
)

// UserStore is the user persistence the auth handler needs.
type UserStore interface {
	FindCredentials(ctx context.Context, email string) (*Credentials, error)
	CreateUser(ctx context.Context, u NewUser) (string, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	TouchLogin(ctx context.Context, userID string, at time.Time) error
}

// SessionStore persists refresh token families.
type SessionStore interface {
	Open(ctx context.Context, userID string, sign func(familyID string) (string, error)) (string, error)
	Rotate(ctx context.Context, familyID, presentedHash string, generation int, newHash string) (*TokenFamily, error)
	Revoke(ctx context.Context, familyID string) error
	RevokeAllForUser(ctx context.Context, userID string) error
}

// ResetStore persists password reset tokens.
type ResetStore interface {
	Create(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	Consume(ctx context.Context, tokenHash string) (string, error)
}

var (
	_ UserStore    = (*Store)(nil)
	_ SessionStore = (*RefreshTokenStore)(nil)
	_ ResetStore   = (*PasswordResetStore)(nil)
)

type HandlerConfig struct {
	Tokens   *TokenService
	Resolver *Resolver
	Users    UserStore
	Sessions SessionStore
	Resets   ResetStore
	Notifier notify.Notifier
	ResetTTL time.Duration
	Logger   *slog.Logger
	Now      func() time.Time

	// PasswordCheck compares a stored hash with a password. Defaults to
	// CheckPassword.
	PasswordCheck func(hash, password string) bool
}

// Handler handles authentication HTTP endpoints.
type Handler struct {
	cfg HandlerConfig
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ResetTTL == 0 {
		cfg.ResetTTL = 30 * time.Minute
	}
	if cfg.PasswordCheck == nil {
		cfg.PasswordCheck = CheckPassword
	}
	return &Handler{cfg: cfg}
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=72"`
	FarmID   string `json:"farmId" validate:"omitempty,uuid"`
}

type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
	DisplayName string `json:"displayName" validate:"required,max=100"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type SwitchFarmRequest struct {
	FarmID string `json:"farmId" validate:"required,uuid"`
}

type PasswordResetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type PasswordResetConfirm struct {
	Token       string `json:"token" validate:"required,len=64,hexadecimal"`
	NewPassword string `json:"newPassword" validate:"required,min=8,max=72"`
}

// TokenResponse is returned by login and refresh.
type TokenResponse struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	TokenType    string     `json:"tokenType"`
	ExpiresIn    int        `json:"expiresIn"`
	FarmID       string     `json:"farmId,omitempty"`
	User         *Principal `json:"user,omitempty"`
}

var errInvalidCredentials = apperr.AuthenticationRequired("invalid email or password")

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	req := validate.Body[LoginRequest](r.Context())

	creds, err := h.cfg.Users.FindCredentials(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			h.cfg.PasswordCheck(dummyHash(), req.Password)
			httpx.WriteError(w, r, errInvalidCredentials)
			return
		}
		httpx.WriteError(w, r, apperr.Internal("login failed", err))
		return
	}
	if !h.cfg.PasswordCheck(creds.PasswordHash, req.Password) {
		h.cfg.Logger.InfoContext(r.Context(), "login failed", "user_id", creds.UserID, "reason", "bad_password")
		httpx.WriteError(w, r, errInvalidCredentials)
		return
	}
	if !creds.Active {
		httpx.WriteError(w, r, apperr.New(apperr.KindAccountInactive, "account is inactive"))
		return
	}

	principal, err := h.cfg.Resolver.Resolve(r.Context(), creds.UserID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if req.FarmID != "" {
		if _, ok := principal.MembershipFor(req.FarmID); !ok {
			httpx.WriteError(w, r, apperr.New(apperr.KindNoFarmRoleAssigned, "no role assigned on the selected farm"))
			return
		}
	}

	resp, err := h.startSession(r.Context(), principal, req.FarmID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if err := h.cfg.Users.TouchLogin(r.Context(), principal.ID, h.cfg.Now()); err != nil {
		h.cfg.Logger.WarnContext(r.Context(), "recording login failed", "user_id", principal.ID, "error", err)
	}

	h.cfg.Logger.InfoContext(r.Context(), "login succeeded", "user_id", principal.ID)
	httpx.WriteOK(w, resp, "login successful")
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	req := validate.Body[RegisterRequest](r.Context())

	hash, err := HashPassword(req.Password)
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal("registration failed", err))
		return
	}
	id, err := h.cfg.Users.CreateUser(r.Context(), NewUser{
		Email:        req.Email,
		PasswordHash: hash,
		DisplayName:  req.DisplayName,
	})
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			httpx.WriteError(w, r, apperr.Conflict("email already registered"))
			return
		}
		httpx.WriteError(w, r, apperr.Internal("registration failed", err))
		return
	}

	principal, err := h.cfg.Resolver.Resolve(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	resp, err := h.startSession(r.Context(), principal, "")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteCreated(w, resp, "account created")
}

// HandleRefresh exchanges a refresh token for a new pair. Each refresh
// token works once; presenting a superseded one revokes its family.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	req := validate.Body[RefreshRequest](r.Context())

	v, err := h.cfg.Tokens.Verify(req.RefreshToken, KindRefresh)
	if err != nil || v.Claims.Family == "" {
		httpx.WriteError(w, r, apperr.AuthenticationRequired("invalid refresh token"))
		return
	}
	if v.Expired {
		httpx.WriteError(w, r, apperr.New(apperr.KindTokenExpired, "refresh token expired"))
		return
	}
	claims := v.Claims

	principal, err := h.cfg.Resolver.Resolve(r.Context(), claims.Subject)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	farmID := claims.FarmID
	if _, ok := principal.MembershipFor(farmID); !ok {
		farmID = ""
	}

	newRefresh, err := h.cfg.Tokens.Issue(Claims{
		RegisteredClaims: claimsFor(principal.ID),
		FarmID:           farmID,
		Family:           claims.Family,
		Generation:       claims.Generation + 1,
	}, KindRefresh)
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal("token creation failed", err))
		return
	}

	_, err = h.cfg.Sessions.Rotate(r.Context(), claims.Family, HashToken(req.RefreshToken), claims.Generation, HashToken(newRefresh))
	switch {
	case errors.Is(err, ErrTokenReuse):
		h.cfg.Logger.WarnContext(r.Context(), "refresh token reuse detected", "user_id", principal.ID, "family", claims.Family)
		httpx.WriteError(w, r, apperr.AuthenticationRequired("refresh token reuse detected; session revoked"))
		return
	case errors.Is(err, ErrFamilyRevoked), errors.Is(err, ErrFamilyNotFound):
		httpx.WriteError(w, r, apperr.AuthenticationRequired("session revoked"))
		return
	case err != nil:
		httpx.WriteError(w, r, apperr.Internal("token rotation failed", err))
		return
	}

	access, err := h.issueAccess(principal, farmID)
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal("token creation failed", err))
		return
	}
	httpx.WriteOK(w, TokenResponse{
		AccessToken:  access,
		RefreshToken: newRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(h.cfg.Tokens.AccessTTL().Seconds()),
		FarmID:       farmID,
	}, "token refreshed")
}

// HandleLogout revokes the session behind a refresh token. Expired tokens
// are accepted so stale sessions can still be closed.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	req := validate.Body[RefreshRequest](r.Context())

	v, err := h.cfg.Tokens.Verify(req.RefreshToken, KindRefresh)
	if err != nil || v.Claims.Family == "" {
		httpx.WriteError(w, r, apperr.AuthenticationRequired("invalid refresh token"))
		return
	}
	// A signed-in caller may only close its own sessions.
	if p := GetPrincipal(r.Context()); p != nil && p.ID != v.Claims.Subject {
		httpx.WriteError(w, r, apperr.InsufficientPermissions("refresh token belongs to another account", nil))
		return
	}
	if err := h.cfg.Sessions.Revoke(r.Context(), v.Claims.Family); err != nil && !errors.Is(err, ErrFamilyNotFound) {
		httpx.WriteError(w, r, apperr.Internal("logout failed", err))
		return
	}
	httpx.WriteOK(w, nil, "logged out")
}

func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	principal := GetPrincipal(r.Context())
	if principal == nil {
		httpx.WriteError(w, r, apperr.AuthenticationRequired("authentication required"))
		return
	}
	httpx.WriteOK(w, principal, "")
}

// HandleSwitchFarm issues an access token bound to another of the caller's
// farms.
func (h *Handler) HandleSwitchFarm(w http.ResponseWriter, r *http.Request) {
	principal := GetPrincipal(r.Context())
	if principal == nil {
		httpx.WriteError(w, r, apperr.AuthenticationRequired("authentication required"))
		return
	}
	req := validate.Body[SwitchFarmRequest](r.Context())

	if _, ok := principal.MembershipFor(req.FarmID); !ok {
		httpx.WriteError(w, r, apperr.New(apperr.KindNoFarmRoleAssigned, "no role assigned on the selected farm"))
		return
	}
	access, err := h.issueAccess(principal, req.FarmID)
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal("token creation failed", err))
		return
	}
	httpx.WriteOK(w, TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(h.cfg.Tokens.AccessTTL().Seconds()),
		FarmID:      req.FarmID,
	}, "farm selected")
}

// HandlePasswordResetRequest always answers the same way so the endpoint
// cannot be used to probe for accounts.
func (h *Handler) HandlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	req := validate.Body[PasswordResetRequest](r.Context())
	const message = "if the account exists, a reset link has been sent"

	creds, err := h.cfg.Users.FindCredentials(r.Context(), req.Email)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			h.cfg.Logger.ErrorContext(r.Context(), "password reset lookup failed", "error", err)
		}
		httpx.WriteOK(w, nil, message)
		return
	}
	if !creds.Active {
		httpx.WriteOK(w, nil, message)
		return
	}

	raw, err := NewOpaqueToken()
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal("password reset failed", err))
		return
	}
	if err := h.cfg.Resets.Create(r.Context(), creds.UserID, HashToken(raw), h.cfg.Now().Add(h.cfg.ResetTTL)); err != nil {
		httpx.WriteError(w, r, apperr.Internal("password reset failed", err))
		return
	}

	notify.Send(r.Context(), h.cfg.Notifier, notify.Message{
		To:       creds.Email,
		Template: notify.TemplatePasswordReset,
		Data:     map[string]string{"token": raw},
	}, h.cfg.Logger)

	httpx.WriteOK(w, nil, message)
}

// HandlePasswordResetConfirm sets a new password and ends every session.
func (h *Handler) HandlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	req := validate.Body[PasswordResetConfirm](r.Context())

	userID, err := h.cfg.Resets.Consume(r.Context(), HashToken(req.Token))
	if err != nil {
		if errors.Is(err, ErrResetNotFound) {
			httpx.WriteError(w, r, apperr.Validation("invalid or expired reset token", []string{"token is invalid or expired"}))
			return
		}
		httpx.WriteError(w, r, apperr.Internal("password reset failed", err))
		return
	}

	hash, err := HashPassword(req.NewPassword)
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal("password reset failed", err))
		return
	}
	if err := h.cfg.Users.UpdatePassword(r.Context(), userID, hash); err != nil {
		httpx.WriteError(w, r, apperr.Internal("password reset failed", err))
		return
	}
	if err := h.cfg.Sessions.RevokeAllForUser(r.Context(), userID); err != nil {
		httpx.WriteError(w, r, apperr.Internal("password reset failed", err))
		return
	}
	httpx.WriteOK(w, nil, "password updated")
}

func (h *Handler) startSession(ctx context.Context, p *Principal, farmID string) (*TokenResponse, error) {
	refresh, err := h.cfg.Sessions.Open(ctx, p.ID, func(familyID string) (string, error) {
		return h.cfg.Tokens.Issue(Claims{
			RegisteredClaims: claimsFor(p.ID),
			FarmID:           farmID,
			Family:           familyID,
			Generation:       1,
		}, KindRefresh)
	})
	if err != nil {
		return nil, apperr.Internal("session creation failed", err)
	}
	access, err := h.issueAccess(p, farmID)
	if err != nil {
		return nil, apperr.Internal("token creation failed", err)
	}
	return &TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(h.cfg.Tokens.AccessTTL().Seconds()),
		FarmID:       farmID,
		User:         p,
	}, nil
}

func (h *Handler) issueAccess(p *Principal, farmID string) (string, error) {
	return h.cfg.Tokens.Issue(Claims{
		RegisteredClaims: claimsFor(p.ID),
		Email:            p.Email,
		RoleID:           p.RoleID,
		Permissions:      p.Permissions,
		FarmID:           farmID,
	}, KindAccess)
}
