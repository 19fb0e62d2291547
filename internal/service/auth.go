package service

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/kavenhq/kaven/internal/audit"
	"github.com/kavenhq/kaven/internal/hash"
	"github.com/kavenhq/kaven/internal/ledger"
	"github.com/kavenhq/kaven/internal/logging"
	"github.com/kavenhq/kaven/internal/models"
	"github.com/kavenhq/kaven/internal/repo"
	"github.com/kavenhq/kaven/internal/tenantctx"
	"github.com/kavenhq/kaven/internal/tokens"
)

// AuthService composes the credential verifier, token issuer and session
// ledger into the public auth use cases. It holds no per-request state;
// everything mutable lives in the ledger.
type AuthService struct {
	DB     *gorm.DB
	Users  *repo.Users
	Ledger *ledger.Ledger
	Issuer *tokens.Issuer
	Audit  audit.Recorder
}

type TenantInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Subdomain string `json:"subdomain"`
}

// Principal is the public view of a user returned by login and /auth/me.
type Principal struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	FirstName string     `json:"firstName,omitempty"`
	LastName  string     `json:"lastName,omitempty"`
	IsAdmin   bool       `json:"isAdmin"`
	TenantID  string     `json:"tenantId"`
	Tenant    TenantInfo `json:"tenant"`
}

type LoginResult struct {
	Pair      *tokens.Pair
	Principal Principal
}

func principalOf(user *models.User) Principal {
	return Principal{
		ID:        user.ID,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		IsAdmin:   user.IsAdmin,
		TenantID:  user.TenantID,
		Tenant: TenantInfo{
			ID:        user.Tenant.ID,
			Name:      user.Tenant.Name,
			Subdomain: user.Tenant.Subdomain,
		},
	}
}

func (s *AuthService) record(ctx context.Context, ev audit.Event) {
	if s.Audit != nil {
		s.Audit.Record(ctx, ev)
	}
}

// Login verifies the credentials, mints a token pair and stores the refresh
// token in the ledger, displacing any previous session of the same user.
// Unknown email and wrong password are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	l := logging.FromContext(ctx).With("op", "auth.login")

	if email == "" || password == "" {
		return nil, ErrMissingCredentials
	}

	user, err := s.Users.ByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.record(ctx, audit.Event{Type: audit.EventLogin, Success: false, Reason: "unknown_email"})
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !hash.CheckPassword(user.PasswordHash, password) {
		l.Warn("login_failed", "reason", "password_mismatch")
		s.record(ctx, audit.Event{Type: audit.EventLogin, UserID: user.ID, TenantID: user.TenantID, Success: false, Reason: "password_mismatch"})
		return nil, ErrInvalidCredentials
	}

	pair, err := s.Issuer.Issue(user)
	if err != nil {
		return nil, err
	}
	if err := s.Ledger.StoreRefresh(ctx, user.ID, pair.RefreshToken, tokens.RefreshTokenTTL); err != nil {
		return nil, err
	}

	l.Info("login_successful", "user_id", user.ID, "tenant_id", user.TenantID)
	s.record(ctx, audit.Event{Type: audit.EventLogin, UserID: user.ID, TenantID: user.TenantID, Success: true})

	return &LoginResult{Pair: pair, Principal: principalOf(user)}, nil
}

// Refresh rotates the token pair. The presented refresh token must win the
// ledger's compare-and-swap; a replayed or displaced token loses and the
// call fails without issuing anything usable.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*tokens.Pair, error) {
	l := logging.FromContext(ctx).With("op", "auth.refresh")

	claims, err := s.Issuer.VerifyRefresh(ctx, refreshToken, s.Ledger)
	if err != nil {
		if errors.Is(err, tokens.ErrInvalidRefresh) {
			s.record(ctx, audit.Event{Type: audit.EventRefresh, Success: false, Reason: "invalid_token"})
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}

	user, err := s.Users.ByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}

	pair, err := s.Issuer.Issue(user)
	if err != nil {
		return nil, err
	}

	ok, err := s.Ledger.RotateRefresh(ctx, user.ID, refreshToken, pair.RefreshToken, tokens.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		// A concurrent refresh already rotated the slot.
		s.record(ctx, audit.Event{Type: audit.EventRefresh, UserID: user.ID, TenantID: user.TenantID, Success: false, Reason: "lost_rotation_race"})
		return nil, ErrInvalidRefreshToken
	}

	l.Info("refresh_successful", "user_id", user.ID)
	s.record(ctx, audit.Event{Type: audit.EventRefresh, UserID: user.ID, TenantID: user.TenantID, Success: true})
	return pair, nil
}

// Logout revokes the user's refresh slot. Idempotent.
func (s *AuthService) Logout(ctx context.Context, userID, tenantID string) error {
	if err := s.Ledger.RevokeRefresh(ctx, userID); err != nil {
		return err
	}
	s.record(ctx, audit.Event{Type: audit.EventLogout, UserID: userID, TenantID: tenantID, Success: true})
	return nil
}

// ForgotPassword creates and stores a single-use reset token when the email
// belongs to a user of an active tenant. The returned token is handed to the
// delivery collaborator; it is empty when no user matched, and callers must
// respond identically either way.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) (string, error) {
	user, err := s.Users.ByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.record(ctx, audit.Event{Type: audit.EventForgotPassword, Success: false, Reason: "unknown_email"})
			return "", nil
		}
		return "", err
	}

	token, err := s.Issuer.NewResetToken(user.ID)
	if err != nil {
		return "", err
	}
	if err := s.Ledger.StoreResetToken(ctx, user.ID, token, tokens.ResetTokenTTL); err != nil {
		return "", err
	}

	s.record(ctx, audit.Event{Type: audit.EventForgotPassword, UserID: user.ID, TenantID: user.TenantID, Success: true})
	return token, nil
}

// ResetPassword redeems a reset token exactly once, rewrites the password
// hash and revokes the refresh slot so every session has to log in again.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	claims, err := tokens.ResetClaimsFromToken(token, s.Issuer.AccessSecret)
	if err != nil {
		return ErrInvalidResetToken
	}

	stored, err := s.Ledger.ConsumeResetToken(ctx, claims.UserID)
	if err != nil {
		return err
	}
	if stored == "" || stored != token {
		s.record(ctx, audit.Event{Type: audit.EventResetPassword, UserID: claims.UserID, Success: false, Reason: "consumed_or_expired"})
		return ErrInvalidResetToken
	}

	newHash, err := hash.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.Users.UpdatePasswordHash(ctx, claims.UserID, newHash); err != nil {
		return err
	}
	if err := s.Ledger.RevokeRefresh(ctx, claims.UserID); err != nil {
		return err
	}

	s.record(ctx, audit.Event{Type: audit.EventResetPassword, UserID: claims.UserID, Success: true})
	return nil
}

// ChangePassword verifies the current password before rewriting the hash,
// then revokes the refresh slot.
func (s *AuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.Users.ByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrInvalidCurrentPassword
		}
		return err
	}

	if !hash.CheckPassword(user.PasswordHash, currentPassword) {
		s.record(ctx, audit.Event{Type: audit.EventChangePassword, UserID: userID, TenantID: user.TenantID, Success: false, Reason: "current_password_mismatch"})
		return ErrInvalidCurrentPassword
	}

	newHash, err := hash.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.Users.UpdatePasswordHash(ctx, userID, newHash); err != nil {
		return err
	}
	if err := s.Ledger.RevokeRefresh(ctx, userID); err != nil {
		return err
	}

	s.record(ctx, audit.Event{Type: audit.EventChangePassword, UserID: userID, TenantID: user.TenantID, Success: true})
	return nil
}

// Me returns the authenticated principal's profile. The lookup runs on a
// tenant-bound connection; an unbound connection never serves it.
func (s *AuthService) Me(ctx context.Context, userID, tenantID string) (*Principal, error) {
	var principal *Principal
	err := tenantctx.WithTenantContext(ctx, s.DB, tenantID, userID, func(tx *gorm.DB) error {
		user, err := s.Users.ByIDScoped(tx, userID)
		if err != nil {
			return err
		}
		p := principalOf(user)
		principal = &p
		return nil
	})
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return principal, nil
}
