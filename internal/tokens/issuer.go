package tokens

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kavenhq/kaven/internal/models"
)

const (
	AccessTokenTTL  = 15 * time.Minute
	RefreshTokenTTL = 7 * 24 * time.Hour
	ResetTokenTTL   = time.Hour
)

var (
	ErrInvalidRefresh = errors.New("invalid refresh token")
	ErrInvalidReset   = errors.New("invalid reset token")
)

// RefreshSource reports the single currently-valid refresh token for a user,
// or "" when none is stored.
type RefreshSource interface {
	GetRefresh(ctx context.Context, userID string) (string, error)
}

type Pair struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
}

// Issuer mints and verifies the platform's bearer tokens. Access tokens are
// purely stateless; refresh tokens are additionally checked against the
// session ledger so that revocation takes effect immediately.
type Issuer struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Now           func() time.Time
}

func (i *Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

func (i *Issuer) Issue(user *models.User) (*Pair, error) {
	now := i.now()
	accessExp := now.Add(AccessTokenTTL)
	refreshExp := now.Add(RefreshTokenTTL)

	accessClaims := AccessClaims{
		UserID:   user.ID,
		TenantID: user.TenantID,
		Email:    user.Email,
		IsAdmin:  user.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString(i.AccessSecret)
	if err != nil {
		return nil, err
	}

	refreshClaims := RefreshClaims{
		UserID:   user.ID,
		TenantID: user.TenantID,
		Type:     "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
		},
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString(i.RefreshSecret)
	if err != nil {
		return nil, err
	}

	return &Pair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

func (i *Issuer) NewResetToken(userID string) (string, error) {
	now := i.now()
	claims := ResetClaims{
		UserID: userID,
		Type:   "password_reset",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ResetTokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.AccessSecret)
}

// VerifyAccess is a pure signature+expiry check. No external lookup happens
// here, which is what lets stateless handlers scale horizontally.
func (i *Issuer) VerifyAccess(tokenStr string) (*AccessClaims, error) {
	return AccessClaimsFromToken(tokenStr, i.AccessSecret)
}

// VerifyRefresh checks signature and expiry, then requires the presented
// token to equal the ledger's current slot for that user. A cryptographically
// valid token that lost the slot (rotation, logout, password change) is
// rejected.
func (i *Issuer) VerifyRefresh(ctx context.Context, tokenStr string, src RefreshSource) (*RefreshClaims, error) {
	claims, err := RefreshClaimsFromToken(tokenStr, i.RefreshSecret)
	if err != nil {
		return nil, ErrInvalidRefresh
	}

	stored, err := src.GetRefresh(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(tokenStr)) != 1 {
		return nil, ErrInvalidRefresh
	}
	return claims, nil
}
