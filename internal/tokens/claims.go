package tokens

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnexpectedSigningMethod = errors.New("unexpected signing method")

// AccessClaims is everything a stateless handler needs to authorize a
// request without a lookup.
type AccessClaims struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
	Email    string `json:"email"`
	IsAdmin  bool   `json:"isAdmin"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
	Type     string `json:"type"`
	jwt.RegisteredClaims
}

type ResetClaims struct {
	UserID string `json:"userId"`
	Type   string `json:"type"`
	jwt.RegisteredClaims
}

func AccessClaimsFromToken(tokenStr string, secret []byte) (*AccessClaims, error) {
	var claims AccessClaims
	tkn, err := jwt.ParseWithClaims(tokenStr, &claims, hs256KeyFunc(secret))
	if err != nil || !tkn.Valid {
		return nil, tokenErr(err)
	}
	return &claims, nil
}

func RefreshClaimsFromToken(tokenStr string, secret []byte) (*RefreshClaims, error) {
	var claims RefreshClaims
	tkn, err := jwt.ParseWithClaims(tokenStr, &claims, hs256KeyFunc(secret))
	if err != nil || !tkn.Valid {
		return nil, tokenErr(err)
	}
	if claims.Type != "refresh" {
		return nil, errors.New("not a refresh token")
	}
	return &claims, nil
}

func ResetClaimsFromToken(tokenStr string, secret []byte) (*ResetClaims, error) {
	var claims ResetClaims
	tkn, err := jwt.ParseWithClaims(tokenStr, &claims, hs256KeyFunc(secret))
	if err != nil || !tkn.Valid {
		return nil, tokenErr(err)
	}
	if claims.Type != "password_reset" {
		return nil, errors.New("not a password reset token")
	}
	return &claims, nil
}

func hs256KeyFunc(secret []byte) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrUnexpectedSigningMethod
		}
		return secret, nil
	}
}

func tokenErr(err error) error {
	if err == nil {
		return errors.New("invalid token")
	}
	return err
}
