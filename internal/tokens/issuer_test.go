package tokens

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kavenhq/kaven/internal/models"
)

type staticSource map[string]string

func (s staticSource) GetRefresh(_ context.Context, userID string) (string, error) {
	return s[userID], nil
}

func newIssuer() *Issuer {
	return &Issuer{
		AccessSecret:  []byte("test-jwt-secret"),
		RefreshSecret: []byte("test-refresh-secret"),
	}
}

func testUser() *models.User {
	return &models.User{
		ID:       "user-1",
		TenantID: "tenant-1",
		Email:    "alice@example.com",
		IsAdmin:  true,
	}
}

func TestIssue_AccessClaimsRoundTrip(t *testing.T) {
	t.Parallel()

	issuer := newIssuer()
	pair, err := issuer.Issue(testUser())
	require.NoError(t, err)

	claims, err := issuer.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.True(t, claims.IsAdmin)
	assert.NotEmpty(t, claims.ID, "jti is set")
	assert.WithinDuration(t, time.Now().Add(AccessTokenTTL), claims.ExpiresAt.Time, 5*time.Second)
}

func TestVerifyAccess_Rejections(t *testing.T) {
	t.Parallel()

	issuer := newIssuer()
	user := testUser()

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		other := &Issuer{AccessSecret: []byte("other"), RefreshSecret: []byte("other")}
		pair, err := other.Issue(user)
		require.NoError(t, err)
		_, err = issuer.VerifyAccess(pair.AccessToken)
		require.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		t.Parallel()
		past := &Issuer{
			AccessSecret:  issuer.AccessSecret,
			RefreshSecret: issuer.RefreshSecret,
			Now:           func() time.Time { return time.Now().Add(-AccessTokenTTL - time.Minute) },
		}
		pair, err := past.Issue(user)
		require.NoError(t, err)
		_, err = issuer.VerifyAccess(pair.AccessToken)
		require.Error(t, err)
	})

	t.Run("alg none", func(t *testing.T) {
		t.Parallel()
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, AccessClaims{UserID: "user-1"}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = issuer.VerifyAccess(unsigned)
		require.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		_, err := issuer.VerifyAccess("not-a-token")
		require.Error(t, err)
	})
}

func TestVerifyRefresh_RequiresLedgerMatch(t *testing.T) {
	t.Parallel()

	issuer := newIssuer()
	pair, err := issuer.Issue(testUser())
	require.NoError(t, err)

	ctx := context.Background()

	// Matching slot: accepted.
	claims, err := issuer.VerifyRefresh(ctx, pair.RefreshToken, staticSource{"user-1": pair.RefreshToken})
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "refresh", claims.Type)

	// Empty slot: a signed, unexpired token is still rejected.
	_, err = issuer.VerifyRefresh(ctx, pair.RefreshToken, staticSource{})
	require.ErrorIs(t, err, ErrInvalidRefresh)

	// Slot holds a different token (displaced by a later login).
	other, err := issuer.Issue(testUser())
	require.NoError(t, err)
	_, err = issuer.VerifyRefresh(ctx, pair.RefreshToken, staticSource{"user-1": other.RefreshToken})
	require.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestVerifyRefresh_AccessTokenRejected(t *testing.T) {
	t.Parallel()

	issuer := newIssuer()
	pair, err := issuer.Issue(testUser())
	require.NoError(t, err)

	// An access token is signed with a different secret and lacks type=refresh.
	_, err = issuer.VerifyRefresh(context.Background(), pair.AccessToken,
		staticSource{"user-1": pair.AccessToken})
	require.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestResetToken_RoundTrip(t *testing.T) {
	t.Parallel()

	issuer := newIssuer()
	token, err := issuer.NewResetToken("user-1")
	require.NoError(t, err)

	claims, err := ResetClaimsFromToken(token, issuer.AccessSecret)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "password_reset", claims.Type)

	// A refresh token does not parse as a reset token.
	pair, err := issuer.Issue(testUser())
	require.NoError(t, err)
	_, err = ResetClaimsFromToken(pair.RefreshToken, issuer.AccessSecret)
	require.Error(t, err)
}
