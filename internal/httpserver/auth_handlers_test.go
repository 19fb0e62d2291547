package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/kavenhq/kaven/internal/audit"
	"github.com/kavenhq/kaven/internal/hash"
	"github.com/kavenhq/kaven/internal/ledger"
	"github.com/kavenhq/kaven/internal/middleware"
	"github.com/kavenhq/kaven/internal/models"
	"github.com/kavenhq/kaven/internal/repo"
	"github.com/kavenhq/kaven/internal/service"
	"github.com/kavenhq/kaven/internal/tokens"
)

type handlerEnv struct {
	e   *echo.Echo
	db  *gorm.DB
	mr  *miniredis.Miniredis
	svc *service.AuthService
	dev *service.DeviceService
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Tenant{}, &models.User{}))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	led := ledger.New(rdb)
	issuer := &tokens.Issuer{
		AccessSecret:  []byte("test-jwt-secret"),
		RefreshSecret: []byte("test-refresh-secret"),
	}
	users := &repo.Users{DB: db}

	svc := &service.AuthService{
		DB:     db,
		Users:  users,
		Ledger: led,
		Issuer: issuer,
		Audit:  audit.Nop{},
	}
	dev := &service.DeviceService{
		Users:         users,
		Ledger:        led,
		Issuer:        issuer,
		Audit:         audit.Nop{},
		VerifyBaseURL: "https://app.kaven.test/activate",
	}

	e := echo.New()
	Register(e, &Deps{
		AuthHandler:   &AuthHTTP{Svc: svc},
		DeviceHandler: &DeviceHTTP{Svc: dev},
		Auth:          middleware.NewBearerAuth(issuer),
		RateLimiter:   middleware.NewRateLimiter(rdb),
	})

	return &handlerEnv{e: e, db: db, mr: mr, svc: svc, dev: dev}
}

func (env *handlerEnv) seedUser(t *testing.T, email, password string) *models.User {
	t.Helper()

	tenant := &models.Tenant{
		ID:        uuid.NewString(),
		Name:      "Acme",
		Subdomain: "acme-" + uuid.NewString()[:8],
		Active:    true,
	}
	require.NoError(t, env.db.Create(tenant).Error)

	pwHash, err := hash.HashPassword(password)
	require.NoError(t, err)
	user := &models.User{
		ID:           uuid.NewString(),
		TenantID:     tenant.ID,
		Email:        email,
		PasswordHash: pwHash,
	}
	require.NoError(t, env.db.Create(user).Error)
	return user
}

func (env *handlerEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func bearer(token string) map[string]string {
	return map[string]string{echo.HeaderAuthorization: "Bearer " + token}
}

func TestLoginRefreshScenario(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	env.seedUser(t, "alice@example.com", "correct-pw")

	rec, body := env.do(t, http.MethodPost, "/auth/login",
		map[string]string{"email": "alice@example.com", "password": "correct-pw"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	firstRefresh, _ := body["refreshToken"].(string)
	require.NotEmpty(t, body["accessToken"])
	require.NotEmpty(t, firstRefresh)

	principal, ok := body["principal"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", principal["email"])

	// Refresh rotates to a different refresh token.
	rec, body = env.do(t, http.MethodPost, "/auth/refresh",
		map[string]string{"refreshToken": firstRefresh}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rotated, _ := body["refreshToken"].(string)
	require.NotEmpty(t, rotated)
	assert.NotEqual(t, firstRefresh, rotated)

	// Replaying the original refresh token is a 401.
	rec, body = env.do(t, http.MethodPost, "/auth/refresh",
		map[string]string{"refreshToken": firstRefresh}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_REFRESH_TOKEN", body["error"])
}

func TestLogin_ErrorCodes(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	env.seedUser(t, "alice@example.com", "correct-pw")

	rec, body := env.do(t, http.MethodPost, "/auth/login", map[string]string{}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_CREDENTIALS", body["error"])

	rec, body = env.do(t, http.MethodPost, "/auth/login",
		map[string]string{"email": "alice@example.com", "password": "wrong"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", body["error"])

	rec, body = env.do(t, http.MethodPost, "/auth/login",
		map[string]string{"email": "ghost@example.com", "password": "wrong"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", body["error"], "unknown email must be indistinguishable")
}

func TestLogout_RequiresAuthAndRevokes(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	env.seedUser(t, "alice@example.com", "correct-pw")

	rec, _ := env.do(t, http.MethodPost, "/auth/logout", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	_, body := env.do(t, http.MethodPost, "/auth/login",
		map[string]string{"email": "alice@example.com", "password": "correct-pw"}, nil)
	access := body["accessToken"].(string)
	refresh := body["refreshToken"].(string)

	rec, _ = env.do(t, http.MethodPost, "/auth/logout", nil, bearer(access))
	require.Equal(t, http.StatusOK, rec.Code)

	// Logout is idempotent.
	rec, _ = env.do(t, http.MethodPost, "/auth/logout", nil, bearer(access))
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/auth/refresh",
		map[string]string{"refreshToken": refresh}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestForgotAndResetPassword(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	user := env.seedUser(t, "alice@example.com", "old-pw")

	// Unknown email still answers 200 with the same body.
	rec, body := env.do(t, http.MethodPost, "/auth/forgot-password",
		map[string]string{"email": "ghost@example.com"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ghostMsg := body["message"]

	rec, body = env.do(t, http.MethodPost, "/auth/forgot-password",
		map[string]string{"email": "alice@example.com"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ghostMsg, body["message"])

	// The handler never leaks the token; fetch it from the ledger the way
	// the delivery collaborator would receive it.
	resetToken, err := env.svc.Ledger.GetResetToken(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, resetToken)

	rec, _ = env.do(t, http.MethodPost, "/auth/reset-password",
		map[string]string{"token": resetToken, "password": "new-pw"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Single use.
	rec, body = env.do(t, http.MethodPost, "/auth/reset-password",
		map[string]string{"token": resetToken, "password": "other-pw"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", body["error"])

	rec, _ = env.do(t, http.MethodPost, "/auth/login",
		map[string]string{"email": "alice@example.com", "password": "new-pw"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestChangePassword_Endpoint(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	env.seedUser(t, "alice@example.com", "old-pw")

	_, body := env.do(t, http.MethodPost, "/auth/login",
		map[string]string{"email": "alice@example.com", "password": "old-pw"}, nil)
	access := body["accessToken"].(string)

	rec, body := env.do(t, http.MethodPost, "/auth/change-password",
		map[string]string{"currentPassword": "nope", "newPassword": "new-pw"}, bearer(access))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_CURRENT_PASSWORD", body["error"])

	rec, _ = env.do(t, http.MethodPost, "/auth/change-password",
		map[string]string{"currentPassword": "old-pw", "newPassword": "new-pw"}, bearer(access))
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/auth/login",
		map[string]string{"email": "alice@example.com", "password": "new-pw"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_HeadersPresent(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	env.seedUser(t, "alice@example.com", "correct-pw")

	_, body := env.do(t, http.MethodPost, "/auth/login",
		map[string]string{"email": "alice@example.com", "password": "correct-pw"}, nil)
	access := body["accessToken"].(string)

	rec, _ := env.do(t, http.MethodPost, "/auth/logout", nil, bearer(access))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestBearerAuth_RejectsBadTokens(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)

	rec, _ := env.do(t, http.MethodGet, "/auth/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/auth/me", nil, bearer("garbage"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/auth/me", nil,
		map[string]string{echo.HeaderAuthorization: "Basic abc"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
