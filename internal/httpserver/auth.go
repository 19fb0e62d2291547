package httpserver

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kavenhq/kaven/internal/logging"
	"github.com/kavenhq/kaven/internal/middleware"
	"github.com/kavenhq/kaven/internal/service"
	"github.com/kavenhq/kaven/internal/tenantctx"
)

type AuthHTTP struct {
	Svc *service.AuthService
}

func errorJSON(c echo.Context, status int, code string) error {
	return c.JSON(status, echo.Map{"error": code})
}

func (h *AuthHTTP) Login(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_login")

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "MISSING_CREDENTIALS")
	}

	res, err := h.Svc.Login(ctx, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMissingCredentials):
			return errorJSON(c, http.StatusBadRequest, "MISSING_CREDENTIALS")
		case errors.Is(err, service.ErrInvalidCredentials):
			return errorJSON(c, http.StatusBadRequest, "INVALID_CREDENTIALS")
		}
		l.Error("login_error", "error", err)
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"accessToken":  res.Pair.AccessToken,
		"refreshToken": res.Pair.RefreshToken,
		"principal":    res.Principal,
	})
}

func (h *AuthHTTP) Refresh(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_refresh")

	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.Bind(&req); err != nil || req.RefreshToken == "" {
		return errorJSON(c, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN")
	}

	pair, err := h.Svc.Refresh(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRefreshToken) {
			return errorJSON(c, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN")
		}
		l.Error("refresh_error", "error", err)
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
	})
}

func (h *AuthHTTP) Logout(c echo.Context) error {
	ctx := c.Request().Context()
	claims, ok := middleware.ClaimsFromContext(ctx)
	if !ok {
		return errorJSON(c, http.StatusUnauthorized, "UNAUTHORIZED")
	}

	if err := h.Svc.Logout(ctx, claims.UserID, claims.TenantID); err != nil {
		logging.FromContext(ctx).Error("logout_error", "error", err)
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR")
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "logged out"})
}

// ForgotPassword answers 200 whether or not the email matched anything. The
// reset token travels to the delivery collaborator, never into the response.
func (h *AuthHTTP) ForgotPassword(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		Email string `json:"email"`
	}
	if err := c.Bind(&req); err != nil || req.Email == "" {
		return errorJSON(c, http.StatusBadRequest, "MISSING_EMAIL")
	}

	if _, err := h.Svc.ForgotPassword(ctx, req.Email); err != nil {
		logging.FromContext(ctx).Error("forgot_password_error", "error", err)
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"message": "If the email exists, reset instructions have been sent",
	})
}

func (h *AuthHTTP) ResetPassword(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil || req.Token == "" || req.Password == "" {
		return errorJSON(c, http.StatusBadRequest, "INVALID_TOKEN")
	}

	if err := h.Svc.ResetPassword(ctx, req.Token, req.Password); err != nil {
		if errors.Is(err, service.ErrInvalidResetToken) {
			return errorJSON(c, http.StatusBadRequest, "INVALID_TOKEN")
		}
		logging.FromContext(ctx).Error("reset_password_error", "error", err)
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR")
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "password updated"})
}

func (h *AuthHTTP) ChangePassword(c echo.Context) error {
	ctx := c.Request().Context()
	claims, ok := middleware.ClaimsFromContext(ctx)
	if !ok {
		return errorJSON(c, http.StatusUnauthorized, "UNAUTHORIZED")
	}

	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := c.Bind(&req); err != nil || req.CurrentPassword == "" || req.NewPassword == "" {
		return errorJSON(c, http.StatusBadRequest, "MISSING_CREDENTIALS")
	}

	if err := h.Svc.ChangePassword(ctx, claims.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, service.ErrInvalidCurrentPassword) {
			return errorJSON(c, http.StatusBadRequest, "INVALID_CURRENT_PASSWORD")
		}
		logging.FromContext(ctx).Error("change_password_error", "error", err)
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR")
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "password updated"})
}

func (h *AuthHTTP) Me(c echo.Context) error {
	ctx := c.Request().Context()
	claims, ok := middleware.ClaimsFromContext(ctx)
	if !ok {
		return errorJSON(c, http.StatusUnauthorized, "UNAUTHORIZED")
	}

	principal, err := h.Svc.Me(ctx, claims.UserID, claims.TenantID)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			return errorJSON(c, http.StatusNotFound, "USER_NOT_FOUND")
		}
		if errors.Is(err, tenantctx.ErrNotBound) {
			// Fail closed: without a confirmed tenant context no scoped
			// query may run.
			logging.FromContext(ctx).Error("tenant_binding_failed", "error", err)
			return errorJSON(c, http.StatusInternalServerError, "TENANT_CONTEXT_UNAVAILABLE")
		}
		logging.FromContext(ctx).Error("me_error", "error", err)
		return errorJSON(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR")
	}
	return c.JSON(http.StatusOK, principal)
}
