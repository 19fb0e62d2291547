package httpserver

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kavenhq/kaven/internal/logging"
	"github.com/kavenhq/kaven/internal/middleware"
	"github.com/kavenhq/kaven/internal/service"
)

const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

type DeviceHTTP struct {
	Svc *service.DeviceService
}

func oauthError(c echo.Context, status int, code, description string) error {
	return c.JSON(status, echo.Map{"error": code, "error_description": description})
}

func (h *DeviceHTTP) RequestCode(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		ClientID string `json:"client_id" form:"client_id"`
		Scope    string `json:"scope" form:"scope"`
	}
	if err := c.Bind(&req); err != nil || req.ClientID == "" {
		return oauthError(c, http.StatusBadRequest, "invalid_request", "client_id is required")
	}

	res, err := h.Svc.RequestCode(ctx, req.ClientID, req.Scope)
	if err != nil {
		logging.FromContext(ctx).Error("device_code_error", "error", err)
		return oauthError(c, http.StatusInternalServerError, "server_error", "could not create device code")
	}
	return c.JSON(http.StatusOK, res)
}

// Token serves the polled exchange. Pending and slow_down come back as 400s
// with structured codes; they are protocol steady state, not failures.
func (h *DeviceHTTP) Token(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		GrantType  string `json:"grant_type" form:"grant_type"`
		DeviceCode string `json:"device_code" form:"device_code"`
		ClientID   string `json:"client_id" form:"client_id"`
	}
	if err := c.Bind(&req); err != nil {
		return oauthError(c, http.StatusBadRequest, "invalid_request", "malformed token request")
	}
	if req.GrantType != deviceGrantType {
		return oauthError(c, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant_type")
	}
	if req.DeviceCode == "" {
		return oauthError(c, http.StatusBadRequest, "invalid_request", "device_code is required")
	}

	res, err := h.Svc.Exchange(ctx, req.DeviceCode)
	if err != nil {
		var devErr *service.DeviceError
		if errors.As(err, &devErr) {
			return oauthError(c, http.StatusBadRequest, devErr.Code, "")
		}
		logging.FromContext(ctx).Error("device_token_error", "error", err)
		return oauthError(c, http.StatusInternalServerError, "server_error", "token exchange failed")
	}
	return c.JSON(http.StatusOK, res)
}

// Decision lets an authenticated user approve or deny the code shown by a
// device. The approving identity becomes the session's principal.
func (h *DeviceHTTP) Decision(c echo.Context) error {
	ctx := c.Request().Context()
	claims, ok := middleware.ClaimsFromContext(ctx)
	if !ok {
		return errorJSON(c, http.StatusUnauthorized, "UNAUTHORIZED")
	}

	var req struct {
		UserCode string `json:"user_code" form:"user_code"`
		Action   string `json:"action" form:"action"`
	}
	if err := c.Bind(&req); err != nil || req.UserCode == "" {
		return oauthError(c, http.StatusBadRequest, "invalid_request", "user_code is required")
	}

	var err error
	switch req.Action {
	case "", "approve":
		err = h.Svc.Approve(ctx, req.UserCode, claims.UserID)
	case "deny":
		err = h.Svc.Deny(ctx, req.UserCode, claims.UserID)
	default:
		return oauthError(c, http.StatusBadRequest, "invalid_request", "action must be approve or deny")
	}

	if err != nil {
		if errors.Is(err, service.ErrDeviceCodeNotFound) {
			return oauthError(c, http.StatusNotFound, "invalid_request", "unknown or settled user code")
		}
		logging.FromContext(ctx).Error("device_decision_error", "error", err)
		return oauthError(c, http.StatusInternalServerError, "server_error", "decision failed")
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "decision recorded"})
}
