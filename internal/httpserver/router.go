package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kavenhq/kaven/internal/middleware"
)

type Deps struct {
	AuthHandler   *AuthHTTP
	DeviceHandler *DeviceHTTP
	Auth          *middleware.BearerAuth
	RateLimiter   *middleware.RateLimiter
	ReadyCheck    func(c echo.Context) error
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	if d.ReadyCheck != nil {
		e.GET("/health/ready", d.ReadyCheck)
	} else {
		e.GET("/health/ready", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	}

	auth := e.Group("/auth")
	auth.POST("/login", d.AuthHandler.Login)
	auth.POST("/refresh", d.AuthHandler.Refresh)
	auth.POST("/forgot-password", d.AuthHandler.ForgotPassword)
	auth.POST("/reset-password", d.AuthHandler.ResetPassword)

	private := auth.Group("", d.Auth.RequireAuth, d.RateLimiter.Limit)
	private.POST("/logout", d.AuthHandler.Logout)
	private.POST("/change-password", d.AuthHandler.ChangePassword)
	private.GET("/me", d.AuthHandler.Me)

	oauth := e.Group("/oauth")
	oauth.POST("/device/code", d.DeviceHandler.RequestCode)
	oauth.POST("/token", d.DeviceHandler.Token)
	oauth.POST("/device/decision", d.DeviceHandler.Decision, d.Auth.RequireAuth, d.RateLimiter.Limit)
}
