package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/kavenhq/kaven/internal/logging"
)

const (
	rateLimitWindow = time.Minute
	userLimit       = 100
	adminLimit      = 1000
)

// RateLimiter is a fixed-window counter per tenant and user, shared across
// instances through Redis. It sits behind RequireAuth.
type RateLimiter struct {
	rdb *redis.Client
}

func NewRateLimiter(rdb *redis.Client) *RateLimiter {
	return &RateLimiter{rdb: rdb}
}

func (m *RateLimiter) Limit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		claims, ok := ClaimsFromContext(ctx)
		if !ok {
			return next(c)
		}

		key := "rate_limit:" + claims.TenantID + ":" + claims.UserID
		current, err := m.rdb.Incr(ctx, key).Result()
		if err != nil {
			// Redis being down should not take authenticated traffic with it.
			logging.FromContext(ctx).Error("rate_limit_unavailable", "error", err)
			return next(c)
		}
		if current == 1 {
			_ = m.rdb.Expire(ctx, key, rateLimitWindow).Err()
		}

		limit := int64(userLimit)
		if claims.IsAdmin {
			limit = adminLimit
		}

		remaining := limit - current
		if remaining < 0 {
			remaining = 0
		}
		c.Response().Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
		c.Response().Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if current > limit {
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(rateLimitWindow/time.Second)))
			return echo.NewHTTPError(http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED")
		}
		return next(c)
	}
}
