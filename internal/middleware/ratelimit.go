package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"stream-relay-go/internal/config"
)

// RateLimitMessage is the error text returned to callers over their limit.
const RateLimitMessage = "Rate limit exceeded"

// RateLimiter returns a per-IP request rate limiter backed by an in-memory
// store. Rejected requests get 429 with a JSON error body.
func RateLimiter(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": RateLimitMessage})
		},
	})
}
