package main

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/workflowcore/internal/platform/errs"
	"github.com/lyzr/workflowcore/internal/platform/logger"
	"github.com/lyzr/workflowcore/internal/resilience/ratelimiter"
)

// requestLogger emits one structured log line per request.
func requestLogger(log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			log.Info("request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return err
		}
	}
}

// rateLimitMiddleware enforces the global/per-user/per-connection
// token-bucket chain ahead of every request, surfacing a denial as a
// 429 with retry_after and the scope that bound.
func rateLimitMiddleware(limiter *ratelimiter.Limiter, log *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().URL.Path == "/api/v1/health" {
				return next(c)
			}
			userID := subjectFrom(c)
			if userID == "" {
				userID = "anonymous"
			}
			decision, err := limiter.Acquire(c.Request().Context(), userID, c.RealIP(), 1)
			if err != nil {
				log.Warn("rate limiter unavailable, failing open", "error", err)
				return next(c)
			}
			if !decision.Allowed {
				c.Response().Header().Set("Retry-After", strconv.FormatFloat(decision.RetryAfter.Seconds(), 'f', 3, 64))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"code":        string(errs.KindRateLimited),
					"message":     "rate limit exceeded",
					"scope":       decision.BindingScope,
					"retry_after": decision.RetryAfter.Seconds(),
				})
			}
			return next(c)
		}
	}
}
