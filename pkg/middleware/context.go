package middleware

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	requestIDKey = contextKey("X-Request-Id")
	routeKey     = contextKey("X-Route")
	remoteIPKey  = contextKey("X-Remote-Ip")
)

// GetRequestID returns the request id stored by Context, or ""
func GetRequestID(ctx context.Context) string {
	value, ok := ctx.Value(requestIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

// GetRoute returns the matched route template stored by Context, or ""
func GetRoute(ctx context.Context) string {
	value, ok := ctx.Value(routeKey).(string)
	if !ok {
		return ""
	}
	return value
}

// Context stores request metadata on the request context and echoes the
// request id back to the caller
func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := req.Context()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			ctx = context.WithValue(ctx, routeKey, c.Path())
			ctx = context.WithValue(ctx, remoteIPKey, c.RealIP())

			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
