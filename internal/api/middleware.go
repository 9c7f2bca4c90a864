package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/packfold/registry/internal/auth"
	"github.com/packfold/registry/pkg/logger"
	"go.uber.org/zap"
)

const (
	contextKeyUserID   = "user_id"
	contextKeyUsername = "username"
)

func ZapLoggerMiddleware(l *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			req := c.Request()
			res := c.Response()

			requestID := c.Response().Header().Get(echo.HeaderXRequestID)

			reqLogger := l.With(
				zap.String("request_id", requestID),
			)

			ctx := logger.WithLogger(req.Context(), reqLogger)
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			latency := time.Since(start)

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.String("remote_ip", c.RealIP()),
				zap.Int("status", res.Status),
				zap.Duration("latency", latency),
				zap.Int64("bytes_in", req.ContentLength),
				zap.Int64("bytes_out", res.Size),
			}

			if err != nil {
				fields = append(fields, zap.Error(err))
				reqLogger.Error("request failed", fields...)
			} else {
				reqLogger.Info("request completed", fields...)
			}

			return err
		}
	}
}

// AuthMiddleware requires a valid bearer token and stores the verified
// identity on the echo context for handlers.
func AuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, err := bearerClaims(c)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, envelope{
					Success: false,
					Error:   "authentication required",
				})
			}
			c.Set(contextKeyUserID, claims.Subject)
			c.Set(contextKeyUsername, claims.Username)
			return next(c)
		}
	}
}

// OptionalAuthMiddleware attaches the identity when a valid bearer token is
// present and silently continues without one otherwise.
func OptionalAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if claims, err := bearerClaims(c); err == nil {
				c.Set(contextKeyUserID, claims.Subject)
				c.Set(contextKeyUsername, claims.Username)
			}
			return next(c)
		}
	}
}

func bearerClaims(c echo.Context) (*auth.TokenClaims, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, auth.ErrInvalidToken
	}
	return auth.VerifyToken(strings.TrimPrefix(header, "Bearer "))
}

// CurrentUserID returns the authenticated user id, empty when the request
// carried no valid token.
func CurrentUserID(c echo.Context) string {
	if id, ok := c.Get(contextKeyUserID).(string); ok {
		return id
	}
	return ""
}

// SecurityHeadersMiddleware sets the standard hardening headers on every
// response; HSTS only outside development since local traffic is plain HTTP.
func SecurityHeadersMiddleware(development bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "1; mode=block")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			if !development {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
			}
			return next(c)
		}
	}
}
