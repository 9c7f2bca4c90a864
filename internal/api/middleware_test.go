package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/packfold/registry/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestAuthMiddleware(t *testing.T) {
	auth.TokenSecretKey = "middleware-test-secret"

	validToken, err := auth.GenerateToken("user1", "alice", time.Hour)
	require.NoError(t, err)
	expiredToken, err := auth.GenerateToken("user1", "alice", -time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name           string
		header         string
		expectedStatus int
		expectedUserID string
	}{
		{
			name:           "valid bearer token",
			header:         "Bearer " + validToken,
			expectedStatus: http.StatusOK,
			expectedUserID: "user1",
		},
		{
			name:           "missing header",
			header:         "",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "not a bearer scheme",
			header:         "Basic dXNlcjpwYXNz",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "expired token",
			header:         "Bearer " + expiredToken,
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "garbage token",
			header:         "Bearer not-a-jwt",
			expectedStatus: http.StatusUnauthorized,
		},
	}

	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUserID string
			handler := AuthMiddleware()(func(c echo.Context) error {
				gotUserID = CurrentUserID(c)
				return okHandler(c)
			})

			req := httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil)
			if tt.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.header)
			}
			rec := httptest.NewRecorder()

			require.NoError(t, handler(e.NewContext(req, rec)))

			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.Equal(t, tt.expectedUserID, gotUserID)
		})
	}
}

func TestOptionalAuthMiddleware(t *testing.T) {
	auth.TokenSecretKey = "middleware-test-secret"

	validToken, err := auth.GenerateToken("user1", "alice", time.Hour)
	require.NoError(t, err)

	e := echo.New()

	var gotUserID string
	handler := OptionalAuthMiddleware()(func(c echo.Context) error {
		gotUserID = CurrentUserID(c)
		return okHandler(c)
	})

	// Anonymous request passes through with no identity.
	req := httptest.NewRequest(http.MethodGet, "/api/teams", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, handler(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, gotUserID)

	// Authenticated request carries the identity.
	req = httptest.NewRequest(http.MethodGet, "/api/teams", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+validToken)
	rec = httptest.NewRecorder()
	require.NoError(t, handler(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user1", gotUserID)
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	e := echo.New()

	run := func(development bool) http.Header {
		handler := SecurityHeadersMiddleware(development)(okHandler)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		require.NoError(t, handler(e.NewContext(req, rec)))
		return rec.Header()
	}

	h := run(false)
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.Equal(t, "1; mode=block", h.Get("X-XSS-Protection"))
	assert.Equal(t, "strict-origin-when-cross-origin", h.Get("Referrer-Policy"))
	assert.NotEmpty(t, h.Get("Permissions-Policy"))
	assert.Contains(t, h.Get("Strict-Transport-Security"), "max-age=31536000")

	// No HSTS over local plain-HTTP development traffic.
	h = run(true)
	assert.Empty(t, h.Get("Strict-Transport-Security"))
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
}
