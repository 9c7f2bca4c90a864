package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecretKey = "test-secret-key-for-predictable-results"

func TestGenerateToken(t *testing.T) {
	TokenSecretKey = testSecretKey

	tests := []struct {
		name     string
		userID   string
		username string
		duration time.Duration
	}{
		{
			name:     "success: generate valid token",
			userID:   "user1",
			username: "alice",
			duration: time.Hour,
		},
		{
			name:     "success: generate token with default validity",
			userID:   "user2",
			username: "bob",
			duration: TokenValidity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokenString, err := GenerateToken(tt.userID, tt.username, tt.duration)
			require.NoError(t, err)
			require.NotEmpty(t, tokenString)

			claims, err := VerifyToken(tokenString)
			require.NoError(t, err)
			assert.Equal(t, tt.userID, claims.Subject)
			assert.Equal(t, tt.username, claims.Username)
			assert.WithinDuration(t, time.Now().Add(tt.duration), claims.ExpiresAt.Time, time.Second*5)
		})
	}
}

func TestVerifyToken(t *testing.T) {
	TokenSecretKey = testSecretKey

	validToken, _ := GenerateToken("user1", "alice", time.Hour)

	expiredToken, _ := GenerateToken("user1", "alice", -time.Hour)

	claimsWithWrongMethod := TokenClaims{
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tokenWithWrongMethod := jwt.NewWithClaims(jwt.SigningMethodNone, claimsWithWrongMethod)
	wrongMethodTokenString, _ := tokenWithWrongMethod.SignedString(jwt.UnsafeAllowNoneSignatureType)

	emptyClaimsToken := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	emptyClaimsTokenString, _ := emptyClaimsToken.SignedString([]byte(testSecretKey))

	tests := []struct {
		name              string
		tokenString       string
		secretSetup       func()
		secretRollback    func()
		expectError       bool
		expectedErrorType error
	}{
		{
			name:        "success: verify valid token",
			tokenString: validToken,
			expectError: false,
		},
		{
			name:              "failure: verify expired token",
			tokenString:       expiredToken,
			expectError:       true,
			expectedErrorType: ErrExpiredToken,
		},
		{
			name:              "failure: verify token with invalid signature",
			tokenString:       validToken,
			secretSetup:       func() { TokenSecretKey = "different-secret-key" },
			secretRollback:    func() { TokenSecretKey = testSecretKey },
			expectError:       true,
			expectedErrorType: ErrInvalidToken,
		},
		{
			name:              "failure: verify malformed token",
			tokenString:       "not-a-valid-jwt-token",
			expectError:       true,
			expectedErrorType: ErrInvalidToken,
		},
		{
			name:              "failure: verify token with wrong signing method",
			tokenString:       wrongMethodTokenString,
			expectError:       true,
			expectedErrorType: ErrInvalidSigningMethod,
		},
		{
			name:              "failure: verify token without subject or username",
			tokenString:       emptyClaimsTokenString,
			expectError:       true,
			expectedErrorType: ErrMissingClaims,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.secretSetup != nil {
				tt.secretSetup()
			}
			if tt.secretRollback != nil {
				defer tt.secretRollback()
			}

			claims, err := VerifyToken(tt.tokenString)

			if tt.expectError {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.expectedErrorType)
				assert.Nil(t, claims)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, claims)
				assert.Equal(t, "alice", claims.Username)
			}
		})
	}
}
