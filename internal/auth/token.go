package auth

import (
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// TokenValidity is the fixed lifetime of issued session tokens.
const TokenValidity = 7 * 24 * time.Hour

var TokenSecretKey = os.Getenv("AUTH_SECRET")

type TokenClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// GenerateToken issues a signed session token for the user. Only HS256 is
// ever used for signing; VerifyToken pins the same algorithm.
func GenerateToken(userID, username string, dur time.Duration) (string, error) {
	now := time.Now()
	claims := TokenClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(dur)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(TokenSecretKey))
}

// VerifyToken parses and validates a session token. The signing method is
// checked explicitly so a token signed with any other algorithm (including
// "none") is rejected regardless of its payload. Expired tokens surface as
// ErrExpiredToken, everything else as ErrInvalidToken.
func VerifyToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			alg, _ := token.Header["alg"].(string)
			return nil, errors.Wrap(ErrInvalidSigningMethod, alg)
		}
		return []byte(TokenSecretKey), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.Wrap(ErrExpiredToken, err.Error())
		}
		if errors.Is(err, ErrInvalidSigningMethod) {
			return nil, err
		}
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" || claims.Username == "" {
		return nil, errors.Wrap(ErrMissingClaims, "token payload incomplete")
	}

	return claims, nil
}
