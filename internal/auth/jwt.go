// Package auth validates bearer tokens issued by the external identity
// provider. This service never issues tokens; it only verifies them and
// resolves the stable user id every other component keys on.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"snapsage/internal/types"
)

// AccessClaims is the token payload this service cares about. The identity
// provider signs with HS256 using a shared secret.
type AccessClaims struct {
	UserID string `json:"uid"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates access tokens and extracts the user id.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier with the shared HS256 secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates the token, returning the user id it carries.
// Expiry is rejected with a distinct error code so clients can refresh rather
// than re-authenticate.
func (v *Verifier) Verify(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &AccessClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", types.NewAppError(types.ErrCodeAuthTokenExpired, "access token expired", err)
		}
		return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid access token", err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid access token claims", nil)
	}
	if claims.UserID == "" {
		return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "access token missing user id", nil)
	}
	return claims.UserID, nil
}
