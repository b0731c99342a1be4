package service

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned for a well-formed token past its expiry.
var ErrTokenExpired = errors.New("token expired")

// Claims are the JWT claims this service reads. The subject is the user id;
// tokens are issued by the identity provider, not here.
type Claims struct {
	jwt.RegisteredClaims
}

// UserID returns the authenticated user.
func (c *Claims) UserID() string {
	return c.Subject
}

// TokenVerifier validates HMAC-signed bearer tokens.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a TokenVerifier for the shared secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// ValidateToken parses and validates a JWT, returning the claims.
func (v *TokenVerifier) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithExpirationRequired())
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}
