// Package auth verifies bearer tokens for the HTTP and websocket surfaces.
//
// Authentication is owned by an external identity service; this package only
// verifies the HMAC signature of tokens that service mints and extracts the
// user identity from them. Sign exists so tests and local tooling can mint
// compatible tokens without the identity service.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors for token verification.
var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token has expired")
	ErrInvalidSecretLength = errors.New("JWT secret must be at least 32 characters")
)

// Config holds token verification configuration.
type Config struct {
	// Secret is the HMAC signing key. Must be at least 32 characters.
	Secret string

	// Issuer, when set, must match the token "iss" claim.
	Issuer string
}

// Claims is the verified identity carried by a bearer token.
type Claims struct {
	jwt.RegisteredClaims

	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// Verifier validates bearer tokens against a shared HMAC secret.
type Verifier struct {
	cfg Config
}

// NewVerifier creates a verifier with the given configuration.
func NewVerifier(cfg Config) (*Verifier, error) {
	if len(cfg.Secret) < 32 {
		return nil, ErrInvalidSecretLength
	}
	return &Verifier{cfg: cfg}, nil
}

// Verify validates a token string and returns its claims.
// Returns an error if the token is malformed, mis-signed, or expired.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.cfg.Secret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Sign mints a token for the given identity. Intended for tests and local
// development; production tokens come from the identity service.
func (v *Verifier) Sign(userID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.cfg.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:   userID,
		Username: username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(v.cfg.Secret))
}
