package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrCSRFInvalid is returned when an anti-forgery token fails verification
// or is bound to a different session.
var ErrCSRFInvalid = errors.New("invalid anti-forgery token")

// CSRFManager issues and verifies anti-forgery tokens. Tokens are stateless
// HS256 JWTs bound to the session ID, so verification needs no store
// round-trip and a stolen token is useless with any other session.
type CSRFManager struct {
	signingKey []byte
	tokenTTL   time.Duration
}

// NewCSRFManager creates a [CSRFManager]. The signing key must be at least
// 32 bytes; TTL defaults to one hour when unset.
func NewCSRFManager(signingKey []byte, tokenTTL time.Duration) (*CSRFManager, error) {
	if len(signingKey) < 32 {
		return nil, errors.New("csrf signing key must be at least 32 bytes")
	}
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &CSRFManager{
		signingKey: signingKey,
		tokenTTL:   tokenTTL,
	}, nil
}

// Issue creates a fresh token bound to the session.
func (c *CSRFManager) Issue(sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("session id required")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign anti-forgery token: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature, expiry, and session binding.
func (c *CSRFManager) Verify(token, sessionID string) error {
	if token == "" || sessionID == "" {
		return ErrCSRFInvalid
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrCSRFInvalid
		}
		return c.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return ErrCSRFInvalid
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != sessionID {
		return ErrCSRFInvalid
	}

	return nil
}
