package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrUnauthenticated = errors.New("no credentials provided")
	ErrForbidden       = errors.New("invalid credentials")
)

// Gate checks Authorization headers against one shared secret.
type Gate struct {
	secret []byte
}

func NewGate(secret string) *Gate {
	return &Gate{secret: []byte(secret)}
}

// Authenticate validates a "Bearer <token>" header value.
func (g *Gate) Authenticate(header string) error {
	if strings.TrimSpace(header) == "" {
		return ErrUnauthenticated
	}

	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || scheme != "Bearer" {
		return ErrForbidden
	}
	token = strings.TrimSpace(token)
	if len(g.secret) == 0 || token == "" {
		return ErrForbidden
	}
	if subtle.ConstantTimeCompare([]byte(token), g.secret) != 1 {
		return ErrForbidden
	}
	return nil
}
