package auth

import (
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Session answers who the signed-in user is. ok is false when nobody is
// signed in, which callers treat as "not ready" rather than a failure.
type Session interface {
	CurrentUserID() (userID string, ok bool)
}

// StaticSession is a fixed user, or no user when empty.
type StaticSession string

func (s StaticSession) CurrentUserID() (string, bool) {
	return string(s), s != ""
}

// Claims are the access-token claims the backend issues.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenSession derives the current user from a backend access token.
// An expired or missing token means no current user.
type TokenSession struct {
	secret []byte
	mu     sync.RWMutex
	token  string
}

func NewTokenSession(secret string, token string) *TokenSession {
	return &TokenSession{secret: []byte(secret), token: token}
}

// SetToken swaps the access token, e.g. after a refresh or sign-out.
func (s *TokenSession) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *TokenSession) CurrentUserID() (string, bool) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token == "" {
		return "", false
	}

	claims, err := s.Parse(token)
	if err != nil || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}

// Parse validates the token signature and expiry.
func (s *TokenSession) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	return claims, nil
}
