// Package auth holds the signed-in user's session token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vbonduro/siteassess/internal/domain"
)

type Claims struct {
	jwt.RegisteredClaims
}

// Session validates HS256 access tokens and remembers the current one.
type Session struct {
	secret []byte
	now    func() time.Time

	mu     sync.RWMutex
	token  string
	claims *Claims
}

func NewSession(secret string) *Session {
	return &Session{secret: []byte(secret), now: time.Now}
}

// Issue signs an access token for userID.
func (s *Session) Issue(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id required")
	}
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Session) parse(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	parsed, err := parser.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// SetToken validates tokenString and makes it the session token.
func (s *Session) SetToken(tokenString string) error {
	claims, err := s.parse(tokenString)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.token = tokenString
	s.claims = claims
	s.mu.Unlock()
	return nil
}

// Clear signs the user out.
func (s *Session) Clear() {
	s.mu.Lock()
	s.token = ""
	s.claims = nil
	s.mu.Unlock()
}

// CurrentUser returns the signed-in user id, or ErrUnauthenticated when
// there is no token or it has expired.
func (s *Session) CurrentUser(context.Context) (string, error) {
	s.mu.RLock()
	claims := s.claims
	s.mu.RUnlock()
	if claims == nil {
		return "", domain.ErrUnauthenticated
	}
	if claims.ExpiresAt != nil && !s.now().Before(claims.ExpiresAt.Time) {
		return "", fmt.Errorf("session expired: %w", domain.ErrUnauthenticated)
	}
	return claims.Subject, nil
}
