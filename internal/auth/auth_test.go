package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/siteassess/internal/domain"
)

func TestSessionRoundTrip(t *testing.T) {
	s := NewSession("secret")
	token, err := s.Issue("user-1", time.Hour)
	require.NoError(t, err)

	_, err = s.CurrentUser(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	require.NoError(t, s.SetToken(token))
	user, err := s.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-1", user)

	s.Clear()
	_, err = s.CurrentUser(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestSessionRejectsForeignSignature(t *testing.T) {
	token, err := NewSession("other").Issue("user-1", time.Hour)
	require.NoError(t, err)
	assert.Error(t, NewSession("secret").SetToken(token))
}

func TestSessionRejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	assert.Error(t, NewSession("secret").SetToken(token))
}

func TestSessionExpires(t *testing.T) {
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s := NewSession("secret")
	s.now = func() time.Time { return clock }

	token, err := s.Issue("user-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.SetToken(token))

	clock = clock.Add(2 * time.Minute)
	_, err = s.CurrentUser(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.Error(t, s.SetToken(token))
}
