package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	auth := NewAuthService("secret")

	for _, want := range []Identity{
		{UserID: 42, Role: RoleUser},
		{UserID: 7, Role: RoleAdmin},
	} {
		signed, err := auth.IssueAccessToken(want, time.Minute)
		require.NoError(t, err)

		got, err := auth.ValidateToken(signed)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, want.Role == RoleAdmin, got.IsAdmin())
	}
}

func TestValidateTokenRejects(t *testing.T) {
	auth := NewAuthService("secret")
	sign := func(secret string, claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}
	exp := time.Now().Add(time.Minute).Unix()

	tests := map[string]string{
		"wrong secret":  sign("other", jwt.MapClaims{"sub": 1, "type": "access", "exp": exp}),
		"refresh token": sign("secret", jwt.MapClaims{"sub": 1, "type": "refresh", "exp": exp}),
		"missing sub":   sign("secret", jwt.MapClaims{"type": "access", "exp": exp}),
		"expired":       sign("secret", jwt.MapClaims{"sub": 1, "type": "access", "exp": time.Now().Add(-time.Minute).Unix()}),
		"garbage":       "not-a-token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := auth.ValidateToken(token)
			assert.Error(t, err)
		})
	}
}

func TestUnknownRoleFallsBackToUser(t *testing.T) {
	auth := NewAuthService("secret")
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  5,
		"role": "superuser",
		"type": "access",
		"exp":  time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	id, err := auth.ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, RoleUser, id.Role)
}
