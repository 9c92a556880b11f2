package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	s := NewJWTService("secret", 1)
	tok, err := s.Generate("coach-42", "c@example.com", "coach")
	require.NoError(t, err)

	claims, err := s.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "coach-42", claims.UserID)
	assert.Equal(t, "coach", claims.Role)

	uid, role, err := s.Validator()(tok)
	require.NoError(t, err)
	assert.Equal(t, "coach-42", uid)
	assert.Equal(t, "coach", role)
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	tok, err := NewJWTService("other", 1).Generate("u1", "", "admin")
	require.NoError(t, err)
	_, err = NewJWTService("secret", 1).Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsExpired(t *testing.T) {
	tok, err := NewJWTService("secret", -1).Generate("u1", "", "admin")
	require.NoError(t, err)
	_, err = NewJWTService("secret", 1).Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateRejectsOtherIssuerAndAlg(t *testing.T) {
	s := NewJWTService("secret", 1)
	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:           "u1",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	tok, err := foreign.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = s.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	hs512 := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		UserID:           "u1",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	tok, err = hs512.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = s.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseIdentity(t *testing.T) {
	tok, err := NewJWTService("whatever", 1).Generate("client-7", "", "client")
	require.NoError(t, err)

	id := ParseIdentity(tok)
	assert.Equal(t, Identity{UserID: "client-7", Role: "client"}, id)

	for _, bad := range []string{"", "not-a-jwt"} {
		anon := ParseIdentity(bad)
		assert.True(t, anon.Anonymous)
		assert.True(t, strings.HasPrefix(anon.UserID, anonymousPrefix))
	}
	assert.NotEqual(t, ParseIdentity("").UserID, ParseIdentity("").UserID)
}
