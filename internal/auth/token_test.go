// ABOUTME: Tests for JWT verification and identity claim extraction
// ABOUTME: Covers sub/groups claims, expiry, and signing method checks

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate(&Identity{
		Sub:    "user-1",
		Name:   "Alice",
		Groups: []string{"imaging", "admins"},
	}, time.Hour)
	require.NoError(t, err)

	ident, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", ident.Sub)
	assert.Equal(t, "Alice", ident.Name)
	assert.Equal(t, []string{"imaging", "admins"}, ident.Groups)
}

func TestJWTVerifier_NoGroups(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate(&Identity{Sub: "user-1"}, time.Hour)
	require.NoError(t, err)

	ident, err := v.Verify(token)
	require.NoError(t, err)
	assert.Empty(t, ident.Groups)
}

func TestJWTVerifier_Expired(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate(&Identity{Sub: "user-1"}, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))
	other := NewJWTVerifier([]byte("other-secret"))

	token, err := v.Generate(&Identity{Sub: "user-1"}, time.Hour)
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_MissingSub(t *testing.T) {
	secret := []byte("test-secret")
	v := NewJWTVerifier(secret)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString(secret)
	require.NoError(t, err)

	_, err = v.Verify(signed)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestJWTVerifier_RejectsUnsignedToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user-1"})
	signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseFingerprintFromKey_Invalid(t *testing.T) {
	_, err := ParseFingerprintFromKey("not-a-key")
	assert.Error(t, err)
}
