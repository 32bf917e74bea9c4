// ABOUTME: JWT token verification for authenticating acting users
// ABOUTME: Uses HS256 signing with configurable secret; carries sub and groups

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Identity is the acting user extracted from a verified token. Groups feed
// the requirement resolver's ACL predicate.
type Identity struct {
	Sub    string
	Name   string
	Groups []string
}

// TokenVerifier defines the interface for token verification.
type TokenVerifier interface {
	Verify(tokenString string) (*Identity, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the identity from the "sub",
// "name", and "groups" claims.
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	ident := &Identity{Sub: sub}
	if name, ok := claims["name"].(string); ok {
		ident.Name = name
	}
	if groups, ok := claims["groups"].([]interface{}); ok {
		for _, g := range groups {
			if gs, ok := g.(string); ok {
				ident.Groups = append(ident.Groups, gs)
			}
		}
	}

	return ident, nil
}

// Generate creates a new JWT token for the given identity with expiration.
func (v *JWTVerifier) Generate(ident *Identity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": ident.Sub,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if ident.Name != "" {
		claims["name"] = ident.Name
	}
	if len(ident.Groups) > 0 {
		claims["groups"] = ident.Groups
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
