// ABOUTME: Generation of linking codes and bearer tokens from crypto/rand
// ABOUTME: Public and poll codes are independent so one never leaks the other

package codes

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"fmt"
)

// Lengths in bytes of raw entropy. 16 bytes = 128 bits for codes,
// 32 bytes for bearer tokens.
const (
	codeEntropy   = 16
	tokenEntropy  = 32
	pollChallenge = 24
)

// lowerBase32 encodes without padding using a lowercase alphabet so public
// codes are easy to read back over voice or type on a device keyboard.
var lowerBase32 = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// NewLinkingCode returns a fresh public code for a linking session. The code
// is shown on (or entered into) the device and is safe to display: it grants
// nothing by itself.
func NewLinkingCode() (string, error) {
	b := make([]byte, codeEntropy)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return lowerBase32.EncodeToString(b), nil
}

// NewPollCode returns the secret challenge code used to poll session status.
// It is generated independently of the public code; knowledge of one must
// not leak the other.
func NewPollCode() (string, error) {
	b := make([]byte, pollChallenge)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewBearerToken returns an unguessable capability token for a bound subject.
// Uniqueness is enforced by the store's constraint on the token column, not
// here; a collision surfaces as a constraint violation rather than a silent
// overwrite.
func NewBearerToken() (string, error) {
	b := make([]byte, tokenEntropy)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewClientSecret returns an OAuth2 client secret for a materialized client.
func NewClientSecret() (string, error) {
	return NewBearerToken()
}
