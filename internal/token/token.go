// Package token generates the opaque credentials the gateway hands out
// (API keys, OAuth codes, refresh tokens) and verifies PKCE challenges.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PKCE verification errors.
var (
	ErrPKCEMethodNotSupported = errors.New("only S256 code_challenge_method is supported")
	ErrPKCEVerificationFailed = errors.New("PKCE code_verifier verification failed")
	ErrPKCEVerifierLength     = errors.New("code_verifier must be 43-128 characters")
)

// NewAPIKey returns a new bearer API key. The key is stable per athlete:
// the store only calls this on first authorization.
func NewAPIKey() string {
	return uuid.NewString()
}

// NewSecret returns n random bytes as unpadded base64url.
func NewSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// S256Challenge computes the S256 code challenge for a verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyS256 checks a PKCE verifier against a stored challenge. Only the
// S256 method is accepted; plain is rejected outright.
func VerifyS256(verifier, challenge, method string) error {
	if method != "" && method != "S256" {
		return ErrPKCEMethodNotSupported
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return ErrPKCEVerifierLength
	}
	computed := S256Challenge(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrPKCEVerificationFailed
	}
	return nil
}
