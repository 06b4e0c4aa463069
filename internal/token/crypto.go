package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// secretBytes is the entropy of a generated token.
	secretBytes = 32

	// PlainLength is the length of the hex-encoded plaintext secret.
	PlainLength = secretBytes * 2

	// DefaultBcryptCost is the hashing cost for stored token hashes.
	DefaultBcryptCost = 12
)

// GenerateSecret produces a new cryptographically random token secret,
// hex-encoded. This plaintext is the caller-visible credential.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashSecret hashes a plaintext secret for storage.
func HashSecret(plain string, cost int) (string, error) {
	if cost <= 0 {
		cost = DefaultBcryptCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", fmt.Errorf("hash token secret: %w", err)
	}
	return string(hash), nil
}

// CompareSecret reports whether plain matches the stored hash.
func CompareSecret(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// ValidScopes is the fixed set of recognized scopes.
var ValidScopes = map[string]bool{
	ScopeRead:  true,
	ScopeWrite: true,
}

// ValidateScopes checks that the requested scope set is non-empty and every
// element is a recognized scope.
func ValidateScopes(scopes []string) error {
	if len(scopes) == 0 {
		return fmt.Errorf("at least one scope is required")
	}
	for _, s := range scopes {
		if !ValidScopes[s] {
			return fmt.Errorf("invalid scope %q (must be one of: read, write)", s)
		}
	}
	return nil
}
