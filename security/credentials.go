package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// TokenBytes is the entropy of codes, tokens, secrets and API keys.
	TokenBytes = 32

	// APIKeyPrefix marks the static API key namespace.
	APIKeyPrefix = "sk-"
)

// GenerateToken returns 32 random bytes, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateAPIKey returns a new "sk-" prefixed API key.
func GenerateAPIKey() (string, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	return APIKeyPrefix + token, nil
}

// IsAPIKey reports whether a bearer value has the API key shape.
func IsAPIKey(bearer string) bool {
	return strings.HasPrefix(bearer, APIKeyPrefix)
}

// HashToken returns the hex SHA-256 digest under which a credential is stored.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// HashSecret bcrypt-hashes a client secret.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret reports whether secret matches the bcrypt hash.
func VerifySecret(hash, secret string) bool {
	if hash == "" || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// ConstantTimeEqual compares two strings without leaking their common prefix length.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
