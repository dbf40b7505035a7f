package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// APIKeyPrefix identifies Arkivo agent keys at a glance in logs and
	// configs without revealing key material.
	APIKeyPrefix = "ak_"

	apiKeyBytes = 32
)

// GenerateAPIKey creates a new agent API key. The plaintext is returned
// exactly once; only the hash is ever stored.
func GenerateAPIKey() (plaintext, hash string, err error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	plaintext = APIKeyPrefix + hex.EncodeToString(buf)
	return plaintext, HashAPIKey(plaintext), nil
}

// HashAPIKey returns the hex-encoded SHA-256 digest of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// IsValidAPIKeyFormat reports whether a string is shaped like an agent
// API key. It does not check the key against the database.
func IsValidAPIKeyFormat(key string) bool {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return false
	}
	body := strings.TrimPrefix(key, APIKeyPrefix)
	if len(body) != apiKeyBytes*2 {
		return false
	}
	_, err := hex.DecodeString(body)
	return err == nil
}

// SecureCompareHash compares two key hashes in constant time.
func SecureCompareHash(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ExtractBearerToken pulls the token out of an Authorization header value.
// Returns an empty string when the header is missing or malformed.
func ExtractBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
