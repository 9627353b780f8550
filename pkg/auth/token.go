package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

// TokenPrefix marks agent bearer tokens so they are recognisable in configs and logs.
const TokenPrefix = "agt_"

const fingerprintPrefixLen = 16

var (
	ErrMissingCredentials = errors.New("missing bearer token")
	ErrMalformedHeader    = errors.New("invalid token header")
)

// GenerateToken returns a new opaque agent token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, error) {
	parts := strings.Fields(header)
	if len(parts) == 0 {
		return "", ErrMissingCredentials
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrMissingCredentials
	}
	if len(parts) != 2 {
		// "Bearer" alone, or a token containing spaces
		return "", ErrMalformedHeader
	}
	return parts[1], nil
}

func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// FingerprintPrefix shortens a fingerprint for logs. Full fingerprints are never logged.
func FingerprintPrefix(fingerprint string) string {
	if len(fingerprint) <= fingerprintPrefixLen {
		return fingerprint + "..."
	}
	return fingerprint[:fingerprintPrefixLen] + "..."
}
