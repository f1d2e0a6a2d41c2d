// Package auth protects the registry mutation routes with a shared admin
// token whose pbkdf2 hash is supplied in configuration.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenHashIterations = 120000
	tokenHashSaltLength = 16
	tokenHashKeyLength  = 32
)

var (
	// ErrInvalidToken is returned when a presented token does not match.
	ErrInvalidToken = errors.New("invalid admin token")
	// ErrMissingToken is returned when a request carries no bearer token.
	ErrMissingToken = errors.New("admin token required")
)

// GenerateToken returns a random hex token of length bytes.
func GenerateToken(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("token length must be positive")
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashToken derives the encoded form "pbkdf2$sha256$<iter>$<salt>$<key>".
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	salt := make([]byte, tokenHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(token), salt, tokenHashIterations, tokenHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", tokenHashIterations, encodedSalt, encodedKey), nil
}

// Verifier checks candidate tokens against one encoded hash.
type Verifier struct {
	iterations int
	salt       []byte
	key        []byte
}

// NewVerifier parses an encoded hash produced by HashToken.
func NewVerifier(encodedHash string) (*Verifier, error) {
	parts := strings.Split(strings.TrimSpace(encodedHash), "$")
	if len(parts) != 5 {
		return nil, fmt.Errorf("parse token hash: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return nil, fmt.Errorf("parse token hash: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return nil, fmt.Errorf("parse token hash: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("parse token hash: decode salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(key) == 0 {
		return nil, fmt.Errorf("parse token hash: decode key")
	}
	return &Verifier{iterations: iterations, salt: salt, key: key}, nil
}

// Verify returns nil when candidate matches the configured hash.
func (v *Verifier) Verify(candidate string) error {
	if candidate == "" {
		return ErrMissingToken
	}
	derived := pbkdf2.Key([]byte(candidate), v.salt, v.iterations, len(v.key), sha256.New)
	if subtle.ConstantTimeCompare(derived, v.key) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
