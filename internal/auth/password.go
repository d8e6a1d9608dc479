package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltBytes = 16
	keyBytes  = 32
	// MinIterations is the floor the hasher refuses to go below.
	MinIterations = 100000
)

// PasswordHasher derives and verifies PBKDF2-SHA256 password hashes.
// Plain passwords never leave this package.
type PasswordHasher struct {
	iterations int
}

func NewPasswordHasher(iterations int) (*PasswordHasher, error) {
	if iterations < MinIterations {
		return nil, fmt.Errorf("pbkdf2 iterations %d below minimum %d", iterations, MinIterations)
	}
	return &PasswordHasher{iterations: iterations}, nil
}

// Hash derives a hash with a fresh random salt. Returns hex-encoded
// (hash, salt).
func (h *PasswordHasher) Hash(password string) (string, string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, h.iterations, keyBytes, sha256.New)
	return hex.EncodeToString(key), hex.EncodeToString(salt), nil
}

// Verify re-derives the hash with the stored salt and compares in
// constant time.
func (h *PasswordHasher) Verify(password, storedHash, storedSalt string) bool {
	salt, err := hex.DecodeString(storedSalt)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(storedHash)
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, h.iterations, keyBytes, sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// NewFingerprint returns a random per-session value stored server-side
// and embedded in tokens. Never derived from the password.
func NewFingerprint() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate fingerprint: %w", err)
	}
	return hex.EncodeToString(b), nil
}
