// Package auth manages the API keys scan agents use against the scheduler
// endpoints. Keys are random, shown once at creation and stored as bcrypt
// hashes next to a short lookup prefix.
package auth

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// Agent keys look like "sfk_" followed by 32 characters of lowercase base32.
// The first lookupLength of them are stored in clear text to find the
// candidate hash rows.
const (
	keyScheme     = "sfk_"
	keyRandBytes  = 20
	keyBodyLength = 32
	lookupLength  = 8
	maxNameLength = 255
)

var keyEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// hashCost is lowered by tests.
var hashCost = 12

// APIKeyInfo is a stored key without its hash.
type APIKeyInfo struct {
	ID         string     `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	UsageCount int        `json:"usage_count" db:"usage_count"`
}

// IsExpired reports whether the key has passed its expiry.
func (k *APIKeyInfo) IsExpired() bool {
	return k.ExpiresAt != nil && !time.Now().Before(*k.ExpiresAt)
}

// GeneratedAPIKey is a freshly created key. Key is never stored.
type GeneratedAPIKey struct {
	Key     string     `json:"key"`
	KeyInfo APIKeyInfo `json:"key_info"`
}

func newAPIKey(name string, expiresAt *time.Time) (*GeneratedAPIKey, error) {
	if err := checkKeyName(name); err != nil {
		return nil, fmt.Errorf("invalid key name: %w", err)
	}

	raw := make([]byte, keyRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	key := keyScheme + keyEncoding.EncodeToString(raw)

	return &GeneratedAPIKey{
		Key: key,
		KeyInfo: APIKeyInfo{
			Name:      name,
			KeyPrefix: lookupPrefix(key),
			CreatedAt: time.Now().UTC(),
			ExpiresAt: expiresAt,
			IsActive:  true,
		},
	}, nil
}

// wellFormed checks scheme, length and alphabet of an agent key.
func wellFormed(key string) bool {
	body, ok := strings.CutPrefix(key, keyScheme)
	if !ok || len(body) != keyBodyLength {
		return false
	}
	_, err := keyEncoding.DecodeString(body)
	return err == nil
}

// lookupPrefix returns the clear text part kept in the database, for example
// "sfk_abcdefgh", or "" for a malformed key.
func lookupPrefix(key string) string {
	if !wellFormed(key) {
		return ""
	}
	return key[:len(keyScheme)+lookupLength]
}

// redact renders a key for logs.
func redact(key string) string {
	if prefix := lookupPrefix(key); prefix != "" {
		return prefix + "..."
	}
	return "malformed"
}

func hashKey(key string) (string, error) {
	if !wellFormed(key) {
		return "", fmt.Errorf("refusing to hash malformed API key")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), hashCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

func keyMatches(key, hash string) bool {
	if key == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// checkKeyName rejects empty and overlong names and names with control or
// bidi formatting characters, which would garble the key listing.
func checkKeyName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("key name cannot be empty")
	case len(name) > maxNameLength:
		return fmt.Errorf("key name must be at most %d characters", maxNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) || unicode.Is(unicode.Bidi_Control, r) {
			return fmt.Errorf("key name contains invalid characters")
		}
	}
	return nil
}
