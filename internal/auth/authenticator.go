package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
)

const (
	cacheSize = 1024
	cacheTTL  = time.Minute
)

// KeyValidator resolves a stored agent key.
type KeyValidator interface {
	Validate(ctx context.Context, apiKey string) (*APIKeyInfo, error)
}

// Authenticator checks agent keys against the static configuration keys and
// the database. Positive database lookups are cached for a minute, so a
// revoked key may be honoured until its cache entry expires.
type Authenticator struct {
	static [][]byte
	keys   KeyValidator
	cache  *expirable.LRU[string, string]
	logger *logging.Logger
}

// NewAuthenticator creates an authenticator. keys may be nil when only static
// keys are configured.
func NewAuthenticator(staticKeys []string, keys KeyValidator, logger *logging.Logger) *Authenticator {
	if logger == nil {
		logger = logging.Default()
	}
	a := &Authenticator{
		keys:   keys,
		cache:  expirable.NewLRU[string, string](cacheSize, nil, cacheTTL),
		logger: logger.WithComponent("auth"),
	}
	for _, key := range staticKeys {
		if key != "" {
			a.static = append(a.static, []byte(key))
		}
	}
	return a
}

// Authenticate returns the name of the key owner.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (string, error) {
	if apiKey == "" {
		return "", errors.ErrUnauthorized
	}

	for _, key := range a.static {
		if subtle.ConstantTimeCompare(key, []byte(apiKey)) == 1 {
			return "static", nil
		}
	}
	if a.keys == nil {
		return "", errors.ErrUnauthorized
	}

	digest := sha256.Sum256([]byte(apiKey))
	cacheKey := hex.EncodeToString(digest[:])
	if name, ok := a.cache.Get(cacheKey); ok {
		return name, nil
	}

	info, err := a.keys.Validate(ctx, apiKey)
	if err != nil {
		a.logger.Debug("Agent key rejected", "key", redact(apiKey), "error", err)
		return "", err
	}
	a.cache.Add(cacheKey, info.Name)
	a.logger.Debug("Agent key validated", "key_prefix", info.KeyPrefix, "name", info.Name)
	return info.Name, nil
}
