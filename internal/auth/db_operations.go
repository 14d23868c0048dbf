package auth

import (
	"context"
	"time"

	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
)

// APIKeyRepository provides database operations for API keys
type APIKeyRepository struct {
	db     *db.DB
	logger *logging.Logger
	now    func() time.Time
}

// NewAPIKeyRepository creates a new API key repository
func NewAPIKeyRepository(database *db.DB, logger *logging.Logger) *APIKeyRepository {
	if logger == nil {
		logger = logging.Default()
	}
	return &APIKeyRepository{
		db:     database,
		logger: logger.WithComponent("auth"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create generates a key, stores its hash and returns the clear text key.
func (r *APIKeyRepository) Create(ctx context.Context, name string, expiresAt *time.Time) (*GeneratedAPIKey, error) {
	generated, err := newAPIKey(name, expiresAt)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeValidation, err.Error(), err)
	}

	keyHash, err := hashKey(generated.Key)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO api_keys (name, key_hash, key_prefix, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	info := &generated.KeyInfo
	if err := r.db.QueryRowxContext(ctx, query, info.Name, keyHash, info.KeyPrefix, info.ExpiresAt).
		Scan(&info.ID, &info.CreatedAt); err != nil {
		return nil, db.SanitizeError("create api key", err)
	}
	return generated, nil
}

// List returns API keys, newest first. Revoked and expired keys are only
// included with all set.
func (r *APIKeyRepository) List(ctx context.Context, all bool) ([]APIKeyInfo, error) {
	query := `
		SELECT id, name, key_prefix, created_at, last_used_at, expires_at, is_active, usage_count
		FROM api_keys`
	args := []any{}
	if !all {
		query += ` WHERE is_active AND (expires_at IS NULL OR expires_at > $1)`
		args = append(args, r.now())
	}
	query += ` ORDER BY created_at DESC`

	var keys []APIKeyInfo
	if err := r.db.SelectContext(ctx, &keys, query, args...); err != nil {
		return nil, db.SanitizeError("list api keys", err)
	}
	return keys, nil
}

// Revoke deactivates a key by id or lookup prefix.
func (r *APIKeyRepository) Revoke(ctx context.Context, identifier string) error {
	query := `
		UPDATE api_keys SET is_active = false
		WHERE is_active AND (id::text = $1 OR key_prefix = $1)`

	result, err := r.db.ExecContext(ctx, query, identifier)
	if err != nil {
		return db.SanitizeError("revoke api key", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return db.SanitizeError("revoke api key", err)
	}
	if affected == 0 {
		return errors.NewDatabaseError(errors.CodeNotFound, "API key not found: "+identifier)
	}
	return nil
}

type storedKey struct {
	APIKeyInfo
	KeyHash string `db:"key_hash"`
}

// Validate resolves an agent key to its metadata. Unknown, revoked and
// expired keys return errors.ErrUnauthorized.
func (r *APIKeyRepository) Validate(ctx context.Context, apiKey string) (*APIKeyInfo, error) {
	if !wellFormed(apiKey) {
		return nil, errors.ErrUnauthorized
	}

	query := `
		SELECT id, name, key_prefix, key_hash, created_at, last_used_at, expires_at, is_active, usage_count
		FROM api_keys
		WHERE key_prefix = $1 AND is_active AND (expires_at IS NULL OR expires_at > $2)`

	var candidates []storedKey
	if err := r.db.SelectContext(ctx, &candidates, query, lookupPrefix(apiKey), r.now()); err != nil {
		return nil, db.SanitizeError("validate api key", err)
	}

	for i := range candidates {
		if !keyMatches(apiKey, candidates[i].KeyHash) {
			continue
		}
		info := candidates[i].APIKeyInfo
		r.touch(ctx, info.ID)
		return &info, nil
	}
	return nil, errors.ErrUnauthorized
}

// touch records key usage, a failure does not fail the authentication.
func (r *APIKeyRepository) touch(ctx context.Context, id string) {
	query := `UPDATE api_keys SET last_used_at = $1, usage_count = usage_count + 1 WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, r.now(), id); err != nil {
		r.logger.Warn("Failed to record API key usage", "key_id", id, "error", err)
	}
}

// CleanupExpiredKeys deactivates expired API keys
func (r *APIKeyRepository) CleanupExpiredKeys(ctx context.Context) (int, error) {
	query := `
		UPDATE api_keys SET is_active = false
		WHERE is_active AND expires_at IS NOT NULL AND expires_at < $1`

	result, err := r.db.ExecContext(ctx, query, r.now())
	if err != nil {
		return 0, db.SanitizeError("cleanup api keys", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, db.SanitizeError("cleanup api keys", err)
	}
	return int(affected), nil
}
