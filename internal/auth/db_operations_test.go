package auth

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/errors"
)

var (
	keyCols    = []string{"id", "name", "key_prefix", "created_at", "last_used_at", "expires_at", "is_active", "usage_count"}
	storedCols = []string{"id", "name", "key_prefix", "key_hash", "created_at", "last_used_at", "expires_at",
		"is_active", "usage_count"}
	fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func newMockRepo(t *testing.T) (*APIKeyRepository, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	repo := NewAPIKeyRepository(db.New(sqlx.NewDb(conn, "sqlmock")), nil)
	repo.now = func() time.Time { return fixedNow }
	return repo, mock
}

type anyString struct{}

func (anyString) Match(v driver.Value) bool {
	_, ok := v.(string)
	return ok
}

func TestRepositoryCreate(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO api_keys (name, key_hash, key_prefix, expires_at)")).
		WithArgs("agent-01", anyString{}, anyString{}, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("0b7c", fixedNow))

	generated, err := repo.Create(context.Background(), "agent-01", nil)
	require.NoError(t, err)
	assert.Equal(t, "0b7c", generated.KeyInfo.ID)
	assert.Equal(t, fixedNow, generated.KeyInfo.CreatedAt)
	assert.True(t, wellFormed(generated.Key))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryCreateInvalidName(t *testing.T) {
	repo, mock := newMockRepo(t)

	_, err := repo.Create(context.Background(), "", nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryList(t *testing.T) {
	t.Run("active only", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta("WHERE is_active AND (expires_at IS NULL OR expires_at > $1)")).
			WithArgs(fixedNow).
			WillReturnRows(sqlmock.NewRows(keyCols).
				AddRow("1", "agent-01", "sfk_aaaaaaaa", fixedNow, nil, nil, true, 3))

		keys, err := repo.List(context.Background(), false)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, "agent-01", keys[0].Name)
		assert.Equal(t, 3, keys[0].UsageCount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("all", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(`FROM api_keys ORDER BY created_at DESC`).
			WillReturnRows(sqlmock.NewRows(keyCols).
				AddRow("1", "agent-01", "sfk_aaaaaaaa", fixedNow, nil, nil, true, 3).
				AddRow("2", "agent-02", "sfk_bbbbbbbb", fixedNow, nil, nil, false, 0))

		keys, err := repo.List(context.Background(), true)
		require.NoError(t, err)
		assert.Len(t, keys, 2)
		assert.False(t, keys[1].IsActive)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRepositoryRevoke(t *testing.T) {
	t.Run("revoked", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE api_keys SET is_active = false")).
			WithArgs("sfk_aaaaaaaa").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Revoke(context.Background(), "sfk_aaaaaaaa"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE api_keys SET is_active = false")).
			WithArgs("missing").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Revoke(context.Background(), "missing")
		assert.True(t, errors.IsCode(err, errors.CodeNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRepositoryValidate(t *testing.T) {
	key := "sfk_abcdefgh" + "234567abcdefghijklmnopqr"
	hash, err := hashKey(key)
	require.NoError(t, err)
	otherHash, err := hashKey("sfk_abcdefgh" + "zzzzzzzzzzzzzzzzzzzzzzzz")
	require.NoError(t, err)

	t.Run("match", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta("WHERE key_prefix = $1 AND is_active")).
			WithArgs("sfk_abcdefgh", fixedNow).
			WillReturnRows(sqlmock.NewRows(storedCols).
				AddRow("1", "collision", "sfk_abcdefgh", otherHash, fixedNow, nil, nil, true, 0).
				AddRow("2", "agent-01", "sfk_abcdefgh", hash, fixedNow, nil, nil, true, 7))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE api_keys SET last_used_at = $1, usage_count = usage_count + 1")).
			WithArgs(fixedNow, "2").
			WillReturnResult(sqlmock.NewResult(0, 1))

		info, err := repo.Validate(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, "agent-01", info.Name)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no match", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta("WHERE key_prefix = $1 AND is_active")).
			WithArgs("sfk_abcdefgh", fixedNow).
			WillReturnRows(sqlmock.NewRows(storedCols).
				AddRow("1", "collision", "sfk_abcdefgh", otherHash, fixedNow, nil, nil, true, 0))

		_, err := repo.Validate(context.Background(), key)
		assert.ErrorIs(t, err, errors.ErrUnauthorized)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("malformed key skips the database", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		_, err := repo.Validate(context.Background(), "Bearer nope")
		assert.ErrorIs(t, err, errors.ErrUnauthorized)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("usage update failure is tolerated", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta("WHERE key_prefix = $1 AND is_active")).
			WillReturnRows(sqlmock.NewRows(storedCols).
				AddRow("2", "agent-01", "sfk_abcdefgh", hash, fixedNow, nil, nil, true, 7))
		mock.ExpectExec("UPDATE api_keys SET last_used_at").WillReturnError(assert.AnError)

		info, err := repo.Validate(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, "2", info.ID)
	})
}

func TestRepositoryCleanupExpiredKeys(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("WHERE is_active AND expires_at IS NOT NULL AND expires_at < $1")).
		WithArgs(fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.CleanupExpiredKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
