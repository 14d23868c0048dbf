// Package archive stores raw job outputs. Outputs land in a filesystem spool
// when agents submit them and move to a Blobstore backend once drained.
package archive

//go:generate mockgen -source=blobstore.go -destination=mocks/blobstore_mock.go -package=mocks

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/errors"
)

// ErrNotFound is returned by Get for missing objects.
var ErrNotFound = errors.NewSchedulerError(errors.CodeFileNotFound, "object not found")

// Blobstore is a flat object store with slash separated keys.
// Deleting a missing object is not an error.
type Blobstore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// New builds the archive backend selected by configuration.
func New(ctx context.Context, cfg config.ArchiveConfig) (Blobstore, error) {
	switch cfg.Backend {
	case "", "filesystem":
		return NewFileStore(cfg.Path)
	case "minio":
		return NewMinIOStore(ctx, cfg.MinIO)
	case "azblob":
		return NewAzureStore(ctx, cfg.Azure)
	default:
		return nil, errors.ErrConfigInvalid("archive.backend", cfg.Backend)
	}
}

// ObjectKey joins a queue name and a job id into an object key.
func ObjectKey(queue, jobID string) (string, error) {
	key := queue + "/" + jobID
	if err := checkKey(key); err != nil {
		return "", err
	}
	return key, nil
}

func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key {
		return fmt.Errorf("invalid object key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid object key %q", key)
		}
	}
	return nil
}
