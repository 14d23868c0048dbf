package archive

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"

	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
)

// OutputStore holds job outputs keyed by queue name and job id. Received
// outputs are written to the spool; drained outputs are moved to the archive.
type OutputStore struct {
	spool   Blobstore
	archive Blobstore
	logger  *logging.Logger
}

// NewOutputStore creates an output store. A nil archive discards drained outputs.
func NewOutputStore(spool, archive Blobstore, logger *logging.Logger) *OutputStore {
	if logger == nil {
		logger = logging.Default()
	}
	return &OutputStore{
		spool:   spool,
		archive: archive,
		logger:  logger.WithComponent("archive"),
	}
}

// Write spools a received job output.
func (s *OutputStore) Write(ctx context.Context, queue, jobID string, data []byte) error {
	key, err := ObjectKey(queue, jobID)
	if err != nil {
		return err
	}
	return s.spool.Put(ctx, key, data)
}

// Read returns a spooled job output.
func (s *OutputStore) Read(ctx context.Context, queue, jobID string) ([]byte, error) {
	key, err := ObjectKey(queue, jobID)
	if err != nil {
		return nil, err
	}
	data, err := s.spool.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return nil, &errors.SchedulerError{
				Code: errors.CodeFileNotFound, Message: "job output not found", Queue: queue, JobID: jobID,
			}
		}
		return nil, err
	}
	return data, nil
}

// Delete removes a spooled job output. Archived copies are kept.
func (s *OutputStore) Delete(ctx context.Context, queue, jobID string) error {
	key, err := ObjectKey(queue, jobID)
	if err != nil {
		return err
	}
	return s.spool.Delete(ctx, key)
}

// Archive moves a spooled output to the archive backend.
func (s *OutputStore) Archive(ctx context.Context, queue, jobID string) error {
	key, err := ObjectKey(queue, jobID)
	if err != nil {
		return err
	}

	if s.archive != nil {
		data, err := s.spool.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("archive %s: %w", key, err)
		}
		if err := s.archive.Put(ctx, key, data); err != nil {
			return errors.WrapSchedulerError(errors.CodeArchiveFailed, "failed to archive job output", err)
		}
	}

	if err := s.spool.Delete(ctx, key); err != nil {
		return err
	}
	s.logger.Debug("Job output archived", "key", key, "kept", s.archive != nil)
	return nil
}

// IsArchived reports whether the archive backend holds the job output.
func (s *OutputStore) IsArchived(ctx context.Context, queue, jobID string) (bool, error) {
	key, err := ObjectKey(queue, jobID)
	if err != nil {
		return false, err
	}
	if s.archive == nil {
		return false, nil
	}
	keys, err := s.archive.List(ctx, key)
	if err != nil {
		return false, err
	}
	return slices.Contains(keys, key), nil
}

// Archived lists the archived job outputs of a queue.
func (s *OutputStore) Archived(ctx context.Context, queue string) ([]string, error) {
	if s.archive == nil {
		return nil, nil
	}
	return s.archive.List(ctx, queue+"/")
}
