package archive

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/scanfleet/internal/archive/mocks"
	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/errors"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		queue, jobID string
		want         string
		wantErr      bool
	}{
		{"nmap.top", "0b1c6e64-5a5d-4a7b-9b43-5f6c8c3c9f10", "nmap.top/0b1c6e64-5a5d-4a7b-9b43-5f6c8c3c9f10", false},
		{"_orphan", "job", "_orphan/job", false},
		{"", "job", "", true},
		{"q", "", "", true},
		{"..", "job", "", true},
		{"q", "../../etc/passwd", "", true},
		{"q", "a/b", "q/a/b", false},
		{"/abs", "job", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.queue+"|"+tt.jobID, func(t *testing.T) {
			key, err := ObjectKey(tt.queue, tt.jobID)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, key)
		})
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewFileStore(root)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "q1/job-a", []byte("first")))
	require.NoError(t, store.Put(ctx, "q1/job-b", []byte("second")))
	require.NoError(t, store.Put(ctx, "q2/job-c", []byte("third")))
	require.NoError(t, store.Put(ctx, "q1/job-a", []byte("replaced")))

	data, err := store.Get(ctx, "q1/job-a")
	require.NoError(t, err)
	assert.Equal(t, []byte("replaced"), data)
	assert.FileExists(t, filepath.Join(root, "q1", "job-a"))

	keys, err := store.List(ctx, "q1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1/job-a", "q1/job-b"}, keys)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, store.Delete(ctx, "q1/job-a"))
	require.NoError(t, store.Delete(ctx, "q1/job-a"))
	_, err = store.Get(ctx, "q1/job-a")
	assert.True(t, stderrors.Is(err, ErrNotFound))

	assert.Error(t, store.Put(ctx, "../escape", []byte("x")))
	_, err = os.Stat(filepath.Join(filepath.Dir(root), "escape"))
	assert.True(t, os.IsNotExist(err))
}

func TestNewFileStoreEmptyRoot(t *testing.T) {
	_, err := NewFileStore("")
	assert.Error(t, err)
}

func TestNewBackend(t *testing.T) {
	store, err := New(context.Background(), config.ArchiveConfig{Backend: "filesystem", Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	_, err = New(context.Background(), config.ArchiveConfig{Backend: "tape"})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func newSpool(t *testing.T) *FileStore {
	t.Helper()
	spool, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return spool
}

func TestOutputStoreWriteRead(t *testing.T) {
	ctx := context.Background()
	outputs := NewOutputStore(newSpool(t), nil, nil)

	require.NoError(t, outputs.Write(ctx, "q", "job-1", []byte("zipdata")))
	data, err := outputs.Read(ctx, "q", "job-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("zipdata"), data)

	require.NoError(t, outputs.Delete(ctx, "q", "job-1"))
	_, err = outputs.Read(ctx, "q", "job-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeFileNotFound))
}

func TestOutputStoreArchive(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBlobstore(ctrl)
	spool := newSpool(t)
	outputs := NewOutputStore(spool, backend, nil)

	require.NoError(t, outputs.Write(ctx, "q", "job-1", []byte("zipdata")))
	backend.EXPECT().Put(gomock.Any(), "q/job-1", []byte("zipdata")).Return(nil)

	require.NoError(t, outputs.Archive(ctx, "q", "job-1"))
	_, err := spool.Get(ctx, "q/job-1")
	assert.True(t, stderrors.Is(err, ErrNotFound))

	backend.EXPECT().List(gomock.Any(), "q/").Return([]string{"q/job-1"}, nil)
	keys, err := outputs.Archived(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, []string{"q/job-1"}, keys)
}

func TestOutputStoreIsArchived(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBlobstore(ctrl)
	outputs := NewOutputStore(newSpool(t), backend, nil)

	backend.EXPECT().List(gomock.Any(), "q/job-1").Return([]string{"q/job-1", "q/job-10"}, nil)
	archived, err := outputs.IsArchived(ctx, "q", "job-1")
	require.NoError(t, err)
	assert.True(t, archived)

	backend.EXPECT().List(gomock.Any(), "q/job-2").Return([]string{"q/job-20"}, nil)
	archived, err = outputs.IsArchived(ctx, "q", "job-2")
	require.NoError(t, err)
	assert.False(t, archived)

	archived, err = NewOutputStore(newSpool(t), nil, nil).IsArchived(ctx, "q", "job-1")
	require.NoError(t, err)
	assert.False(t, archived)
}

func TestOutputStoreArchiveFailureKeepsSpool(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBlobstore(ctrl)
	spool := newSpool(t)
	outputs := NewOutputStore(spool, backend, nil)

	require.NoError(t, outputs.Write(ctx, "q", "job-2", []byte("data")))
	backend.EXPECT().Put(gomock.Any(), "q/job-2", gomock.Any()).Return(stderrors.New("unreachable"))

	err := outputs.Archive(ctx, "q", "job-2")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeArchiveFailed))

	data, err := spool.Get(ctx, "q/job-2")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)
}

func TestOutputStoreArchiveMissing(t *testing.T) {
	ctrl := gomock.NewController(t)
	outputs := NewOutputStore(newSpool(t), mocks.NewMockBlobstore(ctrl), nil)

	err := outputs.Archive(context.Background(), "q", "missing")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrNotFound))
}

func TestOutputStoreWithoutArchive(t *testing.T) {
	ctx := context.Background()
	spool := newSpool(t)
	outputs := NewOutputStore(spool, nil, nil)

	require.NoError(t, outputs.Write(ctx, "q", "job-3", []byte("data")))
	require.NoError(t, outputs.Archive(ctx, "q", "job-3"))
	_, err := spool.Get(ctx, "q/job-3")
	assert.True(t, stderrors.Is(err, ErrNotFound))

	keys, err := outputs.Archived(ctx, "q")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
