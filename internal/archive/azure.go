package archive

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/anstrom/scanfleet/internal/config"
)

// AzureStore keeps objects in an Azure Blob Storage container.
type AzureStore struct {
	client    *azblob.Client
	container string
}

// NewAzureStore connects with a connection string and creates the container
// when missing.
func NewAzureStore(ctx context.Context, cfg config.AzureConfig) (*AzureStore, error) {
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob storage client: %w", err)
	}

	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil &&
		!bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("failed to create container %s: %w", cfg.Container, err)
	}
	return &AzureStore{client: client, container: cfg.Container}, nil
}

// Put uploads an object.
func (s *AzureStore) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if _, err := s.client.UploadBuffer(ctx, s.container, key, data, &azblob.UploadBufferOptions{}); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Get downloads an object.
func (s *AzureStore) Get(ctx context.Context, key string) ([]byte, error) {
	response, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer response.Body.Close()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes an object.
func (s *AzureStore) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteBlob(ctx, s.container, key, nil); err != nil &&
		!bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// List returns the keys starting with prefix.
func (s *AzureStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs: %w", err)
		}
		for _, blob := range page.Segment.BlobItems {
			keys = append(keys, *blob.Name)
		}
	}
	return keys, nil
}
