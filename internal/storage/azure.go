package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/bleepstore/resourcestore/internal/config"
	storeerr "github.com/bleepstore/resourcestore/internal/errors"
	"github.com/bleepstore/resourcestore/internal/keypath"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the backend uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// CreateContainer creates a container.
	CreateContainer(ctx context.Context, containerName string) error
	// UploadBlob uploads data to a blob, overwriting if it already exists.
	// A non-empty md5 is stored as the blob's Content-MD5.
	UploadBlob(ctx context.Context, containerName, blobName string, data, md5 []byte) error
	// DownloadBlob opens a blob for reading and returns its size.
	DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, int64, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// BlobExists checks if a blob exists.
	BlobExists(ctx context.Context, containerName, blobName string) (bool, error)
	// ListBlobs lists the blobs whose name starts with prefix.
	ListBlobs(ctx context.Context, containerName, prefix string) ([]AzureBlobInfo, error)
	// Ping checks that the account answers.
	Ping(ctx context.Context) error
}

// AzureBlobInfo is one entry of a blob listing.
type AzureBlobInfo struct {
	Name         string
	Size         int64
	LastModified time.Time
}

// AzureBackend implements Backend on Azure Blob Storage. A bucket is a
// container; every blob name is Prefix + key.
//
// Credentials come from a connection string when configured, otherwise from
// DefaultAzureCredential (env vars, managed identity, Azure CLI, etc.).
type AzureBackend struct {
	// AccountURL is the Azure storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string
	// Prefix is prepended to every key.
	Prefix string
	client AzureBlobAPI
}

// NewAzureBackend creates an AzureBackend from cfg and verifies that the
// account is reachable.
func NewAzureBackend(ctx context.Context, cfg config.AzureConfig) (*AzureBackend, error) {
	client, err := newRealAzureClient(cfg.AccountURL, cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	b := NewAzureBackendWithClient(cfg.AccountURL, cfg.Prefix, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot reach Azure storage account %q: %w", cfg.AccountURL, err)
	}

	slog.Info("Azure backend initialized", "account", cfg.AccountURL, "prefix", cfg.Prefix)
	return b, nil
}

// NewAzureBackendWithClient creates an AzureBackend with a pre-configured
// Azure client. This is primarily used for testing with mock clients.
func NewAzureBackendWithClient(accountURL, prefix string, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{
		AccountURL: accountURL,
		Prefix:     prefix,
		client:     client,
	}
}

// blobName maps a key to its blob name.
func (b *AzureBackend) blobName(key string) string {
	return b.Prefix + key
}

// CreateBucket creates the container. An existing container is success.
func (b *AzureBackend) CreateBucket(ctx context.Context, bucket string) error {
	if err := b.client.CreateContainer(ctx, bucket); err != nil {
		if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			return nil
		}
		return storeerr.StorageFault(err, "creating Azure container %q", bucket)
	}
	return nil
}

// PutObject uploads body as a block blob.
func (b *AzureBackend) PutObject(ctx context.Context, bucket, key string, body io.ReadCloser, opts PutOptions) (*PutResult, error) {
	if body == nil {
		return nil, storeerr.StorageFault(nil, "no input given for object %s/%s", bucket, key)
	}
	defer body.Close()

	var sum []byte
	if opts.Checksum != "" {
		raw, err := hex.DecodeString(opts.Checksum)
		if err != nil {
			return nil, storeerr.StorageFault(err, "invalid checksum %q for %s/%s", opts.Checksum, bucket, key)
		}
		sum = raw
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, storeerr.StorageFault(err, "reading object data for %s/%s", bucket, key)
	}
	if err := b.client.UploadBlob(ctx, bucket, b.blobName(key), data, sum); err != nil {
		return nil, storeerr.StorageFault(err, "uploading %s/%s to Azure Blob", bucket, key)
	}
	return &PutResult{Size: int64(len(data)), Checksum: opts.Checksum}, nil
}

// GetObject opens a blob for reading.
func (b *AzureBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	rc, size, err := b.client.DownloadBlob(ctx, bucket, b.blobName(key))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, storeerr.NotFound(bucket, key)
		}
		return nil, 0, storeerr.StorageFault(err, "downloading %s/%s from Azure Blob", bucket, key)
	}
	return rc, size, nil
}

// ListObjects lists blobs under prefix. A missing container lists as empty.
func (b *AzureBackend) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	blobs, err := b.client.ListBlobs(ctx, bucket, b.blobName(prefix))
	if err != nil {
		if isAzureNotFound(err) {
			return []ObjectInfo{}, nil
		}
		return nil, storeerr.StorageFault(err, "listing %s/%s in Azure Blob", bucket, prefix)
	}
	objects := make([]ObjectInfo, 0, len(blobs))
	for _, bl := range blobs {
		objects = append(objects, ObjectInfo{
			Key:          strings.TrimPrefix(bl.Name, b.Prefix),
			Size:         bl.Size,
			LastModified: bl.LastModified,
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// CopyObject downloads the source and uploads it to the destination.
// Server-side StartCopyFromURL needs a SAS for private sources, which this
// backend does not mint.
func (b *AzureBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*CopyResult, error) {
	rc, size, err := b.GetObject(ctx, srcBucket, srcKey)
	if err != nil {
		return nil, err
	}
	if _, err := b.PutObject(ctx, dstBucket, dstKey, rc, PutOptions{Size: size}); err != nil {
		return nil, err
	}
	return &CopyResult{LastModified: time.Now().UTC()}, nil
}

// DeleteObject removes a blob, or the folder below key + "/".
func (b *AzureBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	err := b.client.DeleteBlob(ctx, bucket, b.blobName(key))
	if err == nil {
		return nil
	}
	if !isAzureNotFound(err) {
		return storeerr.StorageFault(err, "deleting %s/%s from Azure Blob", bucket, key)
	}

	n, err := b.DeleteSubtree(ctx, bucket, key)
	if err != nil {
		return err
	}
	if n == 0 {
		return storeerr.StorageFault(nil, "attempted to delete entity that does not exist: %s/%s", bucket, key)
	}
	slog.Warn("Deleted folder recursively", "bucket", bucket, "key", key, "objects", n)
	return nil
}

// DeleteSubtree deletes every blob below the folder prefix.
func (b *AzureBackend) DeleteSubtree(ctx context.Context, bucket, prefix string) (int, error) {
	blobs, err := b.client.ListBlobs(ctx, bucket, b.blobName(keypath.NormalizePrefix(prefix)))
	if err != nil {
		if isAzureNotFound(err) {
			return 0, nil
		}
		return 0, storeerr.StorageFault(err, "listing %s/%s in Azure Blob", bucket, prefix)
	}
	deleted := 0
	for _, bl := range blobs {
		if err := b.client.DeleteBlob(ctx, bucket, bl.Name); err != nil {
			if isAzureNotFound(err) {
				continue
			}
			return deleted, storeerr.StorageFault(err, "deleting %s/%s from Azure Blob", bucket, bl.Name)
		}
		deleted++
	}
	return deleted, nil
}

// ObjectExists checks whether a blob exists.
func (b *AzureBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	exists, err := b.client.BlobExists(ctx, bucket, b.blobName(key))
	if err != nil {
		return false, storeerr.StorageFault(err, "checking blob existence %s/%s", bucket, key)
	}
	return exists, nil
}

// NewWriter buffers the payload and uploads it on Close.
func (b *AzureBackend) NewWriter(ctx context.Context, bucket, key string) (io.WriteCloser, error) {
	return newBufferedWriter(func(data []byte) error {
		if err := b.client.UploadBlob(ctx, bucket, b.blobName(key), data, nil); err != nil {
			return storeerr.StorageFault(err, "uploading %s/%s to Azure Blob", bucket, key)
		}
		return nil
	}), nil
}

// HealthCheck lists at most one container.
func (b *AzureBackend) HealthCheck(ctx context.Context) error {
	if err := b.client.Ping(ctx); err != nil {
		return storeerr.StorageFault(err, "listing Azure containers")
	}
	return nil
}

// Close is a no-op.
func (b *AzureBackend) Close() error {
	return nil
}

// isAzureNotFound checks if an Azure error is a 404/not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

var _ Backend = (*AzureBackend)(nil)
