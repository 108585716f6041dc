// Package storage defines the object-store contract and its implementations:
// the filesystem emulation, an in-memory store, and gateways to AWS S3,
// Google Cloud Storage and Azure Blob Storage.
package storage

import (
	"context"
	"io"
	"time"
)

// Backend is the object-store contract. Implementations map low-level
// failures onto the internal/errors taxonomy: a missing object is NotFound,
// everything else a StorageFault.
type Backend interface {
	// CreateBucket ensures the bucket exists. Creating an existing bucket is
	// a no-op.
	CreateBucket(ctx context.Context, bucket string) error

	// PutObject writes body to bucket/key, replacing any previous content.
	// body is always closed, on success and on failure. A nil body is a
	// StorageFault.
	PutObject(ctx context.Context, bucket, key string, body io.ReadCloser, opts PutOptions) (*PutResult, error)

	// GetObject opens bucket/key for reading and returns the stream and its
	// length. The caller must close the stream.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)

	// ListObjects returns every object whose key starts with prefix, sorted
	// ascending by key. A missing bucket yields an empty result.
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)

	// CopyObject copies srcBucket/srcKey to dstBucket/dstKey. It is not
	// atomic.
	CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*CopyResult, error)

	// DeleteObject removes bucket/key. Deleting an object that does not exist
	// is a StorageFault. If key names a "folder" (objects exist below
	// key + "/") the whole subtree is removed.
	DeleteObject(ctx context.Context, bucket, key string) error

	// DeleteSubtree removes every object below the folder prefix and returns
	// how many were removed. A missing prefix removes nothing.
	DeleteSubtree(ctx context.Context, bucket, prefix string) (int, error)

	// ObjectExists reports whether bucket/key is an object. It only fails on
	// I/O faults.
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)

	// NewWriter returns a caller-owned sink for bucket/key. The object becomes
	// visible when the writer is closed.
	NewWriter(ctx context.Context, bucket, key string) (io.WriteCloser, error)

	// HealthCheck verifies that the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error
}

// PutOptions carries optional object attributes for PutObject.
type PutOptions struct {
	// Size is the declared payload length, or 0 if unknown. It is advisory.
	Size int64
	// Checksum is a caller-supplied lowercase hex MD5 of the payload.
	Checksum string
}

// PutResult describes a stored object.
type PutResult struct {
	// Size is the number of bytes written.
	Size int64
	// Checksum echoes PutOptions.Checksum.
	Checksum string
}

// CopyResult describes the destination of a copy.
type CopyResult struct {
	LastModified time.Time
}

// ObjectInfo is one entry of a listing.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}
