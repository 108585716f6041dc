package storage

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	storeerr "github.com/bleepstore/resourcestore/internal/errors"
	"github.com/bleepstore/resourcestore/internal/keypath"
)

// memObject holds the raw data of an in-memory object.
type memObject struct {
	Data         []byte
	LastModified time.Time
}

// MemoryBackend implements Backend using in-memory maps. It follows the
// emulation's folder semantics: deleting a key that has objects below
// key + "/" removes that subtree.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]memObject // key: "bucket/key"
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string]memObject),
	}
}

// objectKey builds the map key for an object from its bucket and key.
func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

func validateObject(bucket, key string) error {
	if err := keypath.ValidateBucket(bucket); err != nil {
		return err
	}
	return keypath.ValidateKey(key)
}

// CreateBucket only validates the name: buckets exist implicitly through
// their objects.
func (b *MemoryBackend) CreateBucket(ctx context.Context, bucket string) error {
	return keypath.ValidateBucket(bucket)
}

// PutObject reads all data from body and stores it in memory.
func (b *MemoryBackend) PutObject(ctx context.Context, bucket, key string, body io.ReadCloser, opts PutOptions) (*PutResult, error) {
	if body == nil {
		return nil, storeerr.StorageFault(nil, "no input given for object %s/%s", bucket, key)
	}
	defer body.Close()

	if err := validateObject(bucket, key); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, storeerr.StorageFault(err, "reading object data for %s/%s", bucket, key)
	}
	b.store(bucket, key, data)
	return &PutResult{Size: int64(len(data)), Checksum: opts.Checksum}, nil
}

func (b *MemoryBackend) store(bucket, key string, data []byte) time.Time {
	now := time.Now()
	b.mu.Lock()
	b.objects[objectKey(bucket, key)] = memObject{Data: data, LastModified: now}
	b.mu.Unlock()
	return now
}

// GetObject returns a reader over a copy of the stored data.
func (b *MemoryBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	if err := validateObject(bucket, key); err != nil {
		return nil, 0, err
	}
	b.mu.RLock()
	obj, found := b.objects[objectKey(bucket, key)]
	b.mu.RUnlock()
	if !found {
		return nil, 0, storeerr.NotFound(bucket, key)
	}

	// Return a copy of the data so callers cannot mutate the stored slice.
	dataCopy := make([]byte, len(obj.Data))
	copy(dataCopy, obj.Data)
	return io.NopCloser(bytes.NewReader(dataCopy)), int64(len(dataCopy)), nil
}

// ListObjects returns the objects of bucket whose key starts with prefix,
// sorted by key.
func (b *MemoryBackend) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	if err := keypath.ValidateBucket(bucket); err != nil {
		return nil, err
	}
	full := objectKey(bucket, prefix)
	objects := []ObjectInfo{}

	b.mu.RLock()
	for k, obj := range b.objects {
		if strings.HasPrefix(k, full) {
			objects = append(objects, ObjectInfo{
				Key:          k[len(bucket)+1:],
				Size:         int64(len(obj.Data)),
				LastModified: obj.LastModified,
			})
		}
	}
	b.mu.RUnlock()

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// CopyObject copies an object within memory. Source and destination do not
// share storage.
func (b *MemoryBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*CopyResult, error) {
	if err := validateObject(dstBucket, dstKey); err != nil {
		return nil, err
	}
	rc, _, err := b.GetObject(ctx, srcBucket, srcKey)
	if err != nil {
		return nil, err
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	return &CopyResult{LastModified: b.store(dstBucket, dstKey, data)}, nil
}

// DeleteObject removes an object, or every object below key + "/" when key
// names a folder. Deleting a missing key is a StorageFault.
func (b *MemoryBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := validateObject(bucket, key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ok := objectKey(bucket, key)
	if _, found := b.objects[ok]; found {
		delete(b.objects, ok)
		return nil
	}
	n := b.removePrefixLocked(ok + keypath.Delimiter)
	if n == 0 {
		return storeerr.StorageFault(nil, "attempted to delete entity that does not exist: %s/%s", bucket, key)
	}
	slog.Warn("Deleted folder recursively", "bucket", bucket, "key", key, "objects", n)
	return nil
}

// DeleteSubtree removes every object below the folder prefix.
func (b *MemoryBackend) DeleteSubtree(ctx context.Context, bucket, prefix string) (int, error) {
	if err := keypath.ValidateBucket(bucket); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removePrefixLocked(objectKey(bucket, keypath.NormalizePrefix(prefix))), nil
}

// removePrefixLocked deletes all objects whose map key starts with prefix.
// The caller must hold b.mu.
func (b *MemoryBackend) removePrefixLocked(prefix string) int {
	n := 0
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			delete(b.objects, k)
			n++
		}
	}
	return n
}

// ObjectExists checks whether an object exists in the in-memory map.
func (b *MemoryBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	if err := validateObject(bucket, key); err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, found := b.objects[objectKey(bucket, key)]
	return found, nil
}

// NewWriter buffers writes and stores the object on Close.
func (b *MemoryBackend) NewWriter(ctx context.Context, bucket, key string) (io.WriteCloser, error) {
	if err := validateObject(bucket, key); err != nil {
		return nil, err
	}
	return newBufferedWriter(func(data []byte) error {
		b.store(bucket, key, data)
		return nil
	}), nil
}

// HealthCheck always returns nil for the memory backend since there is no
// external dependency to verify.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

// Close drops all objects.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	b.objects = make(map[string]memObject)
	b.mu.Unlock()
	return nil
}

// bufferedWriter collects writes and hands the whole payload to flush on
// Close. The SDK-backed backends use it where the client API wants a
// complete body.
type bufferedWriter struct {
	buf    bytes.Buffer
	flush  func([]byte) error
	closed bool
}

func newBufferedWriter(flush func([]byte) error) *bufferedWriter {
	return &bufferedWriter{flush: flush}
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, storeerr.StorageFault(nil, "write to closed object writer")
	}
	return w.buf.Write(p)
}

func (w *bufferedWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.flush(w.buf.Bytes())
}

var _ Backend = (*MemoryBackend)(nil)
