package storage

import (
	"context"
	"io"
	"time"

	"github.com/bleepstore/resourcestore/internal/metrics"
)

// InstrumentedBackend records Prometheus metrics around every call of the
// wrapped backend.
type InstrumentedBackend struct {
	Backend
	name string
}

// Instrumented wraps b so that its operations are counted and timed under
// the backend label name.
func Instrumented(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{Backend: b, name: name}
}

// Unwrap returns the decorated backend.
func (i *InstrumentedBackend) Unwrap() Backend {
	return i.Backend
}

// observe records one call of op that began at start.
func (i *InstrumentedBackend) observe(op string, start time.Time, err error) {
	metrics.StorageOperationsTotal.WithLabelValues(i.name, op, metrics.Status(err)).Inc()
	metrics.StorageOperationDuration.WithLabelValues(i.name, op).Observe(time.Since(start).Seconds())
}

// CreateBucket creates the bucket on the wrapped backend and records the call.
func (i *InstrumentedBackend) CreateBucket(ctx context.Context, bucket string) error {
	start := time.Now()
	err := i.Backend.CreateBucket(ctx, bucket)
	i.observe("CreateBucket", start, err)
	return err
}

// HealthCheck probes the wrapped backend and records the call.
func (i *InstrumentedBackend) HealthCheck(ctx context.Context) error {
	start := time.Now()
	err := i.Backend.HealthCheck(ctx)
	i.observe("HealthCheck", start, err)
	return err
}

// PutObject stores the object and adds its size to the bytes-written counter.
func (i *InstrumentedBackend) PutObject(ctx context.Context, bucket, key string, body io.ReadCloser, opts PutOptions) (*PutResult, error) {
	start := time.Now()
	res, err := i.Backend.PutObject(ctx, bucket, key, body, opts)
	i.observe("PutObject", start, err)
	if err == nil {
		metrics.BytesWrittenTotal.WithLabelValues(i.name).Add(float64(res.Size))
	}
	return res, err
}

// GetObject opens the object. Bytes are counted as the caller reads them.
func (i *InstrumentedBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	start := time.Now()
	rc, size, err := i.Backend.GetObject(ctx, bucket, key)
	i.observe("GetObject", start, err)
	if err != nil {
		return nil, 0, err
	}
	return &countingReader{ReadCloser: rc, backend: i.name}, size, nil
}

// ListObjects lists keys under prefix on the wrapped backend.
func (i *InstrumentedBackend) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	start := time.Now()
	objs, err := i.Backend.ListObjects(ctx, bucket, prefix)
	i.observe("ListObjects", start, err)
	return objs, err
}

// CopyObject copies an object on the wrapped backend.
func (i *InstrumentedBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*CopyResult, error) {
	start := time.Now()
	res, err := i.Backend.CopyObject(ctx, srcBucket, srcKey, dstBucket, dstKey)
	i.observe("CopyObject", start, err)
	return res, err
}

// DeleteObject removes one object from the wrapped backend.
func (i *InstrumentedBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	start := time.Now()
	err := i.Backend.DeleteObject(ctx, bucket, key)
	i.observe("DeleteObject", start, err)
	return err
}

// DeleteSubtree removes every object under prefix and returns the count.
func (i *InstrumentedBackend) DeleteSubtree(ctx context.Context, bucket, prefix string) (int, error) {
	start := time.Now()
	n, err := i.Backend.DeleteSubtree(ctx, bucket, prefix)
	i.observe("DeleteSubtree", start, err)
	return n, err
}

// ObjectExists reports whether the object exists on the wrapped backend.
func (i *InstrumentedBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	start := time.Now()
	ok, err := i.Backend.ObjectExists(ctx, bucket, key)
	i.observe("ObjectExists", start, err)
	return ok, err
}

// NewWriter opens a streaming sink. Bytes are counted as the caller writes them.
func (i *InstrumentedBackend) NewWriter(ctx context.Context, bucket, key string) (io.WriteCloser, error) {
	start := time.Now()
	w, err := i.Backend.NewWriter(ctx, bucket, key)
	i.observe("NewWriter", start, err)
	if err != nil {
		return nil, err
	}
	return &countingWriter{WriteCloser: w, backend: i.name}, nil
}

// countingReader adds every byte read to BytesReadTotal.
type countingReader struct {
	io.ReadCloser
	backend string
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if n > 0 {
		metrics.BytesReadTotal.WithLabelValues(c.backend).Add(float64(n))
	}
	return n, err
}

// countingWriter adds every byte written to BytesWrittenTotal.
type countingWriter struct {
	io.WriteCloser
	backend string
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.WriteCloser.Write(p)
	if n > 0 {
		metrics.BytesWrittenTotal.WithLabelValues(c.backend).Add(float64(n))
	}
	return n, err
}

var _ Backend = (*InstrumentedBackend)(nil)
