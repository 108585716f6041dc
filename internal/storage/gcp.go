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

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/bleepstore/resourcestore/internal/config"
	storeerr "github.com/bleepstore/resourcestore/internal/errors"
	"github.com/bleepstore/resourcestore/internal/keypath"
)

// GCSAPI defines the subset of the GCS client interface that the backend
// uses. This allows mocking in tests.
type GCSAPI interface {
	// CreateBucket creates a bucket in project.
	CreateBucket(ctx context.Context, bucket, project string) error
	// NewWriter returns a writer for the given GCS object. A non-empty md5
	// is verified by the service when the writer is closed.
	NewWriter(ctx context.Context, bucket, object string, md5 []byte) GCSWriter
	// NewReader returns a reader for the given GCS object and its size.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// Copy copies a GCS object server-side.
	Copy(ctx context.Context, srcBucket, srcObject, dstBucket, dstObject string) (*GCSAttrs, error)
	// ListObjects lists objects with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]GCSAttrs, error)
	// Ping checks that the service answers for project.
	Ping(ctx context.Context, project string) error
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Name    string
	Size    int64
	Updated time.Time
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) CreateBucket(ctx context.Context, bucket, project string) error {
	return c.client.Bucket(bucket).Create(ctx, project, nil)
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string, md5 []byte) GCSWriter {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	if len(md5) > 0 {
		w.MD5 = md5
	}
	return w
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error) {
	r, err := c.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, 0, err
	}
	return r, r.Attrs.Size, nil
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Name: attrs.Name, Size: attrs.Size, Updated: attrs.Updated}, nil
}

func (c *realGCSClient) Copy(ctx context.Context, srcBucket, srcObject, dstBucket, dstObject string) (*GCSAttrs, error) {
	src := c.client.Bucket(srcBucket).Object(srcObject)
	dst := c.client.Bucket(dstBucket).Object(dstObject)
	attrs, err := dst.CopierFrom(src).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Name: attrs.Name, Size: attrs.Size, Updated: attrs.Updated}, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]GCSAttrs, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var objects []GCSAttrs
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		objects = append(objects, GCSAttrs{Name: attrs.Name, Size: attrs.Size, Updated: attrs.Updated})
	}
	return objects, nil
}

func (c *realGCSClient) Close() error {
	return c.client.Close()
}

func (c *realGCSClient) Ping(ctx context.Context, project string) error {
	_, err := c.client.Buckets(ctx, project).Next()
	if errors.Is(err, iterator.Done) {
		return nil
	}
	return err
}

// GCPBackend implements Backend on Google Cloud Storage. Buckets are real
// GCS buckets; every object name is Prefix + key.
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
type GCPBackend struct {
	// Project is the GCP project ID used to create buckets.
	Project string
	// Prefix is prepended to every key.
	Prefix string
	client GCSAPI
}

// NewGCPBackend creates a GCPBackend from cfg. When a project is set, the
// service is probed once so that bad credentials fail at startup.
func NewGCPBackend(ctx context.Context, cfg config.GCPConfig) (*GCPBackend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := NewGCPBackendWithClient(cfg.Project, cfg.Prefix, &realGCSClient{client: client})
	if cfg.Project != "" {
		if err := b.HealthCheck(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("cannot reach GCS for project %q: %w", cfg.Project, err)
		}
	}

	slog.Info("GCP backend initialized", "project", cfg.Project, "prefix", cfg.Prefix)
	return b, nil
}

// NewGCPBackendWithClient creates a GCPBackend with a pre-configured GCS
// client. This is primarily used for testing with mock clients.
func NewGCPBackendWithClient(project, prefix string, client GCSAPI) *GCPBackend {
	return &GCPBackend{
		Project: project,
		Prefix:  prefix,
		client:  client,
	}
}

// gcsKey maps a key to its GCS object name.
func (b *GCPBackend) gcsKey(key string) string {
	return b.Prefix + key
}

// CreateBucket creates a GCS bucket. A 409 (already exists) is success.
func (b *GCPBackend) CreateBucket(ctx context.Context, bucket string) error {
	if b.Project == "" {
		return storeerr.StorageFault(nil, "storage.gcp.project is required to create bucket %q", bucket)
	}
	if err := b.client.CreateBucket(ctx, bucket, b.Project); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
			return nil
		}
		return storeerr.StorageFault(err, "creating GCS bucket %q", bucket)
	}
	return nil
}

// PutObject uploads body to GCS.
func (b *GCPBackend) PutObject(ctx context.Context, bucket, key string, body io.ReadCloser, opts PutOptions) (*PutResult, error) {
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

	w := b.client.NewWriter(ctx, bucket, b.gcsKey(key), sum)
	n, err := io.Copy(w, body)
	if err != nil {
		_ = w.Close()
		return nil, storeerr.StorageFault(err, "uploading %s/%s to GCS", bucket, key)
	}
	if err := w.Close(); err != nil {
		return nil, storeerr.StorageFault(err, "finalizing GCS upload of %s/%s", bucket, key)
	}
	return &PutResult{Size: n, Checksum: opts.Checksum}, nil
}

// GetObject opens a GCS object for reading.
func (b *GCPBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	rc, size, err := b.client.NewReader(ctx, bucket, b.gcsKey(key))
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, storeerr.NotFound(bucket, key)
		}
		return nil, 0, storeerr.StorageFault(err, "reading %s/%s from GCS", bucket, key)
	}
	return rc, size, nil
}

// ListObjects lists objects under prefix. A missing bucket lists as empty.
func (b *GCPBackend) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	attrs, err := b.client.ListObjects(ctx, bucket, b.gcsKey(prefix))
	if err != nil {
		if isGCSNotFound(err) {
			return []ObjectInfo{}, nil
		}
		return nil, storeerr.StorageFault(err, "listing %s/%s in GCS", bucket, prefix)
	}
	objects := make([]ObjectInfo, 0, len(attrs))
	for _, a := range attrs {
		objects = append(objects, ObjectInfo{
			Key:          strings.TrimPrefix(a.Name, b.Prefix),
			Size:         a.Size,
			LastModified: a.Updated,
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// CopyObject uses GCS server-side copy.
func (b *GCPBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*CopyResult, error) {
	attrs, err := b.client.Copy(ctx, srcBucket, b.gcsKey(srcKey), dstBucket, b.gcsKey(dstKey))
	if err != nil {
		if isGCSNotFound(err) {
			return nil, storeerr.NotFound(srcBucket, srcKey)
		}
		return nil, storeerr.StorageFault(err, "copying %s/%s to %s/%s in GCS", srcBucket, srcKey, dstBucket, dstKey)
	}
	return &CopyResult{LastModified: attrs.Updated}, nil
}

// DeleteObject removes an object, or the folder below key + "/".
func (b *GCPBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	err := b.client.Delete(ctx, bucket, b.gcsKey(key))
	if err == nil {
		return nil
	}
	if !isGCSNotFound(err) {
		return storeerr.StorageFault(err, "deleting %s/%s from GCS", bucket, key)
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

// DeleteSubtree deletes every object below the folder prefix one by one.
// Objects that vanish concurrently are not counted.
func (b *GCPBackend) DeleteSubtree(ctx context.Context, bucket, prefix string) (int, error) {
	attrs, err := b.client.ListObjects(ctx, bucket, b.gcsKey(keypath.NormalizePrefix(prefix)))
	if err != nil {
		if isGCSNotFound(err) {
			return 0, nil
		}
		return 0, storeerr.StorageFault(err, "listing %s/%s in GCS", bucket, prefix)
	}
	deleted := 0
	for _, a := range attrs {
		if err := b.client.Delete(ctx, bucket, a.Name); err != nil {
			if isGCSNotFound(err) {
				continue
			}
			return deleted, storeerr.StorageFault(err, "deleting %s/%s from GCS", bucket, a.Name)
		}
		deleted++
	}
	return deleted, nil
}

// ObjectExists checks whether an object exists.
func (b *GCPBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := b.client.Attrs(ctx, bucket, b.gcsKey(key))
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, storeerr.StorageFault(err, "checking object existence %s/%s in GCS", bucket, key)
	}
	return true, nil
}

// NewWriter returns the client's streaming writer.
func (b *GCPBackend) NewWriter(ctx context.Context, bucket, key string) (io.WriteCloser, error) {
	return &gcsWriter{w: b.client.NewWriter(ctx, bucket, b.gcsKey(key), nil), name: bucket + "/" + key}, nil
}

// HealthCheck lists at most one bucket of the project. Without a project
// there is nothing to probe.
func (b *GCPBackend) HealthCheck(ctx context.Context) error {
	if b.Project == "" {
		return nil
	}
	if err := b.client.Ping(ctx, b.Project); err != nil {
		return storeerr.StorageFault(err, "listing GCS buckets of %q", b.Project)
	}
	return nil
}

// Close releases the underlying client if it holds connections.
func (b *GCPBackend) Close() error {
	if c, ok := b.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// gcsWriter maps close failures onto the error taxonomy.
type gcsWriter struct {
	w    GCSWriter
	name string
}

func (g *gcsWriter) Write(p []byte) (int, error) {
	return g.w.Write(p)
}

func (g *gcsWriter) Close() error {
	if err := g.w.Close(); err != nil {
		return storeerr.StorageFault(err, "finalizing GCS upload of %s", g.name)
	}
	return nil
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound
	}
	return false
}

var _ Backend = (*GCPBackend)(nil)
