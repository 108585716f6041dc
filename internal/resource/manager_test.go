package resource

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bleepstore/resourcestore/internal/config"
	storeerr "github.com/bleepstore/resourcestore/internal/errors"
	"github.com/bleepstore/resourcestore/internal/storage"
)

// recordingBackend wraps a Backend and records every method invoked on it.
type recordingBackend struct {
	inner storage.Backend

	mu    sync.Mutex
	calls []string

	// existsErr, when set, is returned by ObjectExists.
	existsErr error
	// getErr, when set, is returned by GetObject.
	getErr error
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{inner: storage.NewMemoryBackend()}
}

func (r *recordingBackend) record(op string) {
	r.mu.Lock()
	r.calls = append(r.calls, op)
	r.mu.Unlock()
}

func (r *recordingBackend) called(op string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c == op {
			return true
		}
	}
	return false
}

func (r *recordingBackend) reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

func (r *recordingBackend) CreateBucket(ctx context.Context, bucket string) error {
	r.record("CreateBucket")
	return r.inner.CreateBucket(ctx, bucket)
}

func (r *recordingBackend) PutObject(ctx context.Context, bucket, key string, body io.ReadCloser, opts storage.PutOptions) (*storage.PutResult, error) {
	r.record("PutObject")
	return r.inner.PutObject(ctx, bucket, key, body, opts)
}

func (r *recordingBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	r.record("GetObject")
	if r.getErr != nil {
		return nil, 0, r.getErr
	}
	return r.inner.GetObject(ctx, bucket, key)
}

func (r *recordingBackend) ListObjects(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	r.record("ListObjects")
	return r.inner.ListObjects(ctx, bucket, prefix)
}

func (r *recordingBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*storage.CopyResult, error) {
	r.record("CopyObject")
	return r.inner.CopyObject(ctx, srcBucket, srcKey, dstBucket, dstKey)
}

func (r *recordingBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	r.record("DeleteObject")
	return r.inner.DeleteObject(ctx, bucket, key)
}

func (r *recordingBackend) DeleteSubtree(ctx context.Context, bucket, prefix string) (int, error) {
	r.record("DeleteSubtree")
	return r.inner.DeleteSubtree(ctx, bucket, prefix)
}

func (r *recordingBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	r.record("ObjectExists")
	if r.existsErr != nil {
		return false, r.existsErr
	}
	return r.inner.ObjectExists(ctx, bucket, key)
}

func (r *recordingBackend) NewWriter(ctx context.Context, bucket, key string) (io.WriteCloser, error) {
	r.record("NewWriter")
	return r.inner.NewWriter(ctx, bucket, key)
}

func (r *recordingBackend) HealthCheck(ctx context.Context) error {
	r.record("HealthCheck")
	return r.inner.HealthCheck(ctx)
}

func (r *recordingBackend) Close() error {
	r.record("Close")
	return r.inner.Close()
}

var _ storage.Backend = (*recordingBackend)(nil)

// closeTracker is an input stream that records Close.
type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

// failingReader fails on every read.
type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("disk on fire")
}

func cloudConfig(readOnly bool) config.ResourceConfig {
	return config.ResourceConfig{UseCloud: true, Bucket: "res", BasePath: "/base/path", ReadOnly: readOnly}
}

func newCloudManager(t *testing.T, readOnly bool) (*Manager, *recordingBackend) {
	t.Helper()
	backend := newRecordingBackend()
	m, err := New(context.Background(), cloudConfig(readOnly), backend)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	backend.reset()
	return m, backend
}

func newLocalManager(t *testing.T, readOnly bool) (*Manager, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "resources")
	m, err := New(context.Background(), config.ResourceConfig{LocalRoot: root, ReadOnly: readOnly}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m, root
}

func readAll(t *testing.T, m *Manager, logical string) string {
	t.Helper()
	rc, err := m.ReadStream(context.Background(), logical)
	if err != nil {
		t.Fatalf("ReadStream(%s) failed: %v", logical, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestNewCloudIssuesProbe(t *testing.T) {
	backend := newRecordingBackend()
	m, err := New(context.Background(), cloudConfig(false), backend)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !backend.called("ObjectExists") {
		t.Error("construction did not probe the backend")
	}
	if !m.Cloud() || m.ReadOnly() {
		t.Errorf("Cloud() = %v, ReadOnly() = %v", m.Cloud(), m.ReadOnly())
	}
}

func TestNewCloudProbeFailure(t *testing.T) {
	backend := newRecordingBackend()
	backend.existsErr = storeerr.StorageFault(errors.New("access denied"), "probe")
	_, err := New(context.Background(), cloudConfig(false), backend)
	if !errors.Is(err, storeerr.ErrIOFailure) {
		t.Errorf("err = %v, want IOFailure", err)
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.ResourceConfig
		cloud storage.Backend
	}{
		{"cloud without bucket", config.ResourceConfig{UseCloud: true}, newRecordingBackend()},
		{"cloud without backend", cloudConfig(false), nil},
		{"local without root", config.ResourceConfig{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(context.Background(), tt.cfg, tt.cloud); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFullPath(t *testing.T) {
	cloud, _ := newCloudManager(t, false)
	if got := cloud.FullPath("a/b.txt"); got != "res/base/path/a/b.txt" {
		t.Errorf("cloud FullPath = %q", got)
	}
	if got := cloud.FullPath("/a/b.txt"); got != "res/base/path/a/b.txt" {
		t.Errorf("cloud FullPath(leading slash) = %q", got)
	}

	local, root := newLocalManager(t, false)
	if got, want := local.FullPath("a/b.txt"), filepath.Join(root, "a", "b.txt"); got != want {
		t.Errorf("local FullPath = %q, want %q", got, want)
	}
}

func TestReadOnlyRejectsWritesWithoutBackendCalls(t *testing.T) {
	m, backend := newCloudManager(t, true)
	ctx := context.Background()

	in := &closeTracker{Reader: strings.NewReader("data")}
	if err := m.WriteStream(ctx, "x.txt", in); !errors.Is(err, storeerr.ErrUnsupported) {
		t.Errorf("WriteStream err = %v, want Unsupported", err)
	}
	if !in.closed {
		t.Error("input not closed on read-only rejection")
	}
	if _, err := m.WriteResourceStream(ctx, "x.txt"); !errors.Is(err, storeerr.ErrUnsupported) {
		t.Errorf("WriteResourceStream err = %v, want Unsupported", err)
	}
	if len(backend.calls) != 0 {
		t.Errorf("backend was invoked: %v", backend.calls)
	}
}

func TestReadOnlyLocalCreatesNothing(t *testing.T) {
	m, root := newLocalManager(t, true)
	if err := m.WriteStream(context.Background(), "d/x.txt", strings.NewReader("data")); !errors.Is(err, storeerr.ErrUnsupported) {
		t.Errorf("err = %v, want Unsupported", err)
	}
	if _, err := os.Stat(filepath.Join(root, "d")); !os.IsNotExist(err) {
		t.Errorf("parent directory created in read-only mode: %v", err)
	}
}

func TestCloudWriteAndRead(t *testing.T) {
	m, backend := newCloudManager(t, false)
	ctx := context.Background()

	in := &closeTracker{Reader: strings.NewReader("cloud payload")}
	if err := m.WriteStream(ctx, "dir/r.txt", in); err != nil {
		t.Fatalf("WriteStream failed: %v", err)
	}
	if !in.closed {
		t.Error("input not closed")
	}
	if ok, _ := backend.inner.ObjectExists(ctx, "res", "base/path/dir/r.txt"); !ok {
		t.Error("object not stored under bucket prefix")
	}
	if got := readAll(t, m, "dir/r.txt"); got != "cloud payload" {
		t.Errorf("ReadStream = %q", got)
	}
	if ok, err := m.Exists(ctx, "dir/r.txt"); err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}
}

func TestCloudReadErrors(t *testing.T) {
	m, backend := newCloudManager(t, false)
	ctx := context.Background()

	if _, err := m.ReadStream(ctx, "missing"); !storeerr.IsNotFound(err) || errors.Is(err, storeerr.ErrIOFailure) {
		t.Errorf("missing err = %v, want plain NotFound", err)
	}

	backend.getErr = storeerr.StorageFault(errors.New("timeout"), "get")
	if _, err := m.ReadStream(ctx, "any"); !errors.Is(err, storeerr.ErrIOFailure) {
		t.Errorf("fault err = %v, want IOFailure", err)
	}
}

func TestLocalWriteAndRead(t *testing.T) {
	m, root := newLocalManager(t, false)
	ctx := context.Background()

	if err := m.WriteStream(ctx, "nested/deep/r.txt", strings.NewReader("local payload")); err != nil {
		t.Fatalf("WriteStream failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "nested", "deep", "r.txt"))
	if err != nil || string(data) != "local payload" {
		t.Fatalf("file = %q, %v", data, err)
	}
	if got := readAll(t, m, "nested/deep/r.txt"); got != "local payload" {
		t.Errorf("ReadStream = %q", got)
	}
	if ok, _ := m.Exists(ctx, "nested/deep"); ok {
		t.Error("directory reported as resource")
	}
	if _, err := m.ReadStream(ctx, "nested"); !storeerr.IsNotFound(err) {
		t.Errorf("directory read err = %v, want NotFound", err)
	}
	if _, err := m.ReadStream(ctx, "nope"); !storeerr.IsNotFound(err) {
		t.Errorf("missing err = %v, want NotFound", err)
	}
}

func TestLocalWriteResourceStream(t *testing.T) {
	m, _ := newLocalManager(t, false)
	w, err := m.WriteResourceStream(context.Background(), "a/b/c.bin")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "sink")
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, m, "a/b/c.bin"); got != "sink" {
		t.Errorf("ReadStream = %q", got)
	}
}

func TestLocalRejectsTraversal(t *testing.T) {
	m, _ := newLocalManager(t, false)
	ctx := context.Background()
	if err := m.WriteStream(ctx, "../escape.txt", strings.NewReader("x")); !errors.Is(err, storeerr.ErrIOFailure) {
		t.Errorf("write err = %v, want IOFailure", err)
	}
	if _, err := m.ReadStream(ctx, "a/../../x"); !errors.Is(err, storeerr.ErrIOFailure) {
		t.Errorf("read err = %v, want IOFailure", err)
	}
}

func TestWriteStreamCopyFailureClosesInput(t *testing.T) {
	m, _ := newLocalManager(t, false)
	in := &closeTracker{Reader: failingReader{}}
	err := m.WriteStream(context.Background(), "broken.txt", in)
	if !errors.Is(err, storeerr.ErrIOFailure) {
		t.Errorf("err = %v, want IOFailure", err)
	}
	if !in.closed {
		t.Error("input not closed after copy failure")
	}
}

func TestCloseClosesBackend(t *testing.T) {
	m, backend := newCloudManager(t, false)
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if !backend.called("Close") {
		t.Error("backend not closed")
	}
}
