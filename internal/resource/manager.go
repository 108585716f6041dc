// Package resource resolves logical resource paths against either a cloud
// object store or a local directory, and enforces read-only mode.
package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	cerrors "cloudeng.io/errors"

	"github.com/bleepstore/resourcestore/internal/config"
	storeerr "github.com/bleepstore/resourcestore/internal/errors"
	"github.com/bleepstore/resourcestore/internal/keypath"
	"github.com/bleepstore/resourcestore/internal/storage"
	"github.com/bleepstore/resourcestore/internal/uid"
)

// probeKeyPrefix names the synthetic key used by the construction-time
// reachability probe.
const probeKeyPrefix = ".resourcestore-probe-"

// streams is the mode-specific half of a Manager. It is chosen once in New.
type streams interface {
	fullPath(logical string) string
	open(ctx context.Context, logical string) (io.ReadCloser, error)
	create(ctx context.Context, logical string) (io.WriteCloser, error)
	exists(ctx context.Context, logical string) (bool, error)
	close() error
}

// Manager is the policy layer above the object store.
type Manager struct {
	cfg     config.ResourceConfig
	streams streams
}

// New validates cfg and builds a Manager. In cloud mode cloud must be
// non-nil, and an existence probe is issued against a key that does not
// exist so that bad credentials or an unreachable store fail here. In local
// mode cloud is ignored and LocalRoot is created if missing.
func New(ctx context.Context, cfg config.ResourceConfig, cloud storage.Backend) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !cfg.UseCloud {
		if err := os.MkdirAll(cfg.LocalRoot, 0o755); err != nil {
			return nil, storeerr.StorageFault(err, "creating local resource root %q", cfg.LocalRoot)
		}
		slog.Info("Resource manager initialized", "mode", "local", "root", cfg.LocalRoot, "read_only", cfg.ReadOnly)
		return &Manager{cfg: cfg, streams: &localStreams{root: cfg.LocalRoot}}, nil
	}

	if cloud == nil {
		return nil, fmt.Errorf("resources.use_cloud is set but no storage backend was provided")
	}
	cs := &cloudStreams{
		backend: cloud,
		bucket:  cfg.Bucket,
		prefix:  keypath.NormalizePrefix(cfg.BasePath),
	}
	probe := cs.prefix + probeKeyPrefix + uid.New()
	if _, err := cloud.ObjectExists(ctx, cs.bucket, probe); err != nil {
		return nil, storeerr.IOFailure(err, "probing bucket %q", cs.bucket)
	}
	slog.Info("Resource manager initialized", "mode", "cloud", "bucket", cs.bucket, "prefix", cs.prefix, "read_only", cfg.ReadOnly)
	return &Manager{cfg: cfg, streams: cs}, nil
}

// ReadOnly reports whether writes are disabled.
func (m *Manager) ReadOnly() bool {
	return m.cfg.ReadOnly
}

// Cloud reports whether the manager resolves paths against the object store.
func (m *Manager) Cloud() bool {
	return m.cfg.UseCloud
}

// FullPath returns where logical resolves to: "bucket/prefix+logical" in
// cloud mode, a native path below LocalRoot in local mode.
func (m *Manager) FullPath(logical string) string {
	return m.streams.fullPath(logical)
}

// ReadStream opens a resource. A missing resource is reported as NotFound;
// every other fault is wrapped as IOFailure.
func (m *Manager) ReadStream(ctx context.Context, logical string) (io.ReadCloser, error) {
	rc, err := m.streams.open(ctx, logical)
	if err != nil {
		if storeerr.IsNotFound(err) {
			return nil, err
		}
		return nil, storeerr.IOFailure(err, "reading resource %s", m.FullPath(logical))
	}
	return rc, nil
}

// Exists reports whether a resource exists.
func (m *Manager) Exists(ctx context.Context, logical string) (bool, error) {
	ok, err := m.streams.exists(ctx, logical)
	if err != nil {
		return false, storeerr.IOFailure(err, "checking resource %s", m.FullPath(logical))
	}
	return ok, nil
}

// WriteStream copies in to the resource at logical. If in is an io.Closer
// it is closed on every path, including read-only rejection. Close errors of
// in and of the sink are reported together with any copy error.
func (m *Manager) WriteStream(ctx context.Context, logical string, in io.Reader) error {
	errs := &cerrors.M{}
	w, err := m.WriteResourceStream(ctx, logical)
	if err != nil {
		errs.Append(err)
	} else {
		if _, err := io.Copy(w, in); err != nil {
			errs.Append(storeerr.IOFailure(err, "writing resource %s", m.FullPath(logical)))
		}
		if err := w.Close(); err != nil {
			errs.Append(storeerr.IOFailure(err, "closing resource %s", m.FullPath(logical)))
		}
	}
	if c, ok := in.(io.Closer); ok {
		errs.Append(c.Close())
	}
	return errs.Err()
}

// WriteResourceStream opens a caller-owned sink for the resource at logical.
// In local mode parent directories are created first.
func (m *Manager) WriteResourceStream(ctx context.Context, logical string) (io.WriteCloser, error) {
	if m.cfg.ReadOnly {
		return nil, storeerr.Unsupported("writing resource " + logical)
	}
	w, err := m.streams.create(ctx, logical)
	if err != nil {
		return nil, storeerr.IOFailure(err, "opening resource %s for writing", m.FullPath(logical))
	}
	return w, nil
}

// Close releases the underlying backend.
func (m *Manager) Close() error {
	return m.streams.close()
}

// cloudStreams resolves logical paths to prefix+logical in one bucket.
type cloudStreams struct {
	backend storage.Backend
	bucket  string
	prefix  string
}

func (c *cloudStreams) key(logical string) string {
	return keypath.JoinKey(c.prefix, logical)
}

func (c *cloudStreams) fullPath(logical string) string {
	return c.bucket + keypath.Delimiter + c.key(logical)
}

func (c *cloudStreams) open(ctx context.Context, logical string) (io.ReadCloser, error) {
	rc, _, err := c.backend.GetObject(ctx, c.bucket, c.key(logical))
	return rc, err
}

func (c *cloudStreams) create(ctx context.Context, logical string) (io.WriteCloser, error) {
	return c.backend.NewWriter(ctx, c.bucket, c.key(logical))
}

func (c *cloudStreams) exists(ctx context.Context, logical string) (bool, error) {
	return c.backend.ObjectExists(ctx, c.bucket, c.key(logical))
}

func (c *cloudStreams) close() error {
	return c.backend.Close()
}

// localStreams resolves logical paths to files below root.
type localStreams struct {
	root string
}

func (l *localStreams) fullPath(logical string) string {
	return filepath.Join(l.root, filepath.FromSlash(keypath.JoinKey("", logical)))
}

func (l *localStreams) path(logical string) (string, error) {
	return keypath.ToPath(l.root, keypath.JoinKey("", logical))
}

func (l *localStreams) open(ctx context.Context, logical string) (io.ReadCloser, error) {
	p, err := l.path(logical)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storeerr.NotFound(l.root, logical)
		}
		return nil, storeerr.StorageFault(err, "opening %s", p)
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, storeerr.NotFound(l.root, logical)
	}
	return f, nil
}

func (l *localStreams) create(ctx context.Context, logical string) (io.WriteCloser, error) {
	p, err := l.path(logical)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, storeerr.StorageFault(err, "creating parent directories of %s", p)
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, storeerr.StorageFault(err, "creating %s", p)
	}
	return f, nil
}

func (l *localStreams) exists(ctx context.Context, logical string) (bool, error) {
	p, err := l.path(logical)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, storeerr.StorageFault(err, "checking %s", p)
	}
	return info.Mode().IsRegular(), nil
}

func (l *localStreams) close() error {
	return nil
}
