package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	cerrors "cloudeng.io/errors"

	storeerr "github.com/bleepstore/resourcestore/internal/errors"
	"github.com/bleepstore/resourcestore/internal/keypath"
	"github.com/bleepstore/resourcestore/internal/uid"
)

// tmpDirName is the directory under the root that holds in-flight writes.
// Bucket names may not start with ".", so it never collides with a bucket.
const tmpDirName = ".tmp"

// EmulatedBackend implements Backend on top of a local directory tree:
// <root>/<bucket>/<key with "/" as the path separator>. An object is a
// regular file; there is no metadata store. Operations take no locks, so
// concurrent writers to one key race with last-writer-wins semantics.
type EmulatedBackend struct {
	rootDir  string
	ownsRoot bool
}

// NewEmulatedBackend creates a backend rooted at rootDir, creating it if
// needed. An empty rootDir creates a fresh temp directory that the backend
// owns and removes on Close.
func NewEmulatedBackend(rootDir string) (*EmulatedBackend, error) {
	owns := false
	if rootDir == "" {
		dir, err := os.MkdirTemp("", "resourcestore-buckets-")
		if err != nil {
			return nil, storeerr.StorageFault(err, "creating temporary buckets directory")
		}
		rootDir = dir
		owns = true
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, storeerr.StorageFault(err, "creating buckets directory %q", rootDir)
	}
	if err := os.MkdirAll(filepath.Join(rootDir, tmpDirName), 0o755); err != nil {
		return nil, storeerr.StorageFault(err, "creating temp directory under %q", rootDir)
	}
	return &EmulatedBackend{rootDir: rootDir, ownsRoot: owns}, nil
}

// RootDir returns the buckets directory.
func (b *EmulatedBackend) RootDir() string {
	return b.rootDir
}

// CleanTempFiles removes leftovers of writes interrupted by a crash.
func (b *EmulatedBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.rootDir, tmpDirName)
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return storeerr.StorageFault(err, "reading temp directory")
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// Reset deletes the whole buckets directory and recreates it empty. It is
// meant for test isolation.
func (b *EmulatedBackend) Reset() error {
	if err := os.RemoveAll(b.rootDir); err != nil {
		return storeerr.StorageFault(err, "removing buckets directory %q", b.rootDir)
	}
	if err := os.MkdirAll(filepath.Join(b.rootDir, tmpDirName), 0o755); err != nil {
		return storeerr.StorageFault(err, "recreating buckets directory %q", b.rootDir)
	}
	return nil
}

func (b *EmulatedBackend) bucketDir(bucket string) (string, error) {
	if err := keypath.ValidateBucket(bucket); err != nil {
		return "", err
	}
	return filepath.Join(b.rootDir, bucket), nil
}

func (b *EmulatedBackend) objectPath(bucket, key string) (bucketDir, objPath string, err error) {
	bucketDir, err = b.bucketDir(bucket)
	if err != nil {
		return "", "", err
	}
	objPath, err = keypath.ToPath(bucketDir, key)
	if err != nil {
		return "", "", err
	}
	return bucketDir, objPath, nil
}

// CreateBucket creates the bucket directory. An existing bucket, including
// one created concurrently by another caller, is success.
func (b *EmulatedBackend) CreateBucket(ctx context.Context, bucket string) error {
	dir, err := b.bucketDir(bucket)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
			return nil
		}
		return storeerr.StorageFault(err, "creating bucket directory %q", dir)
	}
	return nil
}

// PutObject streams body into a temp file and renames it over the object
// path. body is closed before returning.
func (b *EmulatedBackend) PutObject(ctx context.Context, bucket, key string, body io.ReadCloser, opts PutOptions) (*PutResult, error) {
	if body == nil {
		return nil, storeerr.StorageFault(nil, "no input given for object %s/%s", bucket, key)
	}
	defer body.Close()

	if err := ctx.Err(); err != nil {
		return nil, storeerr.StorageFault(err, "putting %s/%s", bucket, key)
	}
	_, objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	w, err := b.newFileWriter(bucket, key, objPath)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(w, body)
	if err != nil {
		w.abort()
		return nil, storeerr.StorageFault(err, "writing object %s/%s", bucket, key)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return &PutResult{Size: n, Checksum: opts.Checksum}, nil
}

// GetObject opens the object file. Anything other than a regular file is
// NotFound.
func (b *EmulatedBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	_, objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return nil, 0, err
	}
	info, err := statObject(objPath)
	if err != nil {
		return nil, 0, storeerr.StorageFault(err, "stat object %s/%s", bucket, key)
	}
	if info == nil || !info.Mode().IsRegular() {
		return nil, 0, storeerr.NotFound(bucket, key)
	}

	file, err := os.Open(objPath)
	if err != nil {
		if isMissing(err) {
			return nil, 0, storeerr.NotFound(bucket, key)
		}
		return nil, 0, storeerr.StorageFault(err, "opening object %s/%s", bucket, key)
	}
	// Size from the open handle: the path may have been replaced since Stat.
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, storeerr.StorageFault(err, "stat object %s/%s", bucket, key)
	}
	return file, fi.Size(), nil
}

// ListObjects walks the directory named by the prefix up to its last "/"
// and keeps the keys that literally start with prefix. The directory-level
// search is coarser than the filter, so "a/fi" searches "a/" and keeps
// "a/file1" and "a/file2".
func (b *EmulatedBackend) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	bucketDir, err := b.bucketDir(bucket)
	if err != nil {
		return nil, err
	}
	searchRoot := filepath.Join(bucketDir, filepath.FromSlash(keypath.SearchRoot(prefix)))
	if searchRoot != bucketDir && !strings.HasPrefix(searchRoot, bucketDir+string(filepath.Separator)) {
		// No valid key can carry a prefix that climbs out of the bucket.
		return []ObjectInfo{}, nil
	}

	objects := []ObjectInfo{}
	info, err := statObject(searchRoot)
	if err != nil {
		return nil, storeerr.StorageFault(err, "stat search root for %s/%s", bucket, prefix)
	}
	if info == nil || !info.IsDir() {
		return objects, nil
	}

	err = filepath.WalkDir(searchRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// Entries removed while walking are simply absent.
			if isMissing(walkErr) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		key, err := keypath.ToKey(bucketDir, p)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			if isMissing(err) {
				return nil
			}
			return err
		}
		objects = append(objects, ObjectInfo{Key: key, Size: fi.Size(), LastModified: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, storeerr.StorageFault(err, "listing %s/%s", bucket, prefix)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// CopyObject is GetObject followed by PutObject. A source removed mid-copy
// surfaces as NotFound.
func (b *EmulatedBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*CopyResult, error) {
	src, size, err := b.GetObject(ctx, srcBucket, srcKey)
	if err != nil {
		return nil, err
	}
	if _, err := b.PutObject(ctx, dstBucket, dstKey, src, PutOptions{Size: size}); err != nil {
		return nil, err
	}
	_, dstPath, err := b.objectPath(dstBucket, dstKey)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(dstPath)
	if err != nil {
		return nil, storeerr.StorageFault(err, "stat copied object %s/%s", dstBucket, dstKey)
	}
	return &CopyResult{LastModified: fi.ModTime()}, nil
}

// DeleteObject removes a file, or recursively removes a directory: a single
// call on a "folder" key deletes every object below it. Deleting something
// that does not exist is a StorageFault.
func (b *EmulatedBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	bucketDir, objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return err
	}
	info, err := os.Lstat(objPath)
	if err != nil && !isMissing(err) {
		return storeerr.StorageFault(err, "stat object %s/%s", bucket, key)
	}

	switch {
	case info == nil:
		return storeerr.StorageFault(nil, "attempted to delete entity that does not exist: %s/%s", bucket, key)
	case info.Mode().IsRegular():
		if err := os.Remove(objPath); err != nil {
			return storeerr.StorageFault(err, "deleting object %s/%s", bucket, key)
		}
	case info.IsDir():
		n, err := b.removeTree(objPath)
		if err != nil {
			return storeerr.StorageFault(err, "deleting folder %s/%s", bucket, key)
		}
		slog.Warn("Deleted folder recursively", "bucket", bucket, "key", key, "objects", n)
	default:
		return storeerr.StorageFault(nil, "attempted to delete entity that does not exist: %s/%s", bucket, key)
	}

	cleanEmptyParents(filepath.Dir(objPath), bucketDir)
	return nil
}

// DeleteSubtree removes every object under the folder prefix. An empty
// prefix empties the bucket but keeps its directory.
func (b *EmulatedBackend) DeleteSubtree(ctx context.Context, bucket, prefix string) (int, error) {
	bucketDir, err := b.bucketDir(bucket)
	if err != nil {
		return 0, err
	}
	folder := strings.TrimSuffix(keypath.NormalizePrefix(prefix), keypath.Delimiter)
	if folder == "" {
		entries, err := os.ReadDir(bucketDir)
		if err != nil {
			if isMissing(err) {
				return 0, nil
			}
			return 0, storeerr.StorageFault(err, "reading bucket %s", bucket)
		}
		total := 0
		for _, e := range entries {
			n, err := b.removeTree(filepath.Join(bucketDir, e.Name()))
			total += n
			if err != nil {
				return total, storeerr.StorageFault(err, "emptying bucket %s", bucket)
			}
		}
		return total, nil
	}

	dir, err := keypath.ToPath(bucketDir, folder)
	if err != nil {
		return 0, err
	}
	info, err := statObject(dir)
	if err != nil {
		return 0, storeerr.StorageFault(err, "stat folder %s/%s", bucket, folder)
	}
	if info == nil || !info.IsDir() {
		return 0, nil
	}
	n, err := b.removeTree(dir)
	if err != nil {
		return n, storeerr.StorageFault(err, "deleting folder %s/%s", bucket, folder)
	}
	cleanEmptyParents(filepath.Dir(dir), bucketDir)
	return n, nil
}

// ObjectExists reports whether bucket/key is a regular file.
func (b *EmulatedBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return false, err
	}
	info, err := statObject(objPath)
	if err != nil {
		return false, storeerr.StorageFault(err, "checking object existence %s/%s", bucket, key)
	}
	return info != nil && info.Mode().IsRegular(), nil
}

// NewWriter returns a sink that becomes bucket/key when closed.
func (b *EmulatedBackend) NewWriter(ctx context.Context, bucket, key string) (io.WriteCloser, error) {
	_, objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	return b.newFileWriter(bucket, key, objPath)
}

// HealthCheck verifies that the buckets directory is accessible.
func (b *EmulatedBackend) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(b.rootDir); err != nil {
		return storeerr.StorageFault(err, "buckets directory %q", b.rootDir)
	}
	return nil
}

// Close removes the buckets directory if the backend created it.
func (b *EmulatedBackend) Close() error {
	if !b.ownsRoot {
		return b.CleanTempFiles()
	}
	if err := os.RemoveAll(b.rootDir); err != nil {
		return storeerr.StorageFault(err, "removing temporary buckets directory %q", b.rootDir)
	}
	return nil
}

func (b *EmulatedBackend) newFileWriter(bucket, key, objPath string) (*fileWriter, error) {
	if info, err := statObject(objPath); err == nil && info != nil && info.IsDir() {
		return nil, storeerr.StorageFault(nil, "a folder already occupies key %s/%s", bucket, key)
	}
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return nil, storeerr.StorageFault(err, "creating parent directories for %s/%s", bucket, key)
	}
	tmpDir := filepath.Join(b.rootDir, tmpDirName)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, storeerr.StorageFault(err, "creating temp directory")
	}
	tmpPath := filepath.Join(tmpDir, uid.Prefixed("tmp"))
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, storeerr.StorageFault(err, "creating temp file for %s/%s", bucket, key)
	}
	return &fileWriter{f: f, tmpPath: tmpPath, objPath: objPath, name: bucket + "/" + key}, nil
}

// removeTree counts the regular files below dir and removes dir.
func (b *EmulatedBackend) removeTree(dir string) (int, error) {
	n := 0
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && d.Type().IsRegular() {
			n++
		}
		return nil
	})
	return n, os.RemoveAll(dir)
}

// fileWriter writes to a temp file and renames it into place on Close.
type fileWriter struct {
	f       *os.File
	tmpPath string
	objPath string
	name    string
	closed  bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close fsyncs the temp file and renames it over the object path.
func (w *fileWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	errs := &cerrors.M{}
	errs.Append(w.f.Sync(), w.f.Close())
	if err := errs.Err(); err != nil {
		os.Remove(w.tmpPath)
		return storeerr.StorageFault(err, "finishing write of %s", w.name)
	}
	if err := os.Rename(w.tmpPath, w.objPath); err != nil {
		os.Remove(w.tmpPath)
		return storeerr.StorageFault(err, "renaming temp file into %s", w.name)
	}
	return nil
}

func (w *fileWriter) abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.f.Close()
	os.Remove(w.tmpPath)
}

// statObject returns nil info and nil error when p does not exist, including
// when a path component is a file rather than a directory.
func statObject(p string) (fs.FileInfo, error) {
	info, err := os.Stat(p)
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, err
	}
	return info, nil
}

func isMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// cleanEmptyParents removes empty directories starting from dir up to (but not
// including) stopAt, so that a "folder" disappears with its last object.
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)

	for dir != stopAt && strings.HasPrefix(dir, stopAt+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

var _ Backend = (*EmulatedBackend)(nil)
