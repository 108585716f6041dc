// Package checksum provides streamed content digests, digest sidecar files
// and bounded archive inspection.
package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// ChunkSize is the read buffer used when hashing. Content is never buffered
// whole.
const ChunkSize = 32 * 1024

// SidecarSuffix is appended to an object key or file path to name the file
// holding its digest.
const SidecarSuffix = ".md5"

// EmptyDigest is the MD5 of zero bytes.
const EmptyDigest = "d41d8cd98f00b204e9800998ecf8427e"

// Digest streams r through MD5 and returns the lowercase hex digest.
func Digest(r io.Reader) (string, error) {
	h := md5.New()
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(h, onlyReader{r}, buf); err != nil {
		return "", fmt.Errorf("hashing content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestFile returns the digest of the file at path.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %q for hashing: %w", path, err)
	}
	defer f.Close()
	return Digest(f)
}

// SidecarPath returns the sidecar file path for path.
func SidecarPath(path string) string {
	return path + SidecarSuffix
}

// SidecarKey returns the sidecar object key for key.
func SidecarKey(key string) string {
	return key + SidecarSuffix
}

// IsSidecarKey reports whether key names a digest sidecar.
func IsSidecarKey(key string) bool {
	return strings.HasSuffix(key, SidecarSuffix)
}

// WriteDigestSidecar writes digest as plain text next to originalPath and
// returns the sidecar path.
func WriteDigestSidecar(originalPath, digest string) (string, error) {
	p := SidecarPath(originalPath)
	if err := os.WriteFile(p, []byte(digest), 0o644); err != nil {
		return "", fmt.Errorf("writing digest sidecar %q: %w", p, err)
	}
	return p, nil
}

// VerifySidecar recomputes the digest of path and compares it with the
// content of its sidecar.
func VerifySidecar(path string) (bool, error) {
	want, err := os.ReadFile(SidecarPath(path))
	if err != nil {
		return false, fmt.Errorf("reading digest sidecar for %q: %w", path, err)
	}
	got, err := DigestFile(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(string(want)), got), nil
}

// onlyReader hides any WriterTo implementation so io.CopyBuffer really reads
// through the fixed-size buffer.
type onlyReader struct {
	io.Reader
}

// DigestReader hashes everything read through it.
type DigestReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewDigestReader returns a reader that passes r through and accumulates its
// MD5.
func NewDigestReader(r io.Reader) *DigestReader {
	return &DigestReader{r: r, h: md5.New()}
}

func (d *DigestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

// Sum returns the lowercase hex digest of the bytes read so far.
func (d *DigestReader) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Count returns the number of bytes read so far.
func (d *DigestReader) Count() int64 {
	return d.n
}
