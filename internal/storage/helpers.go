package storage

import (
	"context"
	"io"
	"strings"

	"github.com/bleepstore/resourcestore/internal/checksum"
	storeerr "github.com/bleepstore/resourcestore/internal/errors"
)

// GetString reads a whole object as text. Every failure, including a
// missing object, comes back as IOFailure; errors.Is still finds NotFound
// through the wrap chain.
func GetString(ctx context.Context, b Backend, bucket, key string) (string, error) {
	rc, _, err := b.GetObject(ctx, bucket, key)
	if err != nil {
		return "", storeerr.IOFailure(err, "reading %s/%s", bucket, key)
	}
	defer rc.Close()

	var sb strings.Builder
	if _, err := io.Copy(&sb, rc); err != nil {
		return "", storeerr.IOFailure(err, "reading %s/%s", bucket, key)
	}
	return sb.String(), nil
}

// PutWithDigest stores body at bucket/key while hashing it, then stores the
// hex MD5 as the sidecar object key + ".md5". It returns the digest.
func PutWithDigest(ctx context.Context, b Backend, bucket, key string, body io.ReadCloser, opts PutOptions) (string, error) {
	if body == nil {
		return "", storeerr.StorageFault(nil, "no input given for object %s/%s", bucket, key)
	}
	dr := checksum.NewDigestReader(body)
	if _, err := b.PutObject(ctx, bucket, key, readCloser{Reader: dr, Closer: body}, opts); err != nil {
		return "", err
	}
	digest := dr.Sum()
	sidecar := io.NopCloser(strings.NewReader(digest))
	if _, err := b.PutObject(ctx, bucket, checksum.SidecarKey(key), sidecar, PutOptions{Size: int64(len(digest))}); err != nil {
		return "", err
	}
	return digest, nil
}

// readCloser pairs a wrapping reader with the original stream's Close.
type readCloser struct {
	io.Reader
	io.Closer
}
