// Package keypath translates between object keys ("/"-delimited, no leading
// slash) and native filesystem paths rooted at a bucket directory. It is the
// only place that knows about the platform path separator.
package keypath

import (
	"fmt"
	"path/filepath"
	"strings"

	storeerr "github.com/bleepstore/resourcestore/internal/errors"
)

// Delimiter is the only hierarchy delimiter in object keys.
const Delimiter = "/"

// ValidateKey rejects keys that cannot be mapped onto a file below the
// bucket root: empty keys, NUL bytes, a leading slash, and empty, "." or ".."
// segments.
func ValidateKey(key string) error {
	if key == "" {
		return storeerr.StorageFault(nil, "object key must not be empty")
	}
	if strings.ContainsRune(key, 0) {
		return storeerr.StorageFault(nil, "object key %q contains a NUL byte", key)
	}
	if strings.HasPrefix(key, Delimiter) {
		return storeerr.StorageFault(nil, "object key %q must not start with %q", key, Delimiter)
	}
	for _, seg := range strings.Split(key, Delimiter) {
		switch seg {
		case "":
			// A trailing slash names a "folder", which is not an object.
			return storeerr.StorageFault(nil, "object key %q has an empty path segment", key)
		case ".", "..":
			return storeerr.StorageFault(nil, "object key %q has a %q segment", key, seg)
		}
		if strings.ContainsRune(seg, '\\') && filepath.Separator == '\\' {
			return storeerr.StorageFault(nil, "object key %q contains a native separator", key)
		}
	}
	return nil
}

// ValidateBucket rejects bucket names that are not a single, non-reserved
// directory name. Names starting with "." are reserved for the emulation's
// own bookkeeping.
func ValidateBucket(name string) error {
	switch {
	case name == "":
		return storeerr.StorageFault(nil, "bucket name must not be empty")
	case strings.ContainsAny(name, "/\\"):
		return storeerr.StorageFault(nil, "bucket name %q must not contain a path separator", name)
	case strings.HasPrefix(name, "."):
		return storeerr.StorageFault(nil, "bucket name %q must not start with '.'", name)
	case strings.ContainsRune(name, 0):
		return storeerr.StorageFault(nil, "bucket name %q contains a NUL byte", name)
	}
	return nil
}

// ToPath maps key to a native path under bucketRoot.
func ToPath(bucketRoot, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	p := filepath.Join(bucketRoot, filepath.FromSlash(key))
	if !within(bucketRoot, p) {
		return "", storeerr.StorageFault(nil, "object key %q escapes the bucket root", key)
	}
	return p, nil
}

// ToKey maps a native path under bucketRoot back to its object key. It is
// the inverse of ToPath.
func ToKey(bucketRoot, nativePath string) (string, error) {
	rel, err := filepath.Rel(bucketRoot, nativePath)
	if err != nil {
		return "", fmt.Errorf("relating %q to bucket root %q: %w", nativePath, bucketRoot, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is not inside bucket root %q", nativePath, bucketRoot)
	}
	return filepath.ToSlash(rel), nil
}

// SearchRoot returns the directory part of prefix: everything up to and
// including its last delimiter. A partial final segment is dropped so that
// the filesystem search still covers sibling files sharing that stem.
func SearchRoot(prefix string) string {
	i := strings.LastIndex(prefix, Delimiter)
	if i < 0 {
		return ""
	}
	return prefix[:i+1]
}

// NormalizePrefix returns "" or p with no leading slash and exactly one
// trailing slash. It is idempotent.
func NormalizePrefix(p string) string {
	p = strings.Trim(p, Delimiter)
	if p == "" {
		return ""
	}
	return p + Delimiter
}

// JoinKey appends a logical path to a prefix, normalizing the prefix and
// dropping leading slashes from the logical path.
func JoinKey(prefix, logical string) string {
	return NormalizePrefix(prefix) + strings.TrimLeft(logical, Delimiter)
}

func within(root, p string) bool {
	root = filepath.Clean(root)
	p = filepath.Clean(p)
	return p != root && strings.HasPrefix(p, root+string(filepath.Separator))
}
