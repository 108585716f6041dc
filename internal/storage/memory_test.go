package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	storeerr "github.com/bleepstore/resourcestore/internal/errors"
)

func TestMemoryPutAndGet(t *testing.T) {
	backend := NewMemoryBackend()
	body := &trackingBody{Reader: strings.NewReader("hello world")}
	res, err := backend.PutObject(context.Background(), "bucket", "dir/obj.txt", body, PutOptions{Checksum: "abc"})
	if err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if !body.wasClosed() {
		t.Error("PutObject did not close the body")
	}
	if res.Size != 11 || res.Checksum != "abc" {
		t.Errorf("PutResult = %+v", res)
	}
	if got := getString(t, backend, "bucket", "dir/obj.txt"); got != "hello world" {
		t.Errorf("GetObject = %q", got)
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	backend := NewMemoryBackend()
	putString(t, backend, "b", "k", "abc")

	rc, _, err := backend.GetObject(context.Background(), "b", "k")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	data[0] = 'X'
	if got := getString(t, backend, "b", "k"); got != "abc" {
		t.Errorf("stored data mutated through reader: %q", got)
	}
}

func TestMemoryErrors(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	if _, err := backend.PutObject(ctx, "b", "k", nil, PutOptions{}); !errors.Is(err, storeerr.ErrStorageFault) {
		t.Errorf("nil body err = %v, want StorageFault", err)
	}
	if _, _, err := backend.GetObject(ctx, "b", "missing"); !storeerr.IsNotFound(err) {
		t.Errorf("missing err = %v, want NotFound", err)
	}
	if _, _, err := backend.GetObject(ctx, "b", "../escape"); !errors.Is(err, storeerr.ErrStorageFault) {
		t.Errorf("traversal err = %v, want StorageFault", err)
	}
}

func TestMemoryListAndDelete(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	for _, k := range []string{"a/z", "a/b/c", "a.txt", "q"} {
		putString(t, backend, "b", k, k)
	}
	putString(t, backend, "other", "a/x", "x")

	if got := listKeys(t, backend, "b", "a"); !equalKeys(got, []string{"a.txt", "a/b/c", "a/z"}) {
		t.Errorf("ListObjects(a) = %v", got)
	}
	if got := listKeys(t, backend, "nobucket", ""); len(got) != 0 {
		t.Errorf("missing bucket listed %v", got)
	}

	if err := backend.DeleteObject(ctx, "b", "a"); err != nil {
		t.Fatalf("DeleteObject(folder) failed: %v", err)
	}
	if got := listKeys(t, backend, "b", ""); !equalKeys(got, []string{"a.txt", "q"}) {
		t.Errorf("after folder delete = %v", got)
	}
	if err := backend.DeleteObject(ctx, "b", "a"); !errors.Is(err, storeerr.ErrStorageFault) {
		t.Errorf("delete of missing err = %v, want StorageFault", err)
	}
	if got := listKeys(t, backend, "other", ""); !equalKeys(got, []string{"a/x"}) {
		t.Errorf("other bucket touched: %v", got)
	}
}

func TestMemoryDeleteSubtree(t *testing.T) {
	backend := NewMemoryBackend()
	for _, k := range []string{"d/1", "d/2", "d/e/3", "dd"} {
		putString(t, backend, "b", k, k)
	}
	n, err := backend.DeleteSubtree(context.Background(), "b", "d")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("deleted %d, want 3", n)
	}
	if got := listKeys(t, backend, "b", ""); !equalKeys(got, []string{"dd"}) {
		t.Errorf("remaining = %v", got)
	}
}

func TestMemoryCopyAndExists(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	putString(t, backend, "b", "src", "payload")

	if _, err := backend.CopyObject(ctx, "b", "src", "c", "dst"); err != nil {
		t.Fatalf("CopyObject failed: %v", err)
	}
	if got := getString(t, backend, "c", "dst"); got != "payload" {
		t.Errorf("copy = %q", got)
	}
	if _, err := backend.CopyObject(ctx, "b", "missing", "c", "x"); !storeerr.IsNotFound(err) {
		t.Errorf("copy of missing err = %v, want NotFound", err)
	}
	if ok, _ := backend.ObjectExists(ctx, "c", "dst"); !ok {
		t.Error("ObjectExists(dst) = false")
	}
	if ok, _ := backend.ObjectExists(ctx, "c", "nope"); ok {
		t.Error("ObjectExists(nope) = true")
	}
}

func TestMemoryWriter(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	w, err := backend.NewWriter(ctx, "b", "w")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "part1-")
	io.WriteString(w, "part2")
	if ok, _ := backend.ObjectExists(ctx, "b", "w"); ok {
		t.Error("object visible before Close")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if got := getString(t, backend, "b", "w"); got != "part1-part2" {
		t.Errorf("written = %q", got)
	}
	if _, err := w.Write([]byte("late")); !errors.Is(err, storeerr.ErrStorageFault) {
		t.Errorf("write after close err = %v, want StorageFault", err)
	}
}

func TestMemoryCloseDropsObjects(t *testing.T) {
	backend := NewMemoryBackend()
	putString(t, backend, "b", "k", "v")
	if err := backend.Close(); err != nil {
		t.Fatal(err)
	}
	if ok, _ := backend.ObjectExists(context.Background(), "b", "k"); ok {
		t.Error("object survived Close")
	}
}
