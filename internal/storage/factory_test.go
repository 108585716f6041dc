package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bleepstore/resourcestore/internal/config"
)

func TestNewLocalCleansTempFiles(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, ".tmp", "tmp-stale")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := New(context.Background(), config.StorageConfig{Backend: "local", Local: config.LocalConfig{RootDir: root}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()

	if _, ok := b.(*EmulatedBackend); !ok {
		t.Errorf("backend = %T, want *EmulatedBackend", b)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale temp file still present: %v", err)
	}
}

func TestNewMemory(t *testing.T) {
	b, err := New(context.Background(), config.StorageConfig{Backend: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*MemoryBackend); !ok {
		t.Errorf("backend = %T, want *MemoryBackend", b)
	}
}

func TestNewUnknownBackend(t *testing.T) {
	if _, err := New(context.Background(), config.StorageConfig{Backend: "ftp"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
