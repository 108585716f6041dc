package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bleepstore/resourcestore/internal/config"
)

// New builds the backend selected by cfg.Backend. The local emulation drops
// temp files left behind by an earlier crash before it is handed out.
func New(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case "", "local":
		b, err := NewEmulatedBackend(cfg.Local.RootDir)
		if err != nil {
			return nil, fmt.Errorf("initializing local storage backend: %w", err)
		}
		if err := b.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
		slog.Info("Storage backend initialized", "backend", "local", "root", b.RootDir())
		return b, nil
	case "memory":
		slog.Info("Storage backend initialized", "backend", "memory")
		return NewMemoryBackend(), nil
	case "aws":
		b, err := NewAWSBackend(ctx, cfg.AWS)
		if err != nil {
			return nil, fmt.Errorf("initializing AWS storage backend: %w", err)
		}
		return b, nil
	case "gcp":
		b, err := NewGCPBackend(ctx, cfg.GCP)
		if err != nil {
			return nil, fmt.Errorf("initializing GCP storage backend: %w", err)
		}
		return b, nil
	case "azure":
		b, err := NewAzureBackend(ctx, cfg.Azure)
		if err != nil {
			return nil, fmt.Errorf("initializing Azure storage backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
