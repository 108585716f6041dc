package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return p
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Backend != "local" {
		t.Errorf("Storage.Backend = %q, want local", cfg.Storage.Backend)
	}
	if cfg.Resources.UseCloud {
		t.Error("Resources.UseCloud should default to false")
	}
	if cfg.Resources.LocalRoot != "./data/resources" {
		t.Errorf("Resources.LocalRoot = %q", cfg.Resources.LocalRoot)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
}

func TestLoadMergesOverride(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "resourcestore.yaml", `
logging:
  level: debug
storage:
  backend: aws
  aws:
    region: eu-west-1
    prefix: team/
resources:
  use_cloud: true
  bucket: shared
  base_path: products
`)
	override := writeFile(t, dir, "resourcestore.local.yaml", `
storage:
  backend: local
  local:
    root_dir: /tmp/buckets
resources:
  use_cloud: false
  local_root: /tmp/resources
  read_only: true
`)

	cfg, err := Load(base, override)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug from base file", cfg.Logging.Level)
	}
	if cfg.Storage.Backend != "local" || cfg.Storage.Local.RootDir != "/tmp/buckets" {
		t.Errorf("override not applied to storage: %+v", cfg.Storage)
	}
	if cfg.Storage.AWS.Region != "eu-west-1" || cfg.Storage.AWS.Prefix != "team/" {
		t.Errorf("base AWS settings lost: %+v", cfg.Storage.AWS)
	}
	r := cfg.Resources
	if r.UseCloud || !r.ReadOnly || r.LocalRoot != "/tmp/resources" || r.Bucket != "shared" {
		t.Errorf("unexpected merged resources: %+v", r)
	}
}

func TestLoadMissingOverrideIsFine(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.yaml", "storage:\n  backend: memory\n")
	cfg, err := Load(base, filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad backend", "storage:\n  backend: ftp\n", "storage.backend"},
		{"cloud without bucket", "resources:\n  use_cloud: true\n", "resources.bucket"},
		{"azure without account", "storage:\n  backend: azure\n", "storage.azure"},
		{"bad yaml", "storage: [unclosed\n", "parsing config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeFile(t, dir, strings.ReplaceAll(tt.name, " ", "_")+".yaml", tt.content)
			_, err := Load(p, "")
			if err == nil {
				t.Fatalf("Load should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml"), ""); err == nil {
		t.Error("Load of a missing primary file should fail")
	}
}

func TestAzureAccountURLDerived(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "az.yaml", "storage:\n  backend: azure\n  azure:\n    account: acct\n")
	cfg, err := Load(p, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Azure.AccountURL != "https://acct.blob.core.windows.net" {
		t.Errorf("AccountURL = %q", cfg.Storage.Azure.AccountURL)
	}
}
