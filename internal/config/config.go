// Package config handles loading and parsing of resourcestore configuration.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Logging   LoggingConfig  `yaml:"logging"`
	Storage   StorageConfig  `yaml:"storage"`
	Resources ResourceConfig `yaml:"resources"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Server    ServerConfig   `yaml:"server"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// StorageConfig selects and configures the object-store backend.
type StorageConfig struct {
	// Backend is one of "local", "memory", "aws", "gcp", "azure".
	Backend string      `yaml:"backend"`
	Local   LocalConfig `yaml:"local"`
	AWS     AWSConfig   `yaml:"aws"`
	GCP     GCPConfig   `yaml:"gcp"`
	Azure   AzureConfig `yaml:"azure"`
}

// LocalConfig holds settings for the filesystem emulation.
type LocalConfig struct {
	// RootDir is the buckets directory. Empty means a fresh temp directory
	// owned by the backend.
	RootDir string `yaml:"root_dir"`
}

// AWSConfig holds settings for the S3 backend.
type AWSConfig struct {
	Region string `yaml:"region"`
	// Prefix is prepended to every key in every bucket.
	Prefix string `yaml:"prefix"`
	// EndpointURL overrides the S3 endpoint (MinIO, LocalStack).
	EndpointURL  string `yaml:"endpoint_url"`
	UsePathStyle bool   `yaml:"use_path_style"`
	// AccessKeyID and SecretAccessKey select static credentials; when empty
	// the default credential chain is used.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCPConfig holds settings for the Cloud Storage backend.
type GCPConfig struct {
	// Project is required to create buckets.
	Project string `yaml:"project"`
	Prefix  string `yaml:"prefix"`
}

// AzureConfig holds settings for the Blob Storage backend.
type AzureConfig struct {
	// AccountURL is the full account URL. If empty it is built from Account.
	AccountURL string `yaml:"account_url"`
	Account    string `yaml:"account"`
	// ConnectionString, when set, takes precedence over AccountURL.
	ConnectionString string `yaml:"connection_string"`
	Prefix           string `yaml:"prefix"`
}

// ResourceConfig describes how the resource manager resolves logical paths.
// It is passed by value and never mutated after validation.
type ResourceConfig struct {
	// UseCloud selects the configured storage backend; otherwise logical
	// paths resolve to files under LocalRoot.
	UseCloud bool `yaml:"use_cloud"`
	// LocalRoot is the root directory in local mode.
	LocalRoot string `yaml:"local_root"`
	// Bucket and BasePath locate resources in cloud mode.
	Bucket   string `yaml:"bucket"`
	BasePath string `yaml:"base_path"`
	// ReadOnly disables every write.
	ReadOnly bool `yaml:"read_only"`
}

// MetricsConfig controls Prometheus instrumentation.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ServerConfig holds the diagnostic HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Load reads the YAML file at path, then merges overridePath over it when
// that file exists. An empty path starts from built-in defaults only.
func Load(path, overridePath string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}

	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// The local override is optional.
		case err != nil:
			return nil, fmt.Errorf("reading override file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing override file %q: %w", overridePath, err)
			}
		}
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "local", "memory", "aws", "gcp", "azure":
	default:
		return fmt.Errorf("storage.backend %q is not one of local, memory, aws, gcp, azure", c.Storage.Backend)
	}
	if c.Storage.Backend == "azure" && c.Storage.Azure.AccountURL == "" && c.Storage.Azure.ConnectionString == "" {
		return fmt.Errorf("storage.azure.account, account_url or connection_string is required when backend is 'azure'")
	}
	return c.Resources.Validate()
}

// Validate checks that the fields required by the selected mode are set.
func (r ResourceConfig) Validate() error {
	if r.UseCloud {
		if r.Bucket == "" {
			return fmt.Errorf("resources.bucket is required when resources.use_cloud is true")
		}
		return nil
	}
	if r.LocalRoot == "" {
		return fmt.Errorf("resources.local_root is required when resources.use_cloud is false")
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Backend: "local",
			Local: LocalConfig{
				RootDir: "./data/buckets",
			},
			AWS: AWSConfig{
				Region: "us-east-1",
			},
		},
		Resources: ResourceConfig{
			LocalRoot: "./data/resources",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 9090,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.AWS.Region == "" {
		cfg.Storage.AWS.Region = "us-east-1"
	}
	if cfg.Storage.Azure.AccountURL == "" && cfg.Storage.Azure.Account != "" {
		cfg.Storage.Azure.AccountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Storage.Azure.Account)
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
}
