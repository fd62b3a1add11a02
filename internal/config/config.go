// Package config provides configuration for colspec storage, catalog,
// snapshot publishing and replication.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "COLSPEC_"

// Config holds the configuration for a colspec node.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Catalog configuration
	Catalog CatalogConfig `json:"catalog" yaml:"catalog"`

	// Snapshot publishing configuration
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`

	// Replication log configuration
	Replication ReplicationConfig `json:"replication" yaml:"replication"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// PartSize is the multipart upload part size in bytes
	PartSize int64 `json:"part_size" yaml:"part_size"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// CatalogConfig holds snapshot catalog configuration.
type CatalogConfig struct {
	// Path is the SQLite database file
	Path string `json:"path" yaml:"path"`
}

// SnapshotConfig holds snapshot retention settings.
type SnapshotConfig struct {
	// Keep is the number of snapshots retained per group by Prune
	Keep int `json:"keep" yaml:"keep"`

	// PruneConcurrency bounds parallel deletes while pruning
	PruneConcurrency int `json:"prune_concurrency" yaml:"prune_concurrency"`

	// Interval between automatic checkpoints; zero disables them
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// ReplicationConfig holds replication log settings.
type ReplicationConfig struct {
	// Enabled turns on the on-disk instruction log
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Dir is the segment directory
	Dir string `json:"dir" yaml:"dir"`

	// MaxSegmentSize is the size in bytes at which a segment is rotated
	MaxSegmentSize int64 `json:"max_segment_size" yaml:"max_segment_size"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/colspec",
		Storage: StorageConfig{
			Type:     "local",
			PartSize: 5 * 1024 * 1024,
		},
		Snapshot: SnapshotConfig{
			Keep:             10,
			PruneConcurrency: 4,
		},
		Replication: ReplicationConfig{
			Enabled:        true,
			MaxSegmentSize: 16 * 1024 * 1024,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/colspec"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(c.DataDir, "catalog.db")
	}
	if c.Replication.Dir == "" {
		c.Replication.Dir = filepath.Join(c.DataDir, "replication")
	}
}

// GroupPath returns the path of the working group file.
func (c *Config) GroupPath() string {
	return filepath.Join(c.DataDir, "group.cspec")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	// S3 rejects parts below 5MB other than the last
	if c.Storage.PartSize < 5*1024*1024 {
		return fmt.Errorf("storage.part_size must be at least 5MB, got %d", c.Storage.PartSize)
	}

	if c.Snapshot.Keep < 1 {
		return fmt.Errorf("snapshot.keep must be at least 1, got %d", c.Snapshot.Keep)
	}

	if c.Snapshot.PruneConcurrency < 1 {
		return fmt.Errorf("snapshot.prune_concurrency must be at least 1, got %d", c.Snapshot.PruneConcurrency)
	}

	if c.Snapshot.Interval < 0 {
		return fmt.Errorf("snapshot.interval must not be negative, got %s", c.Snapshot.Interval)
	}

	if c.Replication.Enabled && c.Replication.MaxSegmentSize <= 0 {
		return fmt.Errorf("replication.max_segment_size must be positive, got %d", c.Replication.MaxSegmentSize)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the COLSPEC_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Storage configuration
	if v := getenv("STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := getenv("STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := getenv("STORAGE_PART_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Storage.PartSize)
	}
	if v := getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := getenv("S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := getenv("S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := getenv("S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}

	// Catalog configuration
	if v := getenv("CATALOG_PATH"); v != "" {
		cfg.Catalog.Path = v
	}

	// Snapshot configuration
	if v := getenv("SNAPSHOT_KEEP"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Snapshot.Keep)
	}
	if v := getenv("SNAPSHOT_PRUNE_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Snapshot.PruneConcurrency)
	}
	if v := getenv("SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Snapshot.Interval = d
		}
	}

	// Replication configuration
	if v := getenv("REPLICATION_ENABLED"); v != "" {
		cfg.Replication.Enabled = v == "true" || v == "1"
	}
	if v := getenv("REPLICATION_DIR"); v != "" {
		cfg.Replication.Dir = v
	}
	if v := getenv("REPLICATION_MAX_SEGMENT_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Replication.MaxSegmentSize)
	}
}

func getenv(name string) string {
	return os.Getenv(envPrefix + name)
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.Catalog.Path),
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}
	if c.Replication.Enabled {
		dirs = append(dirs, c.Replication.Dir)
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
