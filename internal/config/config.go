// Package config provides unified configuration for the lodgedb server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full server configuration.
type Config struct {
	// DataDir is the base directory for the manifest and local storage.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	HTTP    HTTPConfig    `json:"http" yaml:"http"`
	Query   QueryConfig   `json:"query" yaml:"query"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// QueryConfig holds query execution configuration.
type QueryConfig struct {
	// MemoryBudgetMB bounds hash-join build tables and sort buffers per
	// query. Zero disables the limit.
	MemoryBudgetMB int `json:"memory_budget_mb" yaml:"memory_budget_mb"`

	// StatsWindow is how long predicate statistics are retained for index
	// suggestions.
	StatsWindow time.Duration `json:"stats_window" yaml:"stats_window"`
}

// MemoryBudgetBytes returns the per-query budget in bytes.
func (q QueryConfig) MemoryBudgetBytes() int64 {
	return int64(q.MemoryBudgetMB) * 1024 * 1024
}

// StorageConfig holds segment storage configuration.
type StorageConfig struct {
	// Type is the storage backend: local, s3.
	Type string `json:"type" yaml:"type"`

	// Path is the local storage root (local type).
	Path string `json:"path" yaml:"path"`

	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 backend configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/lodgedb",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Query: QueryConfig{
			MemoryBudgetMB: 64,
			StatsWindow:    time.Hour,
		},
		Storage: StorageConfig{
			Type: "local",
		},
	}
}

// Resolve fills derived paths from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/lodgedb"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
}

// ManifestPath returns the path to the manifest database.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.DataDir, "manifest.db")
}

// Validate rejects configurations the server cannot run with.
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
	if c.Query.MemoryBudgetMB < 0 {
		return fmt.Errorf("query.memory_budget_mb must not be negative")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
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

// LoadFromEnv overlays LODGEDB_-prefixed environment variables.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LODGEDB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LODGEDB_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("LODGEDB_QUERY_MEMORY_BUDGET_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Query.MemoryBudgetMB = n
		}
	}
	if v := os.Getenv("LODGEDB_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("LODGEDB_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("LODGEDB_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("LODGEDB_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("LODGEDB_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("LODGEDB_S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}
}

// Load builds the effective configuration: .env file, then the optional
// config file, then environment variables, most specific last.
func Load(configFile string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if configFile != "" {
		loaded, err := LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	LoadFromEnv(cfg)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
