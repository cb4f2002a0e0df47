package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 64, cfg.Query.MemoryBudgetMB)
	assert.Equal(t, time.Hour, cfg.Query.StatsWindow)
	assert.Equal(t, "local", cfg.Storage.Type)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/lodgedb
http:
  addr: ":9090"
  read_timeout: 10s
query:
  memory_budget_mb: 128
storage:
  type: s3
  s3:
    bucket: lodgedb-segments
    region: eu-west-1
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/lodgedb", cfg.DataDir)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 128, cfg.Query.MemoryBudgetMB)
	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, "lodgedb-segments", cfg.Storage.S3.Bucket)
	// Unset fields keep their defaults.
	assert.Equal(t, 120*time.Second, cfg.HTTP.IdleTimeout)
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"data_dir": "/tmp/lodgedb",
		"query": {"memory_budget_mb": 32}
	}`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/lodgedb", cfg.DataDir)
	assert.Equal(t, 32, cfg.Query.MemoryBudgetMB)
}

func TestLoadFromFile_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o644))
	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LODGEDB_DATA_DIR", "/data/env")
	t.Setenv("LODGEDB_HTTP_ADDR", ":7070")
	t.Setenv("LODGEDB_QUERY_MEMORY_BUDGET_MB", "256")
	t.Setenv("LODGEDB_STORAGE_TYPE", "s3")
	t.Setenv("LODGEDB_S3_BUCKET", "bkt")
	t.Setenv("LODGEDB_S3_USE_PATH_STYLE", "1")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	assert.Equal(t, "/data/env", cfg.DataDir)
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, 256, cfg.Query.MemoryBudgetMB)
	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, "bkt", cfg.Storage.S3.Bucket)
	assert.True(t, cfg.Storage.S3.UsePathStyle)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Storage.Type = "gcs"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Storage.Type = "s3"
	assert.Error(t, cfg.Validate(), "s3 without a bucket")
	cfg.Storage.S3.Bucket = "bkt"
	assert.NoError(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Query.MemoryBudgetMB = -1
	assert.Error(t, cfg.Validate())
}

func TestResolve(t *testing.T) {
	cfg := &Config{DataDir: "/srv/lodgedb", Storage: StorageConfig{Type: "local"}}
	cfg.Resolve()
	assert.Equal(t, filepath.Join("/srv/lodgedb", "storage"), cfg.Storage.Path)
	assert.Equal(t, filepath.Join("/srv/lodgedb", "manifest.db"), cfg.ManifestPath())

	// An explicit storage path is left alone.
	cfg = &Config{DataDir: "/srv/lodgedb", Storage: StorageConfig{Type: "local", Path: "/mnt/objects"}}
	cfg.Resolve()
	assert.Equal(t, "/mnt/objects", cfg.Storage.Path)
}

func TestMemoryBudgetBytes(t *testing.T) {
	q := QueryConfig{MemoryBudgetMB: 64}
	assert.Equal(t, int64(64<<20), q.MemoryBudgetBytes())
	assert.Equal(t, int64(0), QueryConfig{}.MemoryBudgetBytes())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /from/file\n"), 0o644))
	t.Setenv("LODGEDB_HTTP_ADDR", ":6060")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/file", cfg.DataDir)
	assert.Equal(t, ":6060", cfg.HTTP.Addr)
	assert.Equal(t, filepath.Join("/from/file", "storage"), cfg.Storage.Path)
}
