// Package main implements the lodgedb server binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	apihttp "github.com/lodgedb/lodgedb/internal/api/http"
	"github.com/lodgedb/lodgedb/internal/config"
	"github.com/lodgedb/lodgedb/internal/engine"
	"github.com/lodgedb/lodgedb/internal/observability"
	"github.com/lodgedb/lodgedb/internal/server"
	"github.com/lodgedb/lodgedb/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		httpAddr    string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "lodgedb - partitioned booking-marketplace storage engine\n\n")
		fmt.Fprintf(os.Stderr, "Usage: lodgedb [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  lodgedb --data-dir /data/lodgedb\n")
		fmt.Fprintf(os.Stderr, "  lodgedb --config /etc/lodgedb/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  LODGEDB_DATA_DIR               Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  LODGEDB_HTTP_ADDR              HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  LODGEDB_QUERY_MEMORY_BUDGET_MB Per-query memory budget\n")
		fmt.Fprintf(os.Stderr, "  LODGEDB_STORAGE_TYPE           Storage type (local, s3)\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("lodgedb version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	objects, err := openStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	stats := observability.NewQueryStats(cfg.Query.StatsWindow)

	eng, err := engine.New(ctx, engine.Options{
		CatalogPath:  cfg.ManifestPath(),
		MemoryBudget: cfg.Query.MemoryBudgetBytes(),
		Objects:      objects,
		Stats:        stats,
	})
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}

	api := apihttp.NewAPI(eng)
	srv := server.New(cfg.HTTP, api.Routes())
	srv.RegisterCloser(server.CloserFunc(func() error {
		return eng.Close(context.Background())
	}))

	return srv.Run(ctx)
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.ObjectStorage, error) {
	switch cfg.Storage.Type {
	case "s3":
		return storage.NewS3Storage(ctx, cfg.Storage.S3.Bucket, storage.S3Config{
			Region:       cfg.Storage.S3.Region,
			Endpoint:     cfg.Storage.S3.Endpoint,
			UsePathStyle: cfg.Storage.S3.UsePathStyle,
		})
	default:
		return storage.NewLocalStorage(cfg.Storage.Path)
	}
}
