package chunker

import (
	"runtime"
	"testing"

	"github.com/verdantlab/chunker/processor"
)

func TestConfigLoadFromEnvBasic(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://chunker:pw@localhost:5432/chunker")
	t.Setenv("S3_BUCKET", "test-bucket")
	t.Setenv("CHUNKS_ROOT", "CHUNKED_DATA_TEST")
	t.Setenv("FILE_PROCESS_PAGE_SIZE", "25")
	t.Setenv("CONCURRENT_NETWORK_OPS", "4")

	cfg := NewConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.DatabaseURL != "postgres://chunker:pw@localhost:5432/chunker" {
		t.Errorf("Unexpected DatabaseURL: '%s'", cfg.DatabaseURL)
	}
	if cfg.S3Bucket != "test-bucket" {
		t.Errorf("Expected S3Bucket 'test-bucket', got '%s'", cfg.S3Bucket)
	}
	if cfg.ChunksRoot != "CHUNKED_DATA_TEST" {
		t.Errorf("Expected ChunksRoot 'CHUNKED_DATA_TEST', got '%s'", cfg.ChunksRoot)
	}
	if cfg.PageSize != 25 {
		t.Errorf("Expected PageSize 25, got %d", cfg.PageSize)
	}
	if cfg.Concurrency != 4 {
		t.Errorf("Expected Concurrency 4, got %d", cfg.Concurrency)
	}
}

func TestConfigLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/chunker")
	t.Setenv("S3_BUCKET", "test-bucket")
	t.Setenv("CHUNKS_ROOT", "")
	t.Setenv("FILE_PROCESS_PAGE_SIZE", "")
	t.Setenv("CONCURRENT_NETWORK_OPS", "")

	cfg := NewConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.ChunksRoot != processor.ChunksFolder {
		t.Errorf("Expected default ChunksRoot '%s', got '%s'", processor.ChunksFolder, cfg.ChunksRoot)
	}
	if cfg.PageSize != processor.DefaultPageSize {
		t.Errorf("Expected default PageSize %d, got %d", processor.DefaultPageSize, cfg.PageSize)
	}
	if cfg.Concurrency != runtime.NumCPU()*2 {
		t.Errorf("Expected default Concurrency %d, got %d", runtime.NumCPU()*2, cfg.Concurrency)
	}
}

func TestConfigLoadFromEnvIgnoresGarbageNumbers(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/chunker")
	t.Setenv("S3_BUCKET", "test-bucket")
	t.Setenv("FILE_PROCESS_PAGE_SIZE", "not-a-number")
	t.Setenv("CONCURRENT_NETWORK_OPS", "-3")

	cfg := NewConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.PageSize != processor.DefaultPageSize {
		t.Errorf("Expected default PageSize %d, got %d", processor.DefaultPageSize, cfg.PageSize)
	}
	if cfg.Concurrency != runtime.NumCPU()*2 {
		t.Errorf("Expected default Concurrency %d, got %d", runtime.NumCPU()*2, cfg.Concurrency)
	}
}

func TestConfigProcessorOptions(t *testing.T) {
	cfg := &Config{ChunksRoot: "ROOT", PageSize: 50, Concurrency: 8}
	opts := cfg.ProcessorOptions()
	if opts.ChunksRoot != "ROOT" || opts.PageSize != 50 || opts.Concurrency != 8 {
		t.Errorf("Options not mapped from config: %+v", opts)
	}
}
