package chunker

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/verdantlab/chunker/processor"
)

type Config struct {
	DatabaseURL string
	S3Bucket    string
	ChunksRoot  string
	PageSize    int
	Concurrency int
}

func NewConfig() *Config {
	return &Config{}
}

func (c *Config) LoadFromEnv() error {
	c.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	c.S3Bucket = strings.TrimSpace(os.Getenv("S3_BUCKET"))
	c.ChunksRoot = strings.TrimSpace(os.Getenv("CHUNKS_ROOT"))

	c.PageSize = processor.DefaultPageSize
	if v := strings.TrimSpace(os.Getenv("FILE_PROCESS_PAGE_SIZE")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			c.PageSize = parsed
		}
	}

	// network I/O workers; CPU work stays on the calling goroutine
	c.Concurrency = runtime.NumCPU() * 2
	if v := strings.TrimSpace(os.Getenv("CONCURRENT_NETWORK_OPS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			c.Concurrency = parsed
		}
	}

	if c.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL environment variable is required")
	}
	if c.S3Bucket == "" {
		log.Fatal().Msg("S3_BUCKET environment variable is required")
	}
	if c.ChunksRoot == "" {
		c.ChunksRoot = processor.ChunksFolder
	}

	return nil
}

func (c *Config) ProcessorOptions() processor.Options {
	return processor.Options{
		PageSize:    c.PageSize,
		Concurrency: c.Concurrency,
		ChunksRoot:  c.ChunksRoot,
	}
}
