package processor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// downloadResult carries one fetched source file back to the aggregator.
// Workers only ever write to the results channel, never to shared state.
type downloadResult struct {
	file     SourceFile
	contents []byte
	err      error
}

// downloadAll fetches raw bytes for every pending source file on a bounded
// worker pool, overlapping network latency with the CPU-bound parsing the
// caller does afterwards. Per-file errors are returned in the result, not
// raised: a failed download defers only that file.
func downloadAll(ctx context.Context, store ObjectStore, files []SourceFile, workers int) []downloadResult {
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan SourceFile, len(files))
	results := make(chan downloadResult, len(files))

	for _, f := range files {
		jobs <- f
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				contents, err := store.Get(ctx, f.StoragePath)
				results <- downloadResult{file: f, contents: contents, err: err}
			}
		}()
	}
	wg.Wait()
	close(results)

	out := make([]downloadResult, 0, len(files))
	for res := range results {
		out = append(out, res)
	}
	return out
}

// uploadAll writes every staged chunk object and upserts its registry
// mirror on a bounded pool. Any failure cancels the remaining uploads and
// is returned after the pool drains: a partially uploaded batch is safe to
// retry because every write is an idempotent overwrite keyed by
// deterministic path, while silently dropping a chunk is not.
func uploadAll(ctx context.Context, store ObjectStore, registry Registry, uploads []ChunkUpload, workers int) error {
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, up := range uploads {
		g.Go(func() error {
			if err := store.Put(ctx, up.Path, up.Contents); err != nil {
				return fmt.Errorf("upload chunk %s: %w", up.Path, err)
			}
			if err := registry.UpsertChunk(ctx, up.Params); err != nil {
				return fmt.Errorf("register chunk %s: %w", up.Path, err)
			}
			return nil
		})
	}
	return g.Wait()
}
