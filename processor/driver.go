package processor

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultPageSize bounds how many pending files one pass pulls for a
// participant.
const DefaultPageSize = 100

// Options are the batch driver's knobs, passed explicitly at construction.
type Options struct {
	// PageSize is the number of pending files processed per pass.
	PageSize int
	// Concurrency sizes the download and upload worker pools.
	Concurrency int
	// ChunksRoot is the object-storage prefix for chunk objects.
	ChunksRoot string
}

// Driver iterates participants with pending uploads, runs each page of
// their files through download, fixups, binning and merging, retires the
// consumed source files, and refreshes daily byte-quantity summaries.
type Driver struct {
	files    FileStore
	registry Registry
	store    ObjectStore
	stats    StatsUpdater
	opts     Options
	logger   zerolog.Logger
}

func NewDriver(files FileStore, registry Registry, store ObjectStore, stats StatsUpdater, opts Options, logger zerolog.Logger) *Driver {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU() * 2
	}
	if opts.ChunksRoot == "" {
		opts.ChunksRoot = ChunksFolder
	}
	return &Driver{
		files:    files,
		registry: registry,
		store:    store,
		stats:    stats,
		opts:     opts,
		logger:   logger,
	}
}

// Run processes every participant's pending files once. Per-file and
// per-bin failures are isolated and retried next batch; upload failures
// abort the whole batch, which is safe to retry since all chunk writes are
// idempotent overwrites.
func (d *Driver) Run(ctx context.Context) error {
	logger := d.logger.With().Str("run_id", uuid.NewString()).Logger()

	participants, err := d.files.ParticipantsWithPendingFiles(ctx)
	if err != nil {
		return fmt.Errorf("list participants with pending files: %w", err)
	}

	devices := make([]string, len(participants))
	for i, p := range participants {
		devices[i] = p.DeviceID
	}
	logger.Info().Str("devices", strings.Join(devices, ",")).Msg("processing pending files")

	for _, p := range participants {
		if err := d.processParticipant(ctx, p, logger); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) processParticipant(ctx context.Context, p Participant, logger zerolog.Logger) error {
	logger = logger.With().Str("device", p.DeviceID).Logger()

	badFiles := 0
	earliest, latest := int64(-1), int64(-1)
	sawFiles := false

	for {
		prevBad := badFiles
		starting, err := d.files.PendingFileCount(ctx, p.PK)
		if err != nil {
			return fmt.Errorf("count pending files for %s: %w", p.DeviceID, err)
		}
		if starting == 0 {
			break
		}
		logger.Info().Int("remaining", starting).Msg("processing page")

		// badFiles doubles as the page offset so files that already failed
		// this batch are not refetched on the next pass.
		page, err := d.processPage(ctx, p, badFiles, logger)
		if err != nil {
			return err
		}
		badFiles += page.badFiles
		if page.nFiles > 0 {
			sawFiles = true
		}
		if page.earliest != -1 {
			if earliest == -1 || page.earliest < earliest {
				earliest = page.earliest
			}
			if page.latest > latest {
				latest = page.latest
			}
		}

		remaining, err := d.files.PendingFileCount(ctx, p.PK)
		if err != nil {
			return fmt.Errorf("count pending files for %s: %w", p.DeviceID, err)
		}
		if remaining == starting && prevBad == badFiles {
			// every remaining file is broken, or nothing new arrived
			break
		}
	}

	if sawFiles {
		if err := d.stats.RecomputeDailyQuantities(ctx, p.PK, earliest, latest); err != nil {
			return fmt.Errorf("recompute daily quantities for %s: %w", p.DeviceID, err)
		}
	}
	return nil
}

type pageResult struct {
	badFiles int
	nFiles   int
	earliest int64
	latest   int64
}

func (d *Driver) processPage(ctx context.Context, p Participant, position int, logger zerolog.Logger) (pageResult, error) {
	res := pageResult{earliest: -1, latest: -1}

	files, err := d.files.PendingFiles(ctx, p.PK, position, d.opts.PageSize)
	if err != nil {
		return res, fmt.Errorf("page pending files for %s: %w", p.DeviceID, err)
	}
	res.nFiles = len(files)
	if len(files) == 0 {
		return res, nil
	}

	downloads := downloadAll(ctx, d.store, files, d.opts.Concurrency)

	binified := make(Binified)
	surveyIDs := make(map[SurveyKey]string)
	retire := make(map[int64]struct{})

	for _, dl := range downloads {
		if dl.err != nil {
			logger.Error().Err(dl.err).Str("path", dl.file.StoragePath).
				Msg("source file download failed, deferred to next batch")
			res.badFiles++
			continue
		}
		if err := d.processOneFile(ctx, dl.file, dl.contents, binified, surveyIDs, retire, logger); err != nil {
			logger.Error().Err(err).Str("path", dl.file.StoragePath).
				Msg("source file failed, deferred to next batch")
			res.badFiles++
		}
	}

	merger := NewMerger(d.registry, d.store, d.opts.ChunksRoot, surveyIDs, logger)
	merger.Merge(ctx, binified)

	if err := uploadAll(ctx, d.store, d.registry, merger.Uploads(), d.opts.Concurrency); err != nil {
		return res, err
	}

	retirees, failed, earliest, latest := merger.GetRetirees()
	for id := range retirees {
		retire[id] = struct{}{}
	}
	res.badFiles += failed
	res.earliest, res.latest = earliest, latest

	if len(retire) > 0 {
		ids := make([]int64, 0, len(retire))
		for id := range retire {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if err := d.files.DeleteFiles(ctx, ids); err != nil {
			return res, fmt.Errorf("delete retired files for %s: %w", p.DeviceID, err)
		}
	}

	logger.Info().Int("files", len(files)).Int("retired", len(retire)).
		Int("failed", res.badFiles).Int("chunks", len(merger.Uploads())).
		Msg("page complete")
	return res, nil
}

func (d *Driver) processOneFile(
	ctx context.Context, f SourceFile, contents []byte,
	binified Binified, surveyIDs map[SurveyKey]string, retire map[int64]struct{},
	logger zerolog.Logger,
) error {
	if !Chunkable(f.DataStream) {
		if err := d.registerUnchunked(ctx, f, contents); err != nil {
			return err
		}
		retire[f.ID] = struct{}{}
		return nil
	}

	header, rows := prepareCSV(f, contents, logger)

	// survey ids live in the upload path, not the file; capture them now,
	// keyed the same way bins are, for the merge engine to resolve later
	if IsSurveyData(f.DataStream) {
		surveyIDs[SurveyKey{
			StudyObjectID: f.StudyObjectID,
			DeviceID:      f.DeviceID,
			DataStream:    f.DataStream,
			Header:        string(header),
		}] = SurveyIDFromPath(f.StoragePath)
	}

	bins := Binify(rows, f.StudyObjectID, f.DeviceID, f.DataStream, header)
	if len(bins) == 0 {
		// header-only upload, nothing to merge
		retire[f.ID] = struct{}{}
		return nil
	}
	binified.Append(bins, f)
	return nil
}

// registerUnchunked records a non-CSV upload (audio, images, survey
// answers) in the chunk registry pointing at its existing storage path; the
// timestamp lives in the file name. Re-uploading the same path updates the
// registered size and hash instead of failing.
func (d *Driver) registerUnchunked(ctx context.Context, f SourceFile, contents []byte) error {
	secs, err := CleanTimecode([]byte(timecodeFromFileName(f.StoragePath)))
	if err != nil {
		return fmt.Errorf("unchunkable file name carries no timestamp: %w", err)
	}

	var surveyPK *int64
	if IsSurveyData(f.DataStream) {
		pk, err := d.registry.SurveyPK(ctx, SurveyIDFromPath(f.StoragePath))
		if err != nil {
			return fmt.Errorf("resolve survey for %s: %w", f.StoragePath, err)
		}
		surveyPK = &pk
	}

	return d.registry.UpsertChunk(ctx, ChunkParams{
		StudyPK:       f.StudyPK,
		ParticipantPK: f.ParticipantPK,
		DataStream:    f.DataStream,
		ChunkPath:     f.StoragePath,
		TimeBin:       secs,
		SurveyPK:      surveyPK,
		Hash:          ContentHash(contents),
		FileSize:      int64(len(contents)),
	})
}

// timecodeFromFileName strips the directory and extension off a storage
// path, leaving the client's file-name timecode.
func timecodeFromFileName(path string) string {
	base := path
	if idx := strings.LastIndexByte(base, '/'); idx != -1 {
		base = base[idx+1:]
	}
	if idx := strings.LastIndexByte(base, '.'); idx != -1 {
		base = base[:idx]
	}
	return base
}
