package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// ChunksFolder is the object-storage prefix under which chunk objects live.
const ChunksFolder = "CHUNKED_DATA"

// APITimeFormat renders the start-of-hour instant in chunk paths.
const APITimeFormat = "2006-01-02T15:04:05"

// ChunkPath builds the deterministic storage path for a bin key. All
// mutation of a chunk is keyed by this path, which is what makes batch
// retries idempotent.
func ChunkPath(root string, key BinKey) string {
	start := time.Unix(key.TimeBin*TimesliceQuantum, 0).UTC()
	return fmt.Sprintf("%s/%s/%s/%s/%s.csv",
		root, key.StudyObjectID, key.DeviceID, key.DataStream, start.Format(APITimeFormat))
}

// HeaderMismatchError means two uploads for the same bin key produced
// incompatible column sets, usually a file straddling an hour boundary with
// a differing header upstream. This is a data-integrity signal: the bin is
// aborted rather than silently corrupted, and its files retried later.
type HeaderMismatchError struct {
	Path     string
	Existing []byte
	New      []byte
}

func (e *HeaderMismatchError) Error() string {
	return fmt.Sprintf("header mismatch in %s: %q vs %q", e.Path, e.Existing, e.New)
}

// ChunkMissingError means the registry claimed a chunk exists but storage
// returned not-found: evidence of an interrupted prior run. The stale
// registry entry is deleted and the bin deferred to the next batch.
type ChunkMissingError struct {
	Path string
}

func (e *ChunkMissingError) Error() string {
	return fmt.Sprintf("chunk %s does not point to a stored object, registry entry dropped for reindex", e.Path)
}

// MergeError records one failed bin.
type MergeError struct {
	Key BinKey
	Err error
}

func (e *MergeError) Error() string { return fmt.Sprintf("bin %s: %v", e.Key, e.Err) }
func (e *MergeError) Unwrap() error { return e.Err }

// SurveyKey indexes the survey object ids collected during the binning
// sweep. Survey ids live in upload paths, not file contents, so they must
// be captured before bins lose sight of their source files.
type SurveyKey struct {
	StudyObjectID string
	DeviceID      string
	DataStream    string
	Header        string
}

type binData struct {
	rows          []Row
	fileIDs       []int64
	studyPK       int64
	participantPK int64
}

// Binified accumulates rows from many source files keyed by bin.
type Binified map[BinKey]*binData

// Append merges freshly binified rows into the accumulator, recording which
// source file contributed them.
func (b Binified) Append(newBins map[BinKey][]Row, file SourceFile) {
	for key, rows := range newBins {
		bd := b[key]
		if bd == nil {
			bd = &binData{studyPK: file.StudyPK, participantPK: file.ParticipantPK}
			b[key] = bd
		}
		bd.rows = append(bd.rows, rows...)
		bd.fileIDs = append(bd.fileIDs, file.ID)
	}
}

// Merger consumes binified data and stages one upload per bin, creating new
// chunks or downloading and merging into existing ones. Bins fail
// independently; a failure marks only the source files that contributed to
// that bin.
type Merger struct {
	registry   Registry
	store      ObjectStore
	chunksRoot string
	surveyIDs  map[SurveyKey]string
	logger     zerolog.Logger

	uploads  []ChunkUpload
	failures []*MergeError
	retire   map[int64]struct{}
	failed   map[int64]struct{}
	earliest int64
	latest   int64
}

func NewMerger(registry Registry, store ObjectStore, chunksRoot string, surveyIDs map[SurveyKey]string, logger zerolog.Logger) *Merger {
	if chunksRoot == "" {
		chunksRoot = ChunksFolder
	}
	return &Merger{
		registry:   registry,
		store:      store,
		chunksRoot: chunksRoot,
		surveyIDs:  surveyIDs,
		logger:     logger,
		retire:     make(map[int64]struct{}),
		failed:     make(map[int64]struct{}),
		earliest:   -1,
		latest:     -1,
	}
}

// Merge drives every bin through the merge state machine. Each bin is
// processed independently: an error in one marks its contributing files
// failed and moves on.
func (m *Merger) Merge(ctx context.Context, binified Binified) {
	for key, bin := range binified {
		if err := m.mergeBin(ctx, key, bin); err != nil {
			m.failures = append(m.failures, &MergeError{Key: key, Err: err})
			for _, id := range bin.fileIDs {
				m.failed[id] = struct{}{}
			}
			m.logger.Error().Err(err).
				Str("study", key.StudyObjectID).
				Str("device", key.DeviceID).
				Str("data_stream", key.DataStream).
				Int64("time_bin", key.TimeBin).
				Msg("bin failed, contributing files deferred to next batch")
			continue
		}
		for _, id := range bin.fileIDs {
			m.retire[id] = struct{}{}
		}
	}
}

func (m *Merger) mergeBin(ctx context.Context, key BinKey, bin *binData) error {
	m.trackBin(key.TimeBin)

	header, rows := insertUTCTimeColumn([]byte(key.Header), bin.rows)
	path := ChunkPath(m.chunksRoot, key)

	exists, err := m.registry.ChunkExists(ctx, path)
	if err != nil {
		return fmt.Errorf("registry existence check: %w", err)
	}

	var surveyPK *int64
	if exists {
		rows, err = m.downloadExisting(ctx, path, header, rows)
		if err != nil {
			return err
		}
	} else if IsSurveyData(key.DataStream) {
		surveyPK, err = m.resolveSurveyPK(ctx, key)
		if err != nil {
			return err
		}
	}

	sortRowsByTimestamp(rows)
	compressed := Compress(ConstructCSV(header, rows))

	m.uploads = append(m.uploads, ChunkUpload{
		Params: ChunkParams{
			StudyPK:       bin.studyPK,
			ParticipantPK: bin.participantPK,
			DataStream:    key.DataStream,
			ChunkPath:     path,
			TimeBin:       key.TimeBin * TimesliceQuantum,
			SurveyPK:      surveyPK,
			Hash:          ContentHash(compressed),
			FileSize:      int64(len(compressed)),
		},
		Path:          path,
		Contents:      compressed,
		StudyObjectID: key.StudyObjectID,
	})
	return nil
}

// downloadExisting fetches and parses the current chunk object, verifies
// header compatibility, and returns old rows concatenated ahead of new.
func (m *Merger) downloadExisting(ctx context.Context, path string, header []byte, newRows []Row) ([]Row, error) {
	compressed, err := m.store.Get(ctx, path)
	if errors.Is(err, ErrObjectNotFound) {
		// Interrupted prior run: the object write never landed after the
		// registry entry was created.
		if derr := m.registry.DeleteChunk(ctx, path); derr != nil {
			return nil, fmt.Errorf("drop stale registry entry for %s: %w", path, derr)
		}
		return nil, &ChunkMissingError{Path: path}
	}
	if err != nil {
		return nil, fmt.Errorf("download chunk %s: %w", path, err)
	}

	raw, err := Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress chunk %s: %w", path, err)
	}

	oldHeader, it := SplitCSV(raw)
	if !bytes.Equal(oldHeader, header) {
		return nil, &HeaderMismatchError{Path: path, Existing: oldHeader, New: header}
	}
	return append(it.Collect(), newRows...), nil
}

func (m *Merger) resolveSurveyPK(ctx context.Context, key BinKey) (*int64, error) {
	sk := SurveyKey{
		StudyObjectID: key.StudyObjectID,
		DeviceID:      key.DeviceID,
		DataStream:    key.DataStream,
		Header:        key.Header,
	}
	objectID, ok := m.surveyIDs[sk]
	if !ok {
		return nil, fmt.Errorf("no survey id recorded for %s", key)
	}
	pk, err := m.registry.SurveyPK(ctx, objectID)
	if err != nil {
		return nil, fmt.Errorf("resolve survey %s: %w", objectID, err)
	}
	return &pk, nil
}

func (m *Merger) trackBin(timeBin int64) {
	if m.earliest == -1 || timeBin < m.earliest {
		m.earliest = timeBin
	}
	if m.latest == -1 || timeBin > m.latest {
		m.latest = timeBin
	}
}

// Uploads returns the staged chunk writes.
func (m *Merger) Uploads() []ChunkUpload { return m.uploads }

// Failures returns the per-bin errors accumulated during Merge.
func (m *Merger) Failures() []*MergeError { return m.failures }

// GetRetirees reports the source-file ids eligible for deletion (contributed
// to at least one bin, appeared in no failed bin), the count of failed
// files, and the earliest and latest hour buckets touched (-1 when no bins
// were seen).
func (m *Merger) GetRetirees() (map[int64]struct{}, int, int64, int64) {
	retirees := make(map[int64]struct{}, len(m.retire))
	for id := range m.retire {
		if _, bad := m.failed[id]; !bad {
			retirees[id] = struct{}{}
		}
	}
	return retirees, len(m.failed), m.earliest, m.latest
}

// insertUTCTimeColumn adds a human-readable "UTC time" column after the
// timestamp of the header and every row, matching the layout of stored
// chunks so downstream researchers never decode unix milliseconds by hand.
func insertUTCTimeColumn(header []byte, rows []Row) ([]byte, []Row) {
	out := make([]Row, len(rows))
	for i, row := range rows {
		withTime := make(Row, 0, len(row)+1)
		withTime = append(withTime, row[0], utcTimeField(row[0]))
		out[i] = append(withTime, row[1:]...)
	}
	cols := bytes.Split(header, []byte{','})
	newCols := make([][]byte, 0, len(cols)+1)
	newCols = append(newCols, cols[0], []byte("UTC time"))
	newCols = append(newCols, cols[1:]...)
	return bytes.Join(newCols, []byte{','}), out
}

func utcTimeField(timecode []byte) []byte {
	secs, err := CleanTimecode(timecode)
	if err != nil {
		// binify only admits parseable timecodes
		secs = 0
	}
	var millis int64
	if len(timecode) >= 13 {
		millis, _ = strconv.ParseInt(string(timecode[10:13]), 10, 64)
	}
	stamp := time.Unix(secs, 0).UTC().Format(APITimeFormat)
	return []byte(fmt.Sprintf("%s.%03d", stamp, millis))
}

// sortRowsByTimestamp stably re-sorts rows by each row's own timestamp.
// Rows arrive from multiple source files covering overlapping time, so
// original file order means nothing here.
func sortRowsByTimestamp(rows []Row) {
	type keyed struct {
		ts  int64
		row Row
	}
	decorated := make([]keyed, len(rows))
	for i, row := range rows {
		decorated[i] = keyed{rowTimestamp(row), row}
	}
	sort.SliceStable(decorated, func(i, j int) bool { return decorated[i].ts < decorated[j].ts })
	for i, d := range decorated {
		rows[i] = d.row
	}
}

func rowTimestamp(row Row) int64 {
	if len(row) == 0 {
		return 0
	}
	field := row[0]
	end := 0
	for end < len(field) && end < 19 && field[end] >= '0' && field[end] <= '9' {
		end++
	}
	v, err := strconv.ParseInt(string(field[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Compress gzips a chunk's CSV text. Writing to a bytes.Buffer cannot fail.
func Compress(data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(data)
	_ = zw.Close()
	return buf.Bytes()
}

// Decompress inflates a stored chunk object.
func Decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// ContentHash is the registry's change-detection digest of a stored object.
func ContentHash(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
