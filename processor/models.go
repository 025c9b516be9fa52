package processor

import (
	"context"
	"errors"
)

// SourceFile is one pending upload awaiting chunking. It is read-only to
// the pipeline; the driver deletes its record once its rows are durably
// merged or it is registered unchunkable.
type SourceFile struct {
	ID            int64
	StudyPK       int64
	StudyObjectID string
	ParticipantPK int64
	DeviceID      string
	DataStream    string
	StoragePath   string
	OSType        string
}

// Participant is a device owner with pending source files.
type Participant struct {
	PK       int64
	DeviceID string
	StudyPK  int64
}

// ChunkParams are the registry fields mirroring one chunk object.
type ChunkParams struct {
	StudyPK       int64
	ParticipantPK int64
	DataStream    string
	ChunkPath     string
	TimeBin       int64 // unix seconds of the chunk's start instant
	SurveyPK      *int64
	Hash          string
	FileSize      int64
}

// ChunkUpload is one staged object write plus its registry mirror.
type ChunkUpload struct {
	Params        ChunkParams
	Path          string
	Contents      []byte // gzip-compressed CSV
	StudyObjectID string
}

// ErrObjectNotFound is returned by ObjectStore.Get for a path that holds no
// object. Adapters map their provider's not-found answer onto it so the
// merge engine can distinguish registry/storage divergence from transient
// failures.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the durable blob store holding raw uploads and chunks.
type ObjectStore interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, contents []byte) error
}

// Registry is the metadata index mirroring chunk existence and location.
type Registry interface {
	ChunkExists(ctx context.Context, path string) (bool, error)
	UpsertChunk(ctx context.Context, params ChunkParams) error
	DeleteChunk(ctx context.Context, path string) error
	// SurveyPK resolves a survey object id to its registry primary key.
	SurveyPK(ctx context.Context, surveyObjectID string) (int64, error)
}

// FileStore pages through pending source files per participant.
type FileStore interface {
	ParticipantsWithPendingFiles(ctx context.Context) ([]Participant, error)
	PendingFileCount(ctx context.Context, participantPK int64) (int, error)
	PendingFiles(ctx context.Context, participantPK int64, offset, limit int) ([]SourceFile, error)
	DeleteFiles(ctx context.Context, ids []int64) error
}

// StatsUpdater recomputes daily byte-quantity summaries for the hour-bucket
// range a batch touched.
type StatsUpdater interface {
	RecomputeDailyQuantities(ctx context.Context, participantPK, earliestBin, latestBin int64) error
}
