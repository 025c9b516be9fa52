package chunker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/verdantlab/chunker/processor"
)

// Store is the Postgres-backed chunk registry, pending-file index and
// summary-statistics writer. It implements processor.Registry,
// processor.FileStore and processor.StatsUpdater.
type Store struct {
	db *sqlx.DB
}

func OpenStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying pool for the process lock.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) ChunkExists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM chunk_registry WHERE chunk_path = $1)`, path)
	if err != nil {
		return false, fmt.Errorf("chunk existence check: %w", err)
	}
	return exists, nil
}

// UpsertChunk inserts or replaces the registry mirror of one chunk object.
// The conflict target is the path uniqueness constraint that enforces the
// one-chunk-per-bin invariant; a re-registration only moves hash and size.
func (s *Store) UpsertChunk(ctx context.Context, p processor.ChunkParams) error {
	query := `INSERT INTO chunk_registry (
		study_id, participant_id, data_stream, chunk_path, chunk_hash,
		file_size, time_bin, survey_id, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, to_timestamp($7), $8, now(), now()
	)
	ON CONFLICT (chunk_path) DO UPDATE SET
		chunk_hash = EXCLUDED.chunk_hash,
		file_size = EXCLUDED.file_size,
		updated_at = now()`

	var surveyID sql.NullInt64
	if p.SurveyPK != nil {
		surveyID = sql.NullInt64{Int64: *p.SurveyPK, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		p.StudyPK, p.ParticipantPK, p.DataStream, p.ChunkPath, p.Hash,
		p.FileSize, p.TimeBin, surveyID,
	)
	if err != nil {
		return fmt.Errorf("upsert chunk %s: %w", p.ChunkPath, err)
	}
	return nil
}

func (s *Store) DeleteChunk(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chunk_registry WHERE chunk_path = $1`, path); err != nil {
		return fmt.Errorf("delete chunk record %s: %w", path, err)
	}
	return nil
}

func (s *Store) SurveyPK(ctx context.Context, surveyObjectID string) (int64, error) {
	var pk int64
	err := s.db.GetContext(ctx, &pk,
		`SELECT id FROM surveys WHERE object_id = $1`, surveyObjectID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("survey not found: %s", surveyObjectID)
	}
	if err != nil {
		return 0, fmt.Errorf("look up survey %s: %w", surveyObjectID, err)
	}
	return pk, nil
}

type participantRow struct {
	PK       int64  `db:"id"`
	DeviceID string `db:"device_id"`
	StudyPK  int64  `db:"study_id"`
}

func (s *Store) ParticipantsWithPendingFiles(ctx context.Context) ([]processor.Participant, error) {
	var rows []participantRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT p.id, p.device_id, p.study_id
		FROM participants p
		JOIN files_to_process f ON f.participant_id = p.id
		WHERE NOT f.deleted
		ORDER BY p.id`)
	if err != nil {
		return nil, fmt.Errorf("list participants with pending files: %w", err)
	}

	participants := make([]processor.Participant, len(rows))
	for i, r := range rows {
		participants[i] = processor.Participant{PK: r.PK, DeviceID: r.DeviceID, StudyPK: r.StudyPK}
	}
	return participants, nil
}

func (s *Store) PendingFileCount(ctx context.Context, participantPK int64) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT count(*) FROM files_to_process WHERE participant_id = $1 AND NOT deleted`,
		participantPK)
	if err != nil {
		return 0, fmt.Errorf("count pending files: %w", err)
	}
	return count, nil
}

type sourceFileRow struct {
	ID            int64  `db:"id"`
	StudyPK       int64  `db:"study_id"`
	StudyObjectID string `db:"study_object_id"`
	ParticipantPK int64  `db:"participant_id"`
	DeviceID      string `db:"device_id"`
	DataStream    string `db:"data_stream"`
	StoragePath   string `db:"s3_path"`
	OSType        string `db:"os_type"`
}

// PendingFiles returns one page of a participant's unprocessed uploads.
// Ordering by storage path groups files by data stream in chronological
// order, which keeps merges hitting the same few chunks per page.
func (s *Store) PendingFiles(ctx context.Context, participantPK int64, offset, limit int) ([]processor.SourceFile, error) {
	var rows []sourceFileRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT f.id, f.study_id, st.object_id AS study_object_id,
		       f.participant_id, p.device_id, f.data_stream, f.s3_path, p.os_type
		FROM files_to_process f
		JOIN participants p ON p.id = f.participant_id
		JOIN studies st ON st.id = f.study_id
		WHERE f.participant_id = $1 AND NOT f.deleted
		ORDER BY f.s3_path, f.created_at
		LIMIT $2 OFFSET $3`,
		participantPK, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("page pending files: %w", err)
	}

	files := make([]processor.SourceFile, len(rows))
	for i, r := range rows {
		files[i] = processor.SourceFile{
			ID:            r.ID,
			StudyPK:       r.StudyPK,
			StudyObjectID: r.StudyObjectID,
			ParticipantPK: r.ParticipantPK,
			DeviceID:      r.DeviceID,
			DataStream:    r.DataStream,
			StoragePath:   r.StoragePath,
			OSType:        r.OSType,
		}
	}
	return files, nil
}

func (s *Store) DeleteFiles(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM files_to_process WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return fmt.Errorf("delete processed files: %w", err)
	}
	return nil
}

type chunkSizeRow struct {
	TimeBin    time.Time `db:"time_bin"`
	DataStream string    `db:"data_stream"`
	FileSize   int64     `db:"file_size"`
}

// RecomputeDailyQuantities refreshes a participant's per-day, per-stream
// stored-byte totals from the chunk registry. The scan is bounded to the
// UTC days covered by [earliestBin, latestBin] so a batch never rescans a
// participant's full history; a bound of -1 means unbounded (a batch that
// only registered unchunkable files reports no bin range).
func (s *Store) RecomputeDailyQuantities(ctx context.Context, participantPK, earliestBin, latestBin int64) error {
	query := `SELECT time_bin, data_stream, file_size
		FROM chunk_registry WHERE participant_id = $1`
	args := []interface{}{participantPK}

	if earliestBin >= 0 {
		start := time.Unix(earliestBin*processor.TimesliceQuantum, 0).UTC().Truncate(24 * time.Hour)
		args = append(args, start)
		query += fmt.Sprintf(" AND time_bin >= $%d", len(args))
	}
	if latestBin >= 0 {
		end := time.Unix(latestBin*processor.TimesliceQuantum, 0).UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		args = append(args, end)
		query += fmt.Sprintf(" AND time_bin < $%d", len(args))
	}

	var rows []chunkSizeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return fmt.Errorf("scan chunk sizes: %w", err)
	}

	type dayStream struct {
		day    time.Time
		stream string
	}
	totals := make(map[dayStream]int64)
	for _, r := range rows {
		key := dayStream{day: r.TimeBin.UTC().Truncate(24 * time.Hour), stream: r.DataStream}
		totals[key] += r.FileSize
	}

	upsert := `INSERT INTO daily_summaries (participant_id, summary_date, data_stream, bytes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (participant_id, summary_date, data_stream)
		DO UPDATE SET bytes = EXCLUDED.bytes`
	for key, total := range totals {
		if _, err := s.db.ExecContext(ctx, upsert, participantPK, key.day, key.stream, total); err != nil {
			return fmt.Errorf("upsert daily summary: %w", err)
		}
	}
	return nil
}
