package processor

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// memFiles is an in-memory FileStore.
type memFiles struct {
	mu           sync.Mutex
	participants []Participant
	files        map[int64][]SourceFile
}

func newMemFiles(participants ...Participant) *memFiles {
	return &memFiles{participants: participants, files: make(map[int64][]SourceFile)}
}

func (m *memFiles) add(f SourceFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.ParticipantPK] = append(m.files[f.ParticipantPK], f)
}

func (m *memFiles) ParticipantsWithPendingFiles(_ context.Context) ([]Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Participant
	for _, p := range m.participants {
		if len(m.files[p.PK]) > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memFiles) PendingFileCount(_ context.Context, participantPK int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files[participantPK]), nil
}

func (m *memFiles) PendingFiles(_ context.Context, participantPK int64, offset, limit int) ([]SourceFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.files[participantPK]
	if offset >= len(pending) {
		return nil, nil
	}
	end := offset + limit
	if end > len(pending) {
		end = len(pending)
	}
	page := make([]SourceFile, end-offset)
	copy(page, pending[offset:end])
	return page, nil
}

func (m *memFiles) DeleteFiles(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doomed := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		doomed[id] = struct{}{}
	}
	for pk, pending := range m.files {
		kept := pending[:0]
		for _, f := range pending {
			if _, gone := doomed[f.ID]; !gone {
				kept = append(kept, f)
			}
		}
		m.files[pk] = kept
	}
	return nil
}

type statsCall struct {
	participantPK int64
	earliestBin   int64
	latestBin     int64
}

// memStats records summary recomputation requests.
type memStats struct {
	mu    sync.Mutex
	calls []statsCall
}

func (s *memStats) RecomputeDailyQuantities(_ context.Context, participantPK, earliestBin, latestBin int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, statsCall{participantPK, earliestBin, latestBin})
	return nil
}

var testParticipant = Participant{PK: 7, DeviceID: "device1", StudyPK: 1}

type driverFixture struct {
	files    *memFiles
	registry *memRegistry
	store    *memStore
	stats    *memStats
	driver   *Driver
}

func newDriverFixture() *driverFixture {
	f := &driverFixture{
		files:    newMemFiles(testParticipant),
		registry: newMemRegistry(),
		store:    newMemStore(),
		stats:    &memStats{},
	}
	f.driver = NewDriver(f.files, f.registry, f.store, f.stats,
		Options{PageSize: 10, Concurrency: 2}, zerolog.Nop())
	return f
}

// stage makes a source file downloadable and pending.
func (f *driverFixture) stage(file SourceFile, contents []byte) {
	f.store.objects[file.StoragePath] = contents
	f.files.add(file)
}

func TestDriverRunChunksAndRetires(t *testing.T) {
	f := newDriverFixture()
	f.stage(gpsFile(1), gpsCSV("1600000001000,1,1"))
	f.stage(gpsFile(2), gpsCSV("1600000002000,2,2"))

	require.NoError(t, f.driver.Run(context.Background()))

	path := "CHUNKED_DATA/study1/device1/gps/2020-09-13T12:00:00.csv"
	require.Contains(t, f.registry.chunks, path)
	want := "timestamp,UTC time,latitude,longitude\n" +
		"1600000001000,2020-09-13T12:26:41.000,1,1\n" +
		"1600000002000,2020-09-13T12:26:42.000,2,2"
	require.Equal(t, want, storedChunk(t, f.store, path))

	remaining, err := f.files.PendingFileCount(context.Background(), testParticipant.PK)
	require.NoError(t, err)
	require.Zero(t, remaining, "consumed source files must be deleted")

	require.Equal(t, []statsCall{{testParticipant.PK, gpsBucket, gpsBucket}}, f.stats.calls)
}

func TestDriverRetiresEmptyFiles(t *testing.T) {
	f := newDriverFixture()
	f.stage(gpsFile(1), []byte(gpsHeader))

	require.NoError(t, f.driver.Run(context.Background()))

	remaining, err := f.files.PendingFileCount(context.Background(), testParticipant.PK)
	require.NoError(t, err)
	require.Zero(t, remaining)
	require.Empty(t, f.registry.chunks, "a header-only file yields no chunk")
	// no bins were touched, so the recompute runs unbounded
	require.Equal(t, []statsCall{{testParticipant.PK, -1, -1}}, f.stats.calls)
}

func TestDriverRegistersUnchunkableFiles(t *testing.T) {
	f := newDriverFixture()
	audio := SourceFile{
		ID: 1, StudyPK: 1, StudyObjectID: "study1", ParticipantPK: 7,
		DeviceID: "device1", DataStream: VoiceRecording,
		StoragePath: "study1/device1/audio_recordings/1600000000.wav",
		OSType:      IOSAPI,
	}
	f.stage(audio, []byte("audio"))

	require.NoError(t, f.driver.Run(context.Background()))

	entry, ok := f.registry.chunks[audio.StoragePath]
	require.True(t, ok, "unchunkable file must be registered at its existing path")
	require.Equal(t, int64(1600000000), entry.TimeBin)
	require.Equal(t, int64(5), entry.FileSize)
	require.Equal(t, ContentHash([]byte("audio")), entry.Hash)

	remaining, err := f.files.PendingFileCount(context.Background(), testParticipant.PK)
	require.NoError(t, err)
	require.Zero(t, remaining)
}

func TestDriverAttachesSurveyToUnchunkableAnswers(t *testing.T) {
	f := newDriverFixture()
	f.registry.surveys["survey123"] = 42
	answers := SourceFile{
		ID: 1, StudyPK: 1, StudyObjectID: "study1", ParticipantPK: 7,
		DeviceID: "device1", DataStream: SurveyAnswers,
		StoragePath: "study1/device1/survey_answers/survey123/1600000000.csv",
		OSType:      AndroidAPI,
	}
	f.stage(answers, []byte("question id,answer\nq1,yes"))

	require.NoError(t, f.driver.Run(context.Background()))

	entry := f.registry.chunks[answers.StoragePath]
	require.NotNil(t, entry.SurveyPK)
	require.Equal(t, int64(42), *entry.SurveyPK)
}

func TestDriverIsolatesDownloadFailures(t *testing.T) {
	f := newDriverFixture()
	good, bad := gpsFile(1), gpsFile(2)
	f.stage(good, gpsCSV("1600000001000,1,1"))
	f.files.add(bad)
	f.store.getErr[bad.StoragePath] = fmt.Errorf("timeout")

	require.NoError(t, f.driver.Run(context.Background()))

	require.Len(t, f.registry.chunks, 1, "the healthy file must still chunk")
	remaining, err := f.files.PendingFiles(context.Background(), testParticipant.PK, 0, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, bad.ID, remaining[0].ID, "the failed file stays pending for the next batch")
}

func TestDriverBreaksOnPermanentlyBrokenFiles(t *testing.T) {
	f := newDriverFixture()
	broken := SourceFile{
		ID: 1, StudyPK: 1, StudyObjectID: "study1", ParticipantPK: 7,
		DeviceID: "device1", DataStream: VoiceRecording,
		StoragePath: "study1/device1/audio_recordings/not-a-timestamp.wav",
		OSType:      IOSAPI,
	}
	f.stage(broken, []byte("audio"))

	// must terminate rather than loop forever on a file that can never chunk
	require.NoError(t, f.driver.Run(context.Background()))

	remaining, err := f.files.PendingFileCount(context.Background(), testParticipant.PK)
	require.NoError(t, err)
	require.Equal(t, 1, remaining)
	require.Empty(t, f.registry.chunks)
}

func TestDriverAbortsBatchOnUploadFailure(t *testing.T) {
	f := newDriverFixture()
	f.stage(gpsFile(1), gpsCSV("1600000001000,1,1"))
	path := "CHUNKED_DATA/study1/device1/gps/2020-09-13T12:00:00.csv"
	f.store.putErr[path] = fmt.Errorf("storage unavailable")

	err := f.driver.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "storage unavailable")

	remaining, cerr := f.files.PendingFileCount(context.Background(), testParticipant.PK)
	require.NoError(t, cerr)
	require.Equal(t, 1, remaining, "nothing may be retired out of an aborted batch")
}

func TestDriverProcessesMultipleParticipants(t *testing.T) {
	other := Participant{PK: 8, DeviceID: "device2", StudyPK: 1}
	f := newDriverFixture()
	f.files.participants = append(f.files.participants, other)

	f.stage(gpsFile(1), gpsCSV("1600000001000,1,1"))
	second := SourceFile{
		ID: 2, StudyPK: 1, StudyObjectID: "study1", ParticipantPK: 8,
		DeviceID: "device2", DataStream: GPS,
		StoragePath: "study1/device2/gps/1600000000000.csv",
		OSType:      IOSAPI,
	}
	f.stage(second, gpsCSV("1600000002000,2,2"))

	require.NoError(t, f.driver.Run(context.Background()))

	require.Contains(t, f.registry.chunks, "CHUNKED_DATA/study1/device1/gps/2020-09-13T12:00:00.csv")
	require.Contains(t, f.registry.chunks, "CHUNKED_DATA/study1/device2/gps/2020-09-13T12:00:00.csv")
	require.Len(t, f.stats.calls, 2)
}
