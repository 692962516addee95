package processing

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/soundrail/soundrail/internal/clock"
	"github.com/soundrail/soundrail/internal/config"
	"github.com/soundrail/soundrail/internal/events"
	"github.com/soundrail/soundrail/internal/objstore"
	trackdomain "github.com/soundrail/soundrail/internal/track/domain"
	trackrepo "github.com/soundrail/soundrail/internal/track/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type workerFixture struct {
	db     *gorm.DB
	store  *objstore.MemoryStore
	repo   trackdomain.Repository
	worker *Worker
	node   *snowflake.Node
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&trackdomain.Track{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := objstore.NewMemoryStore()
	repo := trackrepo.Provide()

	worker := NewWorker(WorkerParams{
		DB:      db,
		Log:     zap.NewNop(),
		Repo:    repo,
		Objects: store,
		Clock:   clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		Config: config.Config{
			Pipeline: config.PipelineConfig{
				RetryMaxAttempts: 2,
				RetryBaseDelay:   time.Millisecond,
				RetryMaxDelay:    2 * time.Millisecond,
			},
		},
	})
	return &workerFixture{db: db, store: store, repo: repo, worker: worker, node: node}
}

func (f *workerFixture) createTrack(t *testing.T, trackID string, status trackdomain.TrackStatus) *trackdomain.Track {
	t.Helper()
	track := &trackdomain.Track{
		ID:            f.node.Generate(),
		TrackID:       trackID,
		UserID:        "user-1",
		ObjectKey:     "uploads/user-1/" + trackID,
		FileSizeBytes: 1024,
		MimeType:      "audio/wav",
		Status:        status,
	}
	require.NoError(t, f.repo.Create(context.Background(), f.db, track))
	return track
}

func (f *workerFixture) putWAV(t *testing.T, key string) {
	t.Helper()
	wav := buildWAV(t, 8000, 1, sineSamples(8000, 15000))
	require.NoError(t, f.store.Put(context.Background(), key, bytes.NewReader(wav), int64(len(wav)), "audio/wav"))
}

func uploadEvent(track *trackdomain.Track) events.AudioUploadedEvent {
	return events.AudioUploadedEvent{
		SchemaVersion: events.SchemaVersion,
		TrackID:       track.TrackID,
		UserID:        track.UserID,
		ObjectKey:     track.ObjectKey,
		MimeType:      track.MimeType,
		FileSizeBytes: track.FileSizeBytes,
	}
}

func TestHandleFinalizesTrack(t *testing.T) {
	f := newWorkerFixture(t)
	track := f.createTrack(t, "trk-1", trackdomain.StatusProcessing)
	f.putWAV(t, track.ObjectKey)

	require.NoError(t, f.worker.Handle(context.Background(), uploadEvent(track)))

	fresh, err := f.repo.FindByTrackID(context.Background(), f.db, "trk-1")
	require.NoError(t, err)
	require.Equal(t, trackdomain.StatusReady, fresh.Status)
	require.Nil(t, fresh.FailureReason)
	require.NotNil(t, fresh.WaveformObjectKey)
	require.Equal(t, "waveforms/trk-1.json", *fresh.WaveformObjectKey)
	require.True(t, f.store.Exists("waveforms/trk-1.json"))

	require.InDelta(t, 1.0, fresh.Metadata["duration_seconds"], 0.01)
	require.Equal(t, "wav", fresh.Metadata["format"])

	// Numeric metadata must survive the round trip as JSON numbers.
	require.IsType(t, float64(0), fresh.Metadata["duration_seconds"])
	require.IsType(t, float64(0), fresh.Metadata["sample_rate_hz"])
	require.IsType(t, float64(0), fresh.Metadata["channels"])
}

func TestHandleIsIdempotentForFinalizedTracks(t *testing.T) {
	f := newWorkerFixture(t)
	track := f.createTrack(t, "trk-1", trackdomain.StatusReady)

	require.NoError(t, f.worker.Handle(context.Background(), uploadEvent(track)))

	fresh, err := f.repo.FindByTrackID(context.Background(), f.db, "trk-1")
	require.NoError(t, err)
	require.Equal(t, trackdomain.StatusReady, fresh.Status)
	require.Equal(t, track.Version, fresh.Version)
}

func TestHandleIgnoresUnknownTrack(t *testing.T) {
	f := newWorkerFixture(t)
	require.NoError(t, f.worker.Handle(context.Background(), events.AudioUploadedEvent{TrackID: "missing"}))
}

func TestHandleMarksCorruptAudioFailed(t *testing.T) {
	f := newWorkerFixture(t)
	track := f.createTrack(t, "trk-1", trackdomain.StatusProcessing)
	garbage := []byte("this is not audio")
	require.NoError(t, f.store.Put(context.Background(), track.ObjectKey, bytes.NewReader(garbage), int64(len(garbage)), "audio/wav"))

	require.NoError(t, f.worker.Handle(context.Background(), uploadEvent(track)))

	fresh, err := f.repo.FindByTrackID(context.Background(), f.db, "trk-1")
	require.NoError(t, err)
	require.Equal(t, trackdomain.StatusFailed, fresh.Status)
	require.NotNil(t, fresh.FailureReason)
	require.Equal(t, FailureCorruptAudio, *fresh.FailureReason)
}

func TestHandleMarksMissingSourceFailed(t *testing.T) {
	f := newWorkerFixture(t)
	track := f.createTrack(t, "trk-1", trackdomain.StatusProcessing)

	require.NoError(t, f.worker.Handle(context.Background(), uploadEvent(track)))

	fresh, err := f.repo.FindByTrackID(context.Background(), f.db, "trk-1")
	require.NoError(t, err)
	require.Equal(t, trackdomain.StatusFailed, fresh.Status)
	require.Equal(t, FailureSourceMissing, *fresh.FailureReason)
}

// brokenStore fails every read to exercise retry exhaustion.
type brokenStore struct {
	objstore.Store
	calls int
}

func (s *brokenStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.calls++
	return nil, errors.New("storage unavailable")
}

func TestHandleDeadLettersAfterRetryExhaustion(t *testing.T) {
	f := newWorkerFixture(t)
	track := f.createTrack(t, "trk-1", trackdomain.StatusProcessing)

	broken := &brokenStore{Store: f.store}
	f.worker.objects = broken

	require.NoError(t, f.worker.Handle(context.Background(), uploadEvent(track)))
	require.Equal(t, 2, broken.calls)

	fresh, err := f.repo.FindByTrackID(context.Background(), f.db, "trk-1")
	require.NoError(t, err)
	require.Equal(t, trackdomain.StatusFailed, fresh.Status)
	require.Equal(t, FailureRetriesExhausted, *fresh.FailureReason)
}

// deletingStore soft-deletes the track right after the waveform is written,
// landing a conflicting write between the worker's probe and its finalize.
type deletingStore struct {
	objstore.Store
	repo  trackdomain.Repository
	db    *gorm.DB
	raced bool
}

func (s *deletingStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if err := s.Store.Put(ctx, key, r, size, contentType); err != nil {
		return err
	}
	if s.raced {
		return nil
	}
	s.raced = true
	track, err := s.repo.FindByTrackID(ctx, s.db, "trk-1")
	if err != nil {
		return err
	}
	prev := track.Status
	track.Status = trackdomain.StatusDeleted
	track.StatusBeforeDeletion = &prev
	return s.repo.UpdateWithVersion(ctx, s.db, track)
}

func TestHandleRemovesWaveformWhenDeletionWins(t *testing.T) {
	f := newWorkerFixture(t)
	track := f.createTrack(t, "trk-1", trackdomain.StatusProcessing)
	f.putWAV(t, track.ObjectKey)

	f.worker.objects = &deletingStore{Store: f.store, repo: f.repo, db: f.db}

	require.NoError(t, f.worker.Handle(context.Background(), uploadEvent(track)))

	fresh, err := f.repo.FindByTrackID(context.Background(), f.db, "trk-1")
	require.NoError(t, err)
	require.Equal(t, trackdomain.StatusDeleted, fresh.Status)
	require.Nil(t, fresh.WaveformObjectKey)

	// The abandoned artifact must not linger in object storage.
	require.False(t, f.store.Exists("waveforms/trk-1.json"))
}

func TestFinalizeAbandonsResultWhenDeletionWins(t *testing.T) {
	f := newWorkerFixture(t)
	f.createTrack(t, "trk-1", trackdomain.StatusProcessing)

	stale, err := f.repo.FindByTrackID(context.Background(), f.db, "trk-1")
	require.NoError(t, err)

	// A concurrent delete lands between the worker's read and its write.
	concurrent, err := f.repo.FindByTrackID(context.Background(), f.db, "trk-1")
	require.NoError(t, err)
	now := time.Now().UTC()
	deleted := trackdomain.StatusDeleted
	prev := trackdomain.StatusProcessing
	concurrent.Status = deleted
	concurrent.StatusBeforeDeletion = &prev
	concurrent.DeletedAt = &now
	require.NoError(t, f.repo.UpdateWithVersion(context.Background(), f.db, concurrent))

	applied, err := f.worker.finalize(context.Background(), stale, func(tr *trackdomain.Track) {
		tr.Status = trackdomain.StatusReady
	})
	require.NoError(t, err)
	require.False(t, applied)

	fresh, err := f.repo.FindByTrackID(context.Background(), f.db, "trk-1")
	require.NoError(t, err)
	require.Equal(t, trackdomain.StatusDeleted, fresh.Status)
}
