package ingest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/soundrail/soundrail/internal/clock"
	"github.com/soundrail/soundrail/internal/events"
	"github.com/soundrail/soundrail/internal/migration"
	"github.com/soundrail/soundrail/internal/objstore"
	"github.com/soundrail/soundrail/internal/quota"
	trackdomain "github.com/soundrail/soundrail/internal/track/domain"
	trackrepo "github.com/soundrail/soundrail/internal/track/repository"
	sessiondomain "github.com/soundrail/soundrail/internal/uploadsession/domain"
	sessionrepo "github.com/soundrail/soundrail/internal/uploadsession/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ingestFixture struct {
	db      *gorm.DB
	svc     *Service
	store   *objstore.MemoryStore
	quota   *quota.Repository
	clock   *clock.FakeClock
	node    *snowflake.Node
	session sessiondomain.Repository
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(migration.Models()...))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := objstore.NewMemoryStore()
	quotaRepo := quota.NewRepository(node)
	sessions := sessionrepo.Provide()
	fc := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		Tracks:   trackrepo.Provide(),
		Sessions: sessions,
		Outbox:   events.NewOutbox(node, fc),
		Objects:  store,
		Quota:    quotaRepo,
		GenID:    node,
		Clock:    fc,
	})
	return &ingestFixture{
		db:      db,
		svc:     svc,
		store:   store,
		quota:   quotaRepo,
		clock:   fc,
		node:    node,
		session: sessions,
	}
}

func (f *ingestFixture) reserveSession(t *testing.T, objectKey string) *sessiondomain.UploadSession {
	t.Helper()
	session := &sessiondomain.UploadSession{
		ID:                  f.node.Generate(),
		UploadID:            "up-1",
		UserID:              "user-1",
		ReservedTrackID:     "trk-1",
		ObjectKey:           objectKey,
		ExpectedMimeType:    "audio/wav",
		MaxAllowedSizeBytes: 1 << 20,
		Status:              sessiondomain.StatusPending,
		CreatedAt:           f.clock.Now(),
		ExpiresAt:           f.clock.Now().Add(15 * time.Minute),
	}
	require.NoError(t, f.session.Create(context.Background(), f.db, session))
	return session
}

func (f *ingestFixture) putObject(t *testing.T, key string, size int) {
	t.Helper()
	data := bytes.Repeat([]byte{0xAB}, size)
	require.NoError(t, f.store.Put(context.Background(), key, bytes.NewReader(data), int64(size), "audio/wav"))
}

func notificationFor(session *sessiondomain.UploadSession, size int64) StorageNotification {
	return StorageNotification{
		Bucket:      "soundrail-audio",
		EventName:   "s3:ObjectCreated:Put",
		ObjectKey:   session.ObjectKey,
		SizeBytes:   size,
		ContentType: session.ExpectedMimeType,
		ETag:        "etag-1",
	}
}

func TestIngestCreatesTrack(t *testing.T) {
	f := newIngestFixture(t)
	session := f.reserveSession(t, "uploads/user-1/trk-1")
	f.putObject(t, session.ObjectKey, 2048)

	result, err := f.svc.Ingest(context.Background(), notificationFor(session, 2048))
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, result.Outcome)
	require.Equal(t, "trk-1", result.TrackID)

	var track trackdomain.Track
	require.NoError(t, f.db.Where("track_id = ?", "trk-1").First(&track).Error)
	require.Equal(t, trackdomain.StatusProcessing, track.Status)
	require.Equal(t, "user-1", track.UserID)
	require.Equal(t, int64(2048), track.FileSizeBytes)

	used, err := f.quota.UsedBytes(context.Background(), f.db, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(2048), used)

	var outboxCount int64
	require.NoError(t, f.db.Model(&events.OutboxMessage{}).
		Where("event_type = ?", events.TypeAudioUploaded).Count(&outboxCount).Error)
	require.Equal(t, int64(1), outboxCount)
}

func TestIngestRedeliveryIsIdempotent(t *testing.T) {
	f := newIngestFixture(t)
	session := f.reserveSession(t, "uploads/user-1/trk-1")
	f.putObject(t, session.ObjectKey, 1024)
	n := notificationFor(session, 1024)

	_, err := f.svc.Ingest(context.Background(), n)
	require.NoError(t, err)

	result, err := f.svc.Ingest(context.Background(), n)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyApplied, result.Outcome)
	require.Equal(t, "trk-1", result.TrackID)

	var trackCount, outboxCount int64
	require.NoError(t, f.db.Model(&trackdomain.Track{}).Count(&trackCount).Error)
	require.NoError(t, f.db.Model(&events.OutboxMessage{}).Count(&outboxCount).Error)
	require.Equal(t, int64(1), trackCount)
	require.Equal(t, int64(1), outboxCount)

	used, err := f.quota.UsedBytes(context.Background(), f.db, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(1024), used)
}

func TestIngestRejectsOrphanNotification(t *testing.T) {
	f := newIngestFixture(t)

	result, err := f.svc.Ingest(context.Background(), StorageNotification{
		ObjectKey: "uploads/nobody/unknown",
		SizeBytes: 10,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, result.Outcome)
	require.Equal(t, ReasonOrphanUpload, result.Reason)
}

func TestIngestRejectsExpiredSession(t *testing.T) {
	f := newIngestFixture(t)
	session := f.reserveSession(t, "uploads/user-1/trk-1")
	f.putObject(t, session.ObjectKey, 512)

	f.clock.Advance(16 * time.Minute)

	result, err := f.svc.Ingest(context.Background(), notificationFor(session, 512))
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, result.Outcome)
	require.Equal(t, ReasonSessionExpired, result.Reason)

	var fresh sessiondomain.UploadSession
	require.NoError(t, f.db.Where("object_key = ?", session.ObjectKey).First(&fresh).Error)
	require.Equal(t, sessiondomain.StatusExpired, fresh.Status)
	require.False(t, f.store.Exists(session.ObjectKey))
}

func TestIngestRejectsMimeMismatch(t *testing.T) {
	f := newIngestFixture(t)
	session := f.reserveSession(t, "uploads/user-1/trk-1")
	f.putObject(t, session.ObjectKey, 512)

	n := notificationFor(session, 512)
	n.ContentType = "video/mp4"

	result, err := f.svc.Ingest(context.Background(), n)
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, result.Outcome)
	require.Equal(t, ReasonMimeMismatch, result.Reason)

	var fresh sessiondomain.UploadSession
	require.NoError(t, f.db.Where("object_key = ?", session.ObjectKey).First(&fresh).Error)
	require.Equal(t, sessiondomain.StatusFailed, fresh.Status)
	require.False(t, f.store.Exists(session.ObjectKey))

	var trackCount int64
	require.NoError(t, f.db.Model(&trackdomain.Track{}).Count(&trackCount).Error)
	require.Zero(t, trackCount)
}

func TestIngestRejectsOversizedUpload(t *testing.T) {
	f := newIngestFixture(t)
	session := f.reserveSession(t, "uploads/user-1/trk-1")
	f.putObject(t, session.ObjectKey, int(session.MaxAllowedSizeBytes)+1)

	result, err := f.svc.Ingest(context.Background(), notificationFor(session, session.MaxAllowedSizeBytes+1))
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, result.Outcome)
	require.Equal(t, ReasonSizeExceeded, result.Reason)
}

func TestIngestChecksStoredSizeNotReportedSize(t *testing.T) {
	f := newIngestFixture(t)
	session := f.reserveSession(t, "uploads/user-1/trk-1")
	f.putObject(t, session.ObjectKey, int(session.MaxAllowedSizeBytes)+1)

	// The notification under-reports; the stored object is over the cap.
	result, err := f.svc.Ingest(context.Background(), notificationFor(session, 512))
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, result.Outcome)
	require.Equal(t, ReasonSizeExceeded, result.Reason)

	var trackCount int64
	require.NoError(t, f.db.Model(&trackdomain.Track{}).Count(&trackCount).Error)
	require.Zero(t, trackCount)
}

func TestIngestRecordsStoredSizeOnTrack(t *testing.T) {
	f := newIngestFixture(t)
	session := f.reserveSession(t, "uploads/user-1/trk-1")
	f.putObject(t, session.ObjectKey, 4096)

	result, err := f.svc.Ingest(context.Background(), notificationFor(session, 1024))
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, result.Outcome)

	var track trackdomain.Track
	require.NoError(t, f.db.Where("track_id = ?", "trk-1").First(&track).Error)
	require.Equal(t, int64(4096), track.FileSizeBytes)

	used, err := f.quota.UsedBytes(context.Background(), f.db, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(4096), used)
}

func TestIngestReportsExistingTrackWhenSessionWasLeftOpen(t *testing.T) {
	f := newIngestFixture(t)
	session := f.reserveSession(t, "uploads/user-1/trk-1")
	f.putObject(t, session.ObjectKey, 1024)

	// A crash between track commit and session close leaves the session
	// pending while the track row already exists.
	require.NoError(t, f.db.Create(&trackdomain.Track{
		ID:            f.node.Generate(),
		TrackID:       session.ReservedTrackID,
		UserID:        session.UserID,
		ObjectKey:     "uploads/user-1/other-key",
		FileSizeBytes: 1024,
		MimeType:      "audio/wav",
		Status:        trackdomain.StatusProcessing,
		Version:       1,
	}).Error)

	result, err := f.svc.Ingest(context.Background(), notificationFor(session, 1024))
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyApplied, result.Outcome)
	require.Equal(t, "trk-1", result.TrackID)

	var trackCount int64
	require.NoError(t, f.db.Model(&trackdomain.Track{}).Count(&trackCount).Error)
	require.Equal(t, int64(1), trackCount)
}
