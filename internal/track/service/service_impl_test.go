package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/soundrail/soundrail/internal/accesscache"
	"github.com/soundrail/soundrail/internal/audit"
	"github.com/soundrail/soundrail/internal/clock"
	"github.com/soundrail/soundrail/internal/config"
	"github.com/soundrail/soundrail/internal/events"
	trackdomain "github.com/soundrail/soundrail/internal/track/domain"
	trackrepo "github.com/soundrail/soundrail/internal/track/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const grace = 30 * 24 * time.Hour

type serviceFixture struct {
	db    *gorm.DB
	repo  trackdomain.Repository
	cache *accesscache.MemoryCache
	clock *clock.FakeClock
	node  *snowflake.Node
	svc   trackdomain.Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&trackdomain.Track{}, &events.OutboxMessage{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	repo := trackrepo.Provide()
	cache := accesscache.NewMemoryCache()
	fc := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		Repo:   repo,
		Outbox: events.NewOutbox(node, fc),
		Cache:  cache,
		Audit:  audit.NewLogRecorder(zap.NewNop()),
		Clock:  fc,
		Config: config.Config{Pipeline: config.PipelineConfig{GracePeriod: grace}},
	})
	return &serviceFixture{db: db, repo: repo, cache: cache, clock: fc, node: node, svc: svc}
}

func (f *serviceFixture) createTrack(t *testing.T, trackID string, status trackdomain.TrackStatus) *trackdomain.Track {
	t.Helper()
	track := &trackdomain.Track{
		ID:            f.node.Generate(),
		TrackID:       trackID,
		UserID:        "user-1",
		ObjectKey:     "uploads/user-1/" + trackID,
		FileSizeBytes: 2048,
		MimeType:      "audio/wav",
		Status:        status,
	}
	require.NoError(t, f.repo.Create(context.Background(), f.db, track))
	return track
}

func TestDeleteSoftDeletesAndEmitsEvent(t *testing.T) {
	f := newServiceFixture(t)
	f.createTrack(t, "trk-1", trackdomain.StatusReady)

	require.NoError(t, f.svc.Delete(context.Background(), "trk-1", "user-1", "user request"))

	fresh, err := f.repo.FindByTrackID(context.Background(), f.db, "trk-1")
	require.NoError(t, err)
	require.Equal(t, trackdomain.StatusDeleted, fresh.Status)
	require.NotNil(t, fresh.StatusBeforeDeletion)
	require.Equal(t, trackdomain.StatusReady, *fresh.StatusBeforeDeletion)
	require.NotNil(t, fresh.DeletedAt)
	require.NotNil(t, fresh.ScheduledDeletionAt)
	require.Equal(t, f.clock.Now().Add(grace), fresh.ScheduledDeletionAt.UTC())

	var msgs []events.OutboxMessage
	require.NoError(t, f.db.Find(&msgs).Error)
	require.Len(t, msgs, 1)
	require.Equal(t, events.TypeTrackDeleted, msgs[0].EventType)
	require.Equal(t, "trk-1", msgs[0].PartitionKey)

	require.Equal(t, 1, f.cache.Invalidations["trk-1"])
}

func TestDeleteAlreadyDeletedConflicts(t *testing.T) {
	f := newServiceFixture(t)
	f.createTrack(t, "trk-1", trackdomain.StatusReady)

	require.NoError(t, f.svc.Delete(context.Background(), "trk-1", "user-1", ""))
	err := f.svc.Delete(context.Background(), "trk-1", "user-1", "")
	require.ErrorIs(t, err, trackdomain.ErrAlreadyDeleted)

	// No second event was enqueued.
	var count int64
	require.NoError(t, f.db.Model(&events.OutboxMessage{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestDeleteUnknownTrack(t *testing.T) {
	f := newServiceFixture(t)
	err := f.svc.Delete(context.Background(), "missing", "user-1", "")
	require.ErrorIs(t, err, trackdomain.ErrTrackNotFound)
}

func TestRestoreWithinGracePeriod(t *testing.T) {
	f := newServiceFixture(t)
	f.createTrack(t, "trk-1", trackdomain.StatusReady)
	require.NoError(t, f.svc.Delete(context.Background(), "trk-1", "user-1", ""))

	f.clock.Advance(29 * 24 * time.Hour)
	require.NoError(t, f.svc.Restore(context.Background(), "trk-1", "user-1"))

	fresh, err := f.repo.FindByTrackID(context.Background(), f.db, "trk-1")
	require.NoError(t, err)
	require.Equal(t, trackdomain.StatusReady, fresh.Status)
	require.Nil(t, fresh.StatusBeforeDeletion)
	require.Nil(t, fresh.DeletedAt)
	require.Nil(t, fresh.ScheduledDeletionAt)
}

func TestRestoreAfterGracePeriodFails(t *testing.T) {
	f := newServiceFixture(t)
	f.createTrack(t, "trk-1", trackdomain.StatusReady)
	require.NoError(t, f.svc.Delete(context.Background(), "trk-1", "user-1", ""))

	f.clock.Advance(31 * 24 * time.Hour)
	err := f.svc.Restore(context.Background(), "trk-1", "user-1")
	require.ErrorIs(t, err, trackdomain.ErrRestoreWindowOver)

	fresh, err := f.repo.FindByTrackID(context.Background(), f.db, "trk-1")
	require.NoError(t, err)
	require.Equal(t, trackdomain.StatusDeleted, fresh.Status)
}

func TestRestoreRequiresDeletedStatus(t *testing.T) {
	f := newServiceFixture(t)
	f.createTrack(t, "trk-1", trackdomain.StatusReady)

	err := f.svc.Restore(context.Background(), "trk-1", "user-1")
	require.ErrorIs(t, err, trackdomain.ErrNotDeleted)
}

func TestRestoreNeverReturnsToProcessing(t *testing.T) {
	f := newServiceFixture(t)
	f.createTrack(t, "trk-1", trackdomain.StatusProcessing)
	require.NoError(t, f.svc.Delete(context.Background(), "trk-1", "user-1", ""))

	err := f.svc.Restore(context.Background(), "trk-1", "user-1")
	require.ErrorIs(t, err, trackdomain.ErrRestoreWindowOver)
}

func TestGetHidesDeletedTracks(t *testing.T) {
	f := newServiceFixture(t)
	f.createTrack(t, "trk-1", trackdomain.StatusReady)

	track, err := f.svc.Get(context.Background(), "trk-1")
	require.NoError(t, err)
	require.Equal(t, "trk-1", track.TrackID)

	require.NoError(t, f.svc.Delete(context.Background(), "trk-1", "user-1", ""))
	_, err = f.svc.Get(context.Background(), "trk-1")
	require.ErrorIs(t, err, trackdomain.ErrTrackNotAccessible)
}

func TestConcurrentVersionConflictIsSurfaced(t *testing.T) {
	f := newServiceFixture(t)
	f.createTrack(t, "trk-1", trackdomain.StatusReady)

	stale, err := f.repo.FindByTrackID(context.Background(), f.db, "trk-1")
	require.NoError(t, err)

	winner, err := f.repo.FindByTrackID(context.Background(), f.db, "trk-1")
	require.NoError(t, err)
	winner.Status = trackdomain.StatusDeleted
	require.NoError(t, f.repo.UpdateWithVersion(context.Background(), f.db, winner))

	err = f.repo.UpdateWithVersion(context.Background(), f.db, stale)
	require.ErrorIs(t, err, trackdomain.ErrVersionConflict)
}
