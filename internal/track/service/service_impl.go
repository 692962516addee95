package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/soundrail/soundrail/internal/accesscache"
	"github.com/soundrail/soundrail/internal/audit"
	"github.com/soundrail/soundrail/internal/clock"
	"github.com/soundrail/soundrail/internal/config"
	"github.com/soundrail/soundrail/internal/events"
	trackdomain "github.com/soundrail/soundrail/internal/track/domain"
	"github.com/soundrail/soundrail/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    trackdomain.Repository
	Outbox  *events.Outbox
	Cache   accesscache.Invalidator
	Audit   audit.Recorder
	Clock   clock.Clock
	Config  config.Config
	Metrics *telemetry.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    trackdomain.Repository
	outbox  *events.Outbox
	cache   accesscache.Invalidator
	audit   audit.Recorder
	clock   clock.Clock
	metrics *telemetry.Metrics
	grace   time.Duration
}

func NewService(p Params) trackdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("track.service"),
		repo:    p.Repo,
		outbox:  p.Outbox,
		cache:   p.Cache,
		audit:   p.Audit,
		clock:   p.Clock,
		metrics: p.Metrics,
		grace:   p.Config.Pipeline.GracePeriod,
	}
}

// Delete flips the track to deleted, co-commits the TrackDeletedEvent, then
// invalidates cached access artifacts. The event consumer re-invalidates
// later, so a failed synchronous invalidation degrades instead of failing
// the delete.
func (s *Service) Delete(ctx context.Context, trackID, actor, reason string) error {
	for attempt := 0; ; attempt++ {
		track, err := s.repo.FindByTrackID(ctx, s.db, trackID)
		if err != nil {
			return err
		}
		if track.Status == trackdomain.StatusDeleted {
			return trackdomain.ErrAlreadyDeleted
		}
		if !trackdomain.CanTransition(track.Status, trackdomain.StatusDeleted) {
			return trackdomain.ErrInvalidTransition
		}

		err = s.softDelete(ctx, track)
		if err == nil {
			break
		}
		if errors.Is(err, trackdomain.ErrVersionConflict) && attempt == 0 {
			// Someone raced us; reload and re-evaluate once.
			continue
		}
		return err
	}

	if err := s.audit.RecordAction(ctx, actor, "track.deleted", trackID, reason); err != nil {
		s.log.Warn("audit hook failed for delete", zap.String("track_id", trackID), zap.Error(err))
	}

	track, err := s.repo.FindByTrackID(ctx, s.db, trackID)
	if err == nil {
		if err := s.cache.Invalidate(ctx, trackID, track.UserID); err != nil {
			s.log.Warn("synchronous cache invalidation failed",
				zap.String("track_id", trackID),
				zap.Error(err),
			)
		} else {
			s.metrics.RecordCacheInvalidation("delete")
		}
	}
	return nil
}

func (s *Service) softDelete(ctx context.Context, track *trackdomain.Track) error {
	now := s.clock.Now()
	scheduled := now.Add(s.grace)

	prev := track.Status
	track.Status = trackdomain.StatusDeleted
	track.StatusBeforeDeletion = &prev
	track.DeletedAt = &now
	track.ScheduledDeletionAt = &scheduled

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpdateWithVersion(ctx, tx, track); err != nil {
			return err
		}

		waveformKey := ""
		if track.WaveformObjectKey != nil {
			waveformKey = *track.WaveformObjectKey
		}
		payload, err := events.Encode(events.TrackDeletedEvent{
			SchemaVersion:       events.SchemaVersion,
			TrackID:             track.TrackID,
			UserID:              track.UserID,
			ObjectKey:           track.ObjectKey,
			WaveformObjectKey:   waveformKey,
			FileSizeBytes:       track.FileSizeBytes,
			DeletedAt:           now,
			ScheduledDeletionAt: scheduled,
			CorrelationID:       uuid.NewString(),
			Timestamp:           now,
		})
		if err != nil {
			return err
		}
		return s.outbox.PublishTx(ctx, tx, events.TypeTrackDeleted, track.TrackID, payload)
	})
}

// Restore reverses a soft delete while the grace window is open. The window
// boundary is authoritative even if the physical sweep has not run yet.
func (s *Service) Restore(ctx context.Context, trackID, actor string) error {
	track, err := s.repo.FindByTrackID(ctx, s.db, trackID)
	if err != nil {
		return err
	}
	if track.Status != trackdomain.StatusDeleted {
		return trackdomain.ErrNotDeleted
	}
	now := s.clock.Now()
	if !track.CanRestore(now) {
		return trackdomain.ErrRestoreWindowOver
	}

	track.Status = *track.StatusBeforeDeletion
	track.StatusBeforeDeletion = nil
	track.DeletedAt = nil
	track.ScheduledDeletionAt = nil

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.UpdateWithVersion(ctx, tx, track)
	})
	if err != nil {
		return err
	}

	if err := s.audit.RecordAction(ctx, actor, "track.restored", trackID, ""); err != nil {
		s.log.Warn("audit hook failed for restore", zap.String("track_id", trackID), zap.Error(err))
	}
	return nil
}

// Get returns the track for callers that may hand out access artifacts.
// Deleted tracks are never accessible, regardless of cache state.
func (s *Service) Get(ctx context.Context, trackID string) (*trackdomain.Track, error) {
	track, err := s.repo.FindByTrackID(ctx, s.db, trackID)
	if err != nil {
		return nil, err
	}
	if track.Status == trackdomain.StatusDeleted {
		return nil, trackdomain.ErrTrackNotAccessible
	}
	return track, nil
}
