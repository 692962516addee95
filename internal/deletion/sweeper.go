package deletion

import (
	"context"
	"time"

	"github.com/soundrail/soundrail/internal/clock"
	"github.com/soundrail/soundrail/internal/config"
	"github.com/soundrail/soundrail/internal/objstore"
	"github.com/soundrail/soundrail/internal/quota"
	trackdomain "github.com/soundrail/soundrail/internal/track/domain"
	sessiondomain "github.com/soundrail/soundrail/internal/uploadsession/domain"
	"github.com/soundrail/soundrail/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type SweeperParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Repo     trackdomain.Repository
	Sessions sessiondomain.Repository
	Objects  objstore.Store
	Quota    *quota.Repository
	Clock    clock.Clock
	Config   config.Config
	Metrics  *telemetry.Metrics `optional:"true"`
}

// Sweeper physically removes tracks whose grace period has elapsed and
// garbage-collects closed upload sessions. Every step tolerates re-execution:
// object deletes treat missing keys as success, the quota reversal is deduped
// per track, and the document delete ignores missing rows. A crash between
// steps is healed by the next run.
type Sweeper struct {
	db        *gorm.DB
	log       *zap.Logger
	repo      trackdomain.Repository
	sessions  sessiondomain.Repository
	objects   objstore.Store
	quota     *quota.Repository
	clock     clock.Clock
	metrics   *telemetry.Metrics
	interval  time.Duration
	batchSize int
	retention time.Duration
}

func NewSweeper(p SweeperParams) *Sweeper {
	return &Sweeper{
		db:        p.DB,
		log:       p.Log.Named("deletion.sweeper"),
		repo:      p.Repo,
		sessions:  p.Sessions,
		objects:   p.Objects,
		quota:     p.Quota,
		clock:     p.Clock,
		metrics:   p.Metrics,
		interval:  p.Config.Pipeline.SweepInterval,
		batchSize: p.Config.Pipeline.SweepBatchSize,
		retention: p.Config.Pipeline.SessionRetention,
	}
}

// RunForever sweeps on a fixed interval until ctx is canceled.
func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error("sweep run failed", zap.Error(err))
			}
			s.purgeSessions(ctx)
		}
	}
}

// RunOnce sweeps one batch of eligible tracks and returns how many were
// fully removed. Per-track failures are logged and skipped; the track stays
// eligible for the next run.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	start := s.clock.Now()
	defer func() {
		s.metrics.ObserveSweepDuration(s.clock.Now().Sub(start))
	}()

	candidates, err := s.repo.SweepCandidates(ctx, s.db, start, s.batchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	for i := range candidates {
		if ctx.Err() != nil {
			return swept, ctx.Err()
		}
		track := &candidates[i]
		if err := s.sweepTrack(ctx, track); err != nil {
			s.log.Warn("track sweep failed, will retry next run",
				zap.String("track_id", track.TrackID),
				zap.Error(err),
			)
			s.metrics.RecordSweep("error")
			continue
		}
		s.metrics.RecordSweep("removed")
		swept++
	}

	if swept > 0 {
		s.log.Info("sweep completed",
			zap.Int("removed", swept),
			zap.Int("candidates", len(candidates)),
		)
	}
	return swept, nil
}

// sweepTrack removes the storage objects first, then reverses the quota and
// deletes the document in one transaction. Object deletes are outside the
// transaction on purpose: if the document delete fails the next run simply
// re-deletes already-missing objects.
func (s *Sweeper) sweepTrack(ctx context.Context, track *trackdomain.Track) error {
	if err := s.objects.Delete(ctx, track.ObjectKey); err != nil {
		return err
	}
	if track.WaveformObjectKey != nil {
		if err := s.objects.Delete(ctx, *track.WaveformObjectKey); err != nil {
			return err
		}
	}

	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.quota.Reverse(ctx, tx, track.UserID, track.TrackID, track.FileSizeBytes, now); err != nil {
			return err
		}
		return s.repo.Remove(ctx, tx, track.ID)
	})
}

func (s *Sweeper) purgeSessions(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.retention)
	purged, err := s.sessions.PurgeClosedBefore(ctx, s.db, cutoff)
	if err != nil {
		s.log.Warn("upload session purge failed", zap.Error(err))
		return
	}
	if purged > 0 {
		s.log.Info("purged closed upload sessions", zap.Int64("purged", purged))
	}
}

var Module = fx.Module("deletion",
	fx.Provide(NewConsumer),
	fx.Provide(NewSweeper),
	fx.Invoke(runConsumer),
	fx.Invoke(runSweeper),
)

func runConsumer(lc fx.Lifecycle, consumer *Consumer, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go func() {
				if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("deletion consumer stopped", zap.Error(err))
				}
			}()

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}

func runSweeper(lc fx.Lifecycle, sweeper *Sweeper, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go func() {
				log.Info("deletion sweeper started")
				sweeper.RunForever(ctx)
			}()

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
