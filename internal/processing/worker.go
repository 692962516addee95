package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/soundrail/soundrail/internal/clock"
	"github.com/soundrail/soundrail/internal/config"
	"github.com/soundrail/soundrail/internal/events"
	"github.com/soundrail/soundrail/internal/objstore"
	"github.com/soundrail/soundrail/internal/retry"
	trackdomain "github.com/soundrail/soundrail/internal/track/domain"
	"github.com/soundrail/soundrail/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Failure reasons persisted on tracks that never reach ready.
const (
	FailureCorruptAudio     = "corrupt_or_unsupported_audio"
	FailureSourceMissing    = "source_object_missing"
	FailureRetriesExhausted = "processing_retries_exhausted"
)

type WorkerParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    trackdomain.Repository
	Objects objstore.Store
	Clock   clock.Clock
	Config  config.Config
	Metrics *telemetry.Metrics `optional:"true"`
}

// Worker consumes AudioUploadedEvents and finalizes tracks. Every path is
// idempotent: a redelivered event for a track that already left processing is
// acknowledged without touching it.
type Worker struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    trackdomain.Repository
	objects objstore.Store
	clock   clock.Clock
	metrics *telemetry.Metrics
	policy  retry.Policy
}

func NewWorker(p WorkerParams) *Worker {
	return &Worker{
		db:      p.DB,
		log:     p.Log.Named("processing.worker"),
		repo:    p.Repo,
		objects: p.Objects,
		clock:   p.Clock,
		metrics: p.Metrics,
		policy: retry.Policy{
			MaxAttempts: p.Config.Pipeline.RetryMaxAttempts,
			BaseDelay:   p.Config.Pipeline.RetryBaseDelay,
			MaxDelay:    p.Config.Pipeline.RetryMaxDelay,
		},
	}
}

// Handle processes one upload event to completion. A nil return means the
// event is settled, including the paths that mark the track failed; only
// infrastructure errors propagate so the broker redelivers.
func (w *Worker) Handle(ctx context.Context, ev events.AudioUploadedEvent) error {
	start := w.clock.Now()
	log := w.log.With(zap.String("track_id", ev.TrackID))

	track, err := w.repo.FindByTrackID(ctx, w.db, ev.TrackID)
	if err != nil {
		if errors.Is(err, trackdomain.ErrTrackNotFound) {
			// The track was already swept or never committed; nothing to do.
			log.Warn("upload event for unknown track")
			return nil
		}
		return err
	}
	if track.Status != trackdomain.StatusProcessing {
		w.record("noop", start)
		return nil
	}

	result, waveformKey, err := w.extract(ctx, track)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-retry; leave the event pending for redelivery.
			return err
		}
		return w.settleFailure(ctx, log, track, err, start)
	}

	applied, err := w.finalize(ctx, track, func(t *trackdomain.Track) {
		t.Status = trackdomain.StatusReady
		t.Metadata = result.Metadata.AsMap()
		t.FailureReason = nil
		if waveformKey != "" {
			key := waveformKey
			t.WaveformObjectKey = &key
		}
	})
	if err != nil {
		return err
	}
	if !applied {
		w.discardArtifact(ctx, log, waveformKey)
		w.record("superseded", start)
		return nil
	}

	log.Info("track ready",
		zap.Float64("duration_seconds", result.Metadata.DurationSeconds),
		zap.String("format", result.Metadata.Format),
	)
	w.record("ready", start)
	return nil
}

// extract fetches the object, probes it and writes the waveform artifact,
// retrying transient storage failures. Content failures are permanent.
func (w *Worker) extract(ctx context.Context, track *trackdomain.Track) (ProbeResult, string, error) {
	var (
		result      ProbeResult
		waveformKey string
	)
	err := w.policy.Do(ctx, func() error {
		obj, err := w.objects.Get(ctx, track.ObjectKey)
		if err != nil {
			if errors.Is(err, objstore.ErrNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		defer obj.Close()

		res, err := Probe(obj, track.MimeType)
		if err != nil {
			if errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, ErrCorruptAudio) {
				return retry.Permanent(err)
			}
			return err
		}

		key := ""
		if len(res.Peaks) > 0 {
			key = fmt.Sprintf("waveforms/%s.json", track.TrackID)
			if err := w.putWaveform(ctx, key, res.Peaks); err != nil {
				return err
			}
		}
		result, waveformKey = res, key
		return nil
	})
	return result, waveformKey, err
}

func (w *Worker) putWaveform(ctx context.Context, key string, peaks []float64) error {
	artifact, err := json.Marshal(struct {
		Version int       `json:"version"`
		Buckets int       `json:"buckets"`
		Peaks   []float64 `json:"peaks"`
	}{Version: 1, Buckets: len(peaks), Peaks: peaks})
	if err != nil {
		return err
	}
	return w.objects.Put(ctx, key, bytes.NewReader(artifact), int64(len(artifact)), "application/json")
}

// discardArtifact removes a waveform written for a result that was never
// applied, so an abandoned finalize leaves no orphan in object storage.
func (w *Worker) discardArtifact(ctx context.Context, log *zap.Logger, key string) {
	if key == "" {
		return
	}
	if err := w.objects.Delete(ctx, key); err != nil {
		log.Warn("failed to remove abandoned waveform",
			zap.String("object_key", key),
			zap.Error(err),
		)
	}
}

func (w *Worker) settleFailure(
	ctx context.Context,
	log *zap.Logger,
	track *trackdomain.Track,
	cause error,
	start time.Time,
) error {
	reason, outcome := classifyFailure(cause)
	if outcome == "exhausted" {
		log.Error("processing retries exhausted, marking track failed", zap.Error(cause))
	} else {
		log.Warn("processing failed permanently", zap.String("reason", reason), zap.Error(cause))
	}

	applied, err := w.finalize(ctx, track, func(t *trackdomain.Track) {
		t.Status = trackdomain.StatusFailed
		r := reason
		t.FailureReason = &r
	})
	if err != nil {
		return err
	}
	if !applied {
		w.record("superseded", start)
		return nil
	}
	w.record(outcome, start)
	return nil
}

func classifyFailure(err error) (reason, outcome string) {
	switch {
	case errors.Is(err, objstore.ErrNotFound):
		return FailureSourceMissing, "failed"
	case errors.Is(err, ErrUnsupportedFormat), errors.Is(err, ErrCorruptAudio):
		return FailureCorruptAudio, "failed"
	default:
		return FailureRetriesExhausted, "exhausted"
	}
}

// finalize writes the track with its version token. On a conflict the track
// is reloaded once and re-evaluated; if it left processing in the meantime
// (a concurrent delete wins every such race) the result is abandoned.
func (w *Worker) finalize(
	ctx context.Context,
	track *trackdomain.Track,
	apply func(*trackdomain.Track),
) (applied bool, err error) {
	for attempt := 0; ; attempt++ {
		apply(track)
		err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return w.repo.UpdateWithVersion(ctx, tx, track)
		})
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, trackdomain.ErrVersionConflict) || attempt > 0 {
			return false, err
		}

		fresh, ferr := w.repo.FindByTrackID(ctx, w.db, track.TrackID)
		if ferr != nil {
			if errors.Is(ferr, trackdomain.ErrTrackNotFound) {
				return false, nil
			}
			return false, ferr
		}
		if fresh.Status != trackdomain.StatusProcessing {
			w.log.Info("track left processing concurrently, abandoning result",
				zap.String("track_id", track.TrackID),
				zap.String("status", string(fresh.Status)),
			)
			return false, nil
		}
		track = fresh
	}
}

func (w *Worker) record(outcome string, start time.Time) {
	w.metrics.RecordProcessing(outcome, w.clock.Now().Sub(start))
}
