package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/soundrail/soundrail/internal/clock"
	"github.com/soundrail/soundrail/internal/events"
	"github.com/soundrail/soundrail/internal/objstore"
	"github.com/soundrail/soundrail/internal/quota"
	trackdomain "github.com/soundrail/soundrail/internal/track/domain"
	sessiondomain "github.com/soundrail/soundrail/internal/uploadsession/domain"
	pkgdb "github.com/soundrail/soundrail/pkg/db"
	"github.com/soundrail/soundrail/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Outcome classifies an ingestion attempt. These are routine branches of the
// flow, not errors: only infrastructure failures surface as errors.
type Outcome string

const (
	OutcomeCreated        Outcome = "created"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeRejected       Outcome = "rejected"
)

// Rejection reasons.
const (
	ReasonOrphanUpload   = "orphan_upload"
	ReasonSessionExpired = "session_expired"
	ReasonMimeMismatch   = "mime_type_mismatch"
	ReasonSizeExceeded   = "size_exceeded"
)

// Result reports what an Ingest call did.
type Result struct {
	Outcome Outcome
	TrackID string
	Reason  string
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Tracks   trackdomain.Repository
	Sessions sessiondomain.Repository
	Outbox   *events.Outbox
	Objects  objstore.Store
	Quota    *quota.Repository
	GenID    *snowflake.Node
	Clock    clock.Clock
	Metrics  *telemetry.Metrics `optional:"true"`
}

// Service turns validated storage notifications into tracks. The whole step
// is idempotent per object key: redelivery after a successful run finds the
// session completed and short-circuits.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	tracks   trackdomain.Repository
	sessions sessiondomain.Repository
	outbox   *events.Outbox
	objects  objstore.Store
	quota    *quota.Repository
	genID    *snowflake.Node
	clock    clock.Clock
	metrics  *telemetry.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("ingest.service"),
		tracks:   p.Tracks,
		sessions: p.Sessions,
		outbox:   p.Outbox,
		objects:  p.Objects,
		quota:    p.Quota,
		genID:    p.GenID,
		clock:    p.Clock,
		metrics:  p.Metrics,
	}
}

// Ingest correlates a notification against its upload session and creates
// the track. Validation outcomes are terminal: the notification must be
// acknowledged for every non-error result.
func (s *Service) Ingest(ctx context.Context, n StorageNotification) (Result, error) {
	log := s.log.With(zap.String("object_key", n.ObjectKey))

	session, err := s.sessions.FindByObjectKey(ctx, s.db, n.ObjectKey)
	if err != nil {
		if errors.Is(err, sessiondomain.ErrSessionNotFound) {
			// No session means no legitimate client is waiting on this
			// object; retrying cannot manufacture one.
			log.Warn("orphan upload notification")
			return s.done(Result{Outcome: OutcomeRejected, Reason: ReasonOrphanUpload}), nil
		}
		return Result{}, err
	}

	if session.Status != sessiondomain.StatusPending {
		if session.Status == sessiondomain.StatusCompleted {
			return s.done(Result{Outcome: OutcomeAlreadyApplied, TrackID: session.ReservedTrackID}), nil
		}
		return s.done(Result{Outcome: OutcomeRejected, Reason: string(session.Status)}), nil
	}

	now := s.clock.Now()
	if now.After(session.ExpiresAt) {
		if err := s.sessions.Transition(ctx, s.db, session.ID, sessiondomain.StatusPending, sessiondomain.StatusExpired); err != nil && !errors.Is(err, sessiondomain.ErrSessionClosed) {
			return Result{}, err
		}
		s.removeOrphanObject(ctx, n.ObjectKey)
		log.Info("upload session expired before notification arrived",
			zap.Time("expires_at", session.ExpiresAt),
		)
		return s.done(Result{Outcome: OutcomeRejected, Reason: ReasonSessionExpired}), nil
	}

	n.SizeBytes = s.verifiedSize(ctx, n)

	if reason := validate(session, n); reason != "" {
		if err := s.sessions.Transition(ctx, s.db, session.ID, sessiondomain.StatusPending, sessiondomain.StatusFailed); err != nil && !errors.Is(err, sessiondomain.ErrSessionClosed) {
			return Result{}, err
		}
		s.removeOrphanObject(ctx, n.ObjectKey)
		log.Warn("upload rejected by session validation",
			zap.String("reason", reason),
			zap.String("reported_mime", n.ContentType),
			zap.Int64("reported_size", n.SizeBytes),
		)
		return s.done(Result{Outcome: OutcomeRejected, Reason: reason}), nil
	}

	result, err := s.createTrack(ctx, session, n, now)
	if err != nil {
		return Result{}, err
	}
	if result.Outcome == OutcomeCreated {
		log.Info("track created from upload",
			zap.String("track_id", result.TrackID),
			zap.String("user_id", session.UserID),
		)
	}
	return s.done(result), nil
}

func (s *Service) createTrack(
	ctx context.Context,
	session *sessiondomain.UploadSession,
	n StorageNotification,
	now time.Time,
) (Result, error) {
	track := &trackdomain.Track{
		ID:            s.genID.Generate(),
		TrackID:       session.ReservedTrackID,
		UserID:        session.UserID,
		ObjectKey:     session.ObjectKey,
		FileSizeBytes: n.SizeBytes,
		MimeType:      session.ExpectedMimeType,
		Checksum:      n.ETag,
		Status:        trackdomain.StatusProcessing,
		CreatedAt:     now,
	}

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.sessions.Transition(ctx, tx, session.ID, sessiondomain.StatusPending, sessiondomain.StatusCompleted); err != nil {
			// Lost the race to another ingestion attempt; nothing to do.
			if errors.Is(err, sessiondomain.ErrSessionClosed) {
				return nil
			}
			return err
		}
		applied = true

		if err := s.tracks.Create(ctx, tx, track); err != nil {
			if pkgdb.IsDuplicateKeyErr(err) {
				// A previous attempt committed the track but left the session
				// open, e.g. a crash between commit and ack. Roll back and
				// report the existing track.
				return errTrackExists
			}
			return err
		}
		if err := s.quota.Charge(ctx, tx, session.UserID, n.SizeBytes, now); err != nil {
			return err
		}

		payload, err := events.Encode(events.AudioUploadedEvent{
			SchemaVersion: events.SchemaVersion,
			TrackID:       track.TrackID,
			UserID:        track.UserID,
			ObjectKey:     track.ObjectKey,
			MimeType:      track.MimeType,
			FileSizeBytes: track.FileSizeBytes,
			Checksum:      track.Checksum,
			CorrelationID: uuid.NewString(),
			Timestamp:     now,
		})
		if err != nil {
			return err
		}
		return s.outbox.PublishTx(ctx, tx, events.TypeAudioUploaded, track.TrackID, payload)
	})
	if errors.Is(err, errTrackExists) {
		return Result{Outcome: OutcomeAlreadyApplied, TrackID: session.ReservedTrackID}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return Result{Outcome: OutcomeAlreadyApplied, TrackID: session.ReservedTrackID}, nil
	}
	return Result{Outcome: OutcomeCreated, TrackID: track.TrackID}, nil
}

var errTrackExists = errors.New("track already exists")

// verifiedSize prefers the store's own view of the object over the size the
// notification reports, so a stale or forged notification cannot slip an
// oversized object past the session cap. Falls back to the reported size when
// the store cannot be reached.
func (s *Service) verifiedSize(ctx context.Context, n StorageNotification) int64 {
	info, err := s.objects.Stat(ctx, n.ObjectKey)
	if err != nil {
		if !errors.Is(err, objstore.ErrNotFound) {
			s.log.Warn("could not stat uploaded object, trusting notification",
				zap.String("object_key", n.ObjectKey),
				zap.Error(err),
			)
		}
		return n.SizeBytes
	}
	return info.SizeBytes
}

func validate(session *sessiondomain.UploadSession, n StorageNotification) string {
	if session.ExpectedMimeType != "" &&
		!strings.EqualFold(strings.TrimSpace(n.ContentType), session.ExpectedMimeType) {
		return ReasonMimeMismatch
	}
	if session.MaxAllowedSizeBytes > 0 && n.SizeBytes > session.MaxAllowedSizeBytes {
		return ReasonSizeExceeded
	}
	return ""
}

func (s *Service) removeOrphanObject(ctx context.Context, key string) {
	if err := s.objects.Delete(ctx, key); err != nil {
		s.log.Warn("failed to delete orphaned object", zap.String("object_key", key), zap.Error(err))
	}
}

func (s *Service) done(r Result) Result {
	s.metrics.RecordIngest(string(r.Outcome))
	return r
}
