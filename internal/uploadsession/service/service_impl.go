package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/soundrail/soundrail/internal/clock"
	sessiondomain "github.com/soundrail/soundrail/internal/uploadsession/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultSessionTTL = 15 * time.Minute

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  sessiondomain.Repository
	GenID *snowflake.Node
	Clock clock.Clock
}

// Service exposes Reserve to the request-handling layer. It issues the
// reserved track identity and object key the notification will later be
// correlated against.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  sessiondomain.Repository
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("uploadsession.service"),
		repo:  p.Repo,
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Reserve(ctx context.Context, userID, expectedMime string, maxSizeBytes int64) (*sessiondomain.UploadSession, error) {
	now := s.clock.Now()
	trackID := uuid.NewString()

	session := &sessiondomain.UploadSession{
		ID:                  s.genID.Generate(),
		UploadID:            uuid.NewString(),
		UserID:              userID,
		ReservedTrackID:     trackID,
		ObjectKey:           fmt.Sprintf("uploads/%s/%s", userID, trackID),
		ExpectedMimeType:    expectedMime,
		MaxAllowedSizeBytes: maxSizeBytes,
		Status:              sessiondomain.StatusPending,
		CreatedAt:           now,
		ExpiresAt:           now.Add(defaultSessionTTL),
	}
	if err := s.repo.Create(ctx, s.db, session); err != nil {
		return nil, err
	}

	s.log.Info("upload session reserved",
		zap.String("upload_id", session.UploadID),
		zap.String("user_id", userID),
		zap.String("object_key", session.ObjectKey),
	)
	return session, nil
}

var Module = fx.Module("uploadsession.service",
	fx.Provide(NewService),
)
