package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	sessiondomain "github.com/soundrail/soundrail/internal/uploadsession/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() sessiondomain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, session *sessiondomain.UploadSession) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(session).Error
}

func (r *repo) FindByObjectKey(ctx context.Context, db *gorm.DB, objectKey string) (*sessiondomain.UploadSession, error) {
	var session sessiondomain.UploadSession
	err := db.WithContext(ctx).Where("object_key = ?", objectKey).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sessiondomain.ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to sessiondomain.SessionStatus) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE upload_sessions SET status = ? WHERE id = ? AND status = ?`,
		to, id, from,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return sessiondomain.ErrSessionClosed
	}
	return nil
}

func (r *repo) PurgeClosedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	// Any session whose expiry is past the retention cutoff is gone, pending
	// included: an abandoned pending session can never complete, ingest
	// rejects its notification as expired.
	res := db.WithContext(ctx).Exec(
		`DELETE FROM upload_sessions WHERE expires_at < ?`,
		cutoff,
	)
	return res.RowsAffected, res.Error
}

var Module = fx.Module("uploadsession.repository",
	fx.Provide(Provide),
)
