// Package quota maintains the per-user storage usage counter. Reversals are
// deduplicated per track so a re-run sweep never double-credits.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// UserQuota is the running storage usage per user.
type UserQuota struct {
	UserID    string    `gorm:"primaryKey;type:text"`
	UsedBytes int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (UserQuota) TableName() string { return "user_quotas" }

// QuotaReversal records that a track's bytes were already credited back.
type QuotaReversal struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	TrackID   string       `gorm:"type:text;not null;uniqueIndex"`
	UserID    string       `gorm:"type:text;not null"`
	Bytes     int64        `gorm:"not null"`
	CreatedAt time.Time    `gorm:"not null"`
}

func (QuotaReversal) TableName() string { return "quota_reversals" }

type Repository struct {
	genID *snowflake.Node
}

func NewRepository(genID *snowflake.Node) *Repository {
	return &Repository{genID: genID}
}

// Charge adds bytes to the user's counter inside the caller's transaction.
func (r *Repository) Charge(ctx context.Context, tx *gorm.DB, userID string, bytes int64, now time.Time) error {
	res := tx.WithContext(ctx).Exec(
		`UPDATE user_quotas SET used_bytes = used_bytes + ?, updated_at = ? WHERE user_id = ?`,
		bytes, now, userID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return tx.WithContext(ctx).Exec(
		`INSERT INTO user_quotas (user_id, used_bytes, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET used_bytes = user_quotas.used_bytes + ?, updated_at = ?`,
		userID, bytes, now, bytes, now,
	).Error
}

// Reverse credits a deleted track's bytes back exactly once. A second call
// for the same track is a no-op success.
func (r *Repository) Reverse(ctx context.Context, tx *gorm.DB, userID, trackID string, bytes int64, now time.Time) error {
	res := tx.WithContext(ctx).Exec(
		`INSERT INTO quota_reversals (id, track_id, user_id, bytes, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (track_id) DO NOTHING`,
		r.genID.Generate(), trackID, userID, bytes, now,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE user_quotas
		 SET used_bytes = CASE WHEN used_bytes > ? THEN used_bytes - ? ELSE 0 END,
		     updated_at = ?
		 WHERE user_id = ?`,
		bytes, bytes, now, userID,
	).Error
}

// UsedBytes reads the current counter.
func (r *Repository) UsedBytes(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var q UserQuota
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&q).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return q.UsedBytes, nil
}

var Module = fx.Module("quota",
	fx.Provide(NewRepository),
)
