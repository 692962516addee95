// Package domain contains the short-lived upload session records that tie a
// client upload intent to a reserved track identity.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusCompleted SessionStatus = "completed"
	StatusExpired   SessionStatus = "expired"
	StatusFailed    SessionStatus = "failed"
)

// UploadSession reserves a track identity before any track exists. At most
// one track may ever be created from a session; pending -> completed is the
// only legal success path.
type UploadSession struct {
	ID                  snowflake.ID  `gorm:"primaryKey"`
	UploadID            string        `gorm:"type:text;not null;uniqueIndex"`
	UserID              string        `gorm:"type:text;not null;index"`
	ReservedTrackID     string        `gorm:"type:text;not null"`
	ObjectKey           string        `gorm:"type:text;not null;uniqueIndex"`
	ExpectedMimeType    string        `gorm:"type:text;not null"`
	MaxAllowedSizeBytes int64         `gorm:"not null"`
	Status              SessionStatus `gorm:"type:text;not null;index"`
	CreatedAt           time.Time     `gorm:"not null"`
	ExpiresAt           time.Time     `gorm:"not null;index"`
}

// TableName sets the database table name.
func (UploadSession) TableName() string { return "upload_sessions" }

var (
	ErrSessionNotFound = errors.New("upload_session_not_found")
	ErrSessionClosed   = errors.New("upload_session_closed")
)

// Repository persists upload sessions. Status transitions are conditional on
// the current status so concurrent closers cannot both win.
type Repository interface {
	Create(ctx context.Context, db *gorm.DB, session *UploadSession) error
	FindByObjectKey(ctx context.Context, db *gorm.DB, objectKey string) (*UploadSession, error)

	// Transition moves the session from to a new status. Returns
	// ErrSessionClosed when the session was no longer in from.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to SessionStatus) error

	// PurgeClosedBefore garbage-collects sessions whose expiry is older than
	// the retention cutoff, abandoned pending sessions included.
	PurgeClosedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}
