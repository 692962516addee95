package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists tracks. Mutations go through UpdateWithVersion so the
// concurrency token is always checked.
type Repository interface {
	Create(ctx context.Context, tx *gorm.DB, track *Track) error
	FindByTrackID(ctx context.Context, db *gorm.DB, trackID string) (*Track, error)

	// UpdateWithVersion writes the track's mutable fields conditioned on the
	// version it was loaded with. Returns ErrVersionConflict when another
	// writer got there first; on success the in-memory version is bumped.
	UpdateWithVersion(ctx context.Context, db *gorm.DB, track *Track) error

	// SweepCandidates returns deleted tracks whose grace period has elapsed.
	SweepCandidates(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Track, error)

	// Remove physically deletes the document. Missing rows are not an error
	// so a resumed sweep stays idempotent.
	Remove(ctx context.Context, db *gorm.DB, id snowflake.ID) error
}
