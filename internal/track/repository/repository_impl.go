package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	trackdomain "github.com/soundrail/soundrail/internal/track/domain"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() trackdomain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, tx *gorm.DB, track *trackdomain.Track) error {
	now := time.Now().UTC()
	if track.CreatedAt.IsZero() {
		track.CreatedAt = now
	}
	track.UpdatedAt = now
	if track.Version == 0 {
		track.Version = 1
	}
	return tx.WithContext(ctx).Create(track).Error
}

func (r *repo) FindByTrackID(ctx context.Context, db *gorm.DB, trackID string) (*trackdomain.Track, error) {
	var track trackdomain.Track
	err := db.WithContext(ctx).Where("track_id = ?", trackID).First(&track).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, trackdomain.ErrTrackNotFound
		}
		return nil, err
	}
	return &track, nil
}

func (r *repo) UpdateWithVersion(ctx context.Context, db *gorm.DB, track *trackdomain.Track) error {
	now := time.Now().UTC()
	// Metadata goes through the map-based update as raw JSON. Handing the
	// JSONMap to Updates directly lets the dialect stringify values, so
	// numbers come back as strings on reload.
	var metadata any
	if track.Metadata != nil {
		raw, err := json.Marshal(track.Metadata)
		if err != nil {
			return err
		}
		metadata = datatypes.JSON(raw)
	}
	res := db.WithContext(ctx).Model(&trackdomain.Track{}).
		Where("id = ? AND version = ?", track.ID, track.Version).
		Updates(map[string]any{
			"status":                 track.Status,
			"status_before_deletion": track.StatusBeforeDeletion,
			"failure_reason":         track.FailureReason,
			"metadata":               metadata,
			"waveform_object_key":    track.WaveformObjectKey,
			"deleted_at":             track.DeletedAt,
			"scheduled_deletion_at":  track.ScheduledDeletionAt,
			"version":                track.Version + 1,
			"updated_at":             now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return trackdomain.ErrVersionConflict
	}
	track.Version++
	track.UpdatedAt = now
	return nil
}

func (r *repo) SweepCandidates(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]trackdomain.Track, error) {
	if limit <= 0 {
		limit = 100
	}
	var tracks []trackdomain.Track
	err := db.WithContext(ctx).
		Where("status = ? AND scheduled_deletion_at <= ?", trackdomain.StatusDeleted, now).
		Order("scheduled_deletion_at ASC").
		Limit(limit).
		Find(&tracks).Error
	return tracks, err
}

func (r *repo) Remove(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM tracks WHERE id = ?`, id).Error
}

var Module = fx.Module("track.repository",
	fx.Provide(Provide),
)
