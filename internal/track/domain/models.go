// Package domain contains the track record and its lifecycle invariants.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TrackStatus string

const (
	StatusProcessing TrackStatus = "processing"
	StatusReady      TrackStatus = "ready"
	StatusFailed     TrackStatus = "failed"
	StatusDeleted    TrackStatus = "deleted"
)

// Track is the long-lived asset record. Every mutation is guarded by Version
// so a stale read never silently overwrites newer lifecycle state.
type Track struct {
	ID                   snowflake.ID      `gorm:"primaryKey"`
	TrackID              string            `gorm:"type:text;not null;uniqueIndex"`
	UserID               string            `gorm:"type:text;not null;index"`
	ObjectKey            string            `gorm:"type:text;not null;uniqueIndex"`
	FileSizeBytes        int64             `gorm:"not null"`
	MimeType             string            `gorm:"type:text;not null"`
	Checksum             string            `gorm:"type:text;not null"`
	Metadata             datatypes.JSONMap `gorm:"type:jsonb"`
	WaveformObjectKey    *string           `gorm:"type:text"`
	Status               TrackStatus       `gorm:"type:text;not null;index:idx_tracks_sweep"`
	StatusBeforeDeletion *TrackStatus      `gorm:"type:text"`
	FailureReason        *string           `gorm:"type:text"`
	DeletedAt            *time.Time        `gorm:""`
	ScheduledDeletionAt  *time.Time        `gorm:"index:idx_tracks_sweep"`
	Version              int64             `gorm:"not null;default:1"`
	CreatedAt            time.Time         `gorm:"not null"`
	UpdatedAt            time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (Track) TableName() string { return "tracks" }

// TechnicalMetadata is the result of audio extraction, stored in Metadata.
type TechnicalMetadata struct {
	DurationSeconds float64 `json:"duration_seconds"`
	BitrateKbps     int     `json:"bitrate_kbps"`
	SampleRateHz    int     `json:"sample_rate_hz"`
	Channels        int     `json:"channels"`
	Format          string  `json:"format"`
}

// AsMap converts the metadata for JSONMap storage.
func (m TechnicalMetadata) AsMap() map[string]any {
	return map[string]any{
		"duration_seconds": m.DurationSeconds,
		"bitrate_kbps":     m.BitrateKbps,
		"sample_rate_hz":   m.SampleRateHz,
		"channels":         m.Channels,
		"format":           m.Format,
	}
}
