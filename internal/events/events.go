// Package events defines the versioned domain events of the track pipeline
// and the transactional outbox that delivers them.
//
// Event schemas evolve additively only: new optional fields may be added,
// existing fields are never renamed or removed, so old consumers can ignore
// unknown additions safely.
package events

import (
	"encoding/json"
	"time"
)

const (
	// TopicTracks carries all track lifecycle events, partitioned by track id.
	TopicTracks = "soundrail.tracks"

	TypeAudioUploaded = "track.audio_uploaded"
	TypeTrackDeleted  = "track.deleted"

	SchemaVersion = 1
)

// AudioUploadedEvent announces that a validated upload produced a new track
// in Processing state.
type AudioUploadedEvent struct {
	SchemaVersion int       `json:"schema_version"`
	TrackID       string    `json:"track_id"`
	UserID        string    `json:"user_id"`
	ObjectKey     string    `json:"object_key"`
	MimeType      string    `json:"mime_type"`
	FileSizeBytes int64     `json:"file_size_bytes"`
	Checksum      string    `json:"checksum"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// TrackDeletedEvent announces a soft delete. FileSizeBytes is carried for
// quota reversal by downstream consumers.
type TrackDeletedEvent struct {
	SchemaVersion       int       `json:"schema_version"`
	TrackID             string    `json:"track_id"`
	UserID              string    `json:"user_id"`
	ObjectKey           string    `json:"object_key"`
	WaveformObjectKey   string    `json:"waveform_object_key,omitempty"`
	FileSizeBytes       int64     `json:"file_size_bytes"`
	DeletedAt           time.Time `json:"deleted_at"`
	ScheduledDeletionAt time.Time `json:"scheduled_deletion_at"`
	CorrelationID       string    `json:"correlation_id"`
	Timestamp           time.Time `json:"timestamp"`
}

// Encode serializes an event payload for the outbox.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeAudioUploaded parses an AudioUploadedEvent payload.
func DecodeAudioUploaded(payload []byte) (AudioUploadedEvent, error) {
	var ev AudioUploadedEvent
	err := json.Unmarshal(payload, &ev)
	return ev, err
}

// DecodeTrackDeleted parses a TrackDeletedEvent payload.
func DecodeTrackDeleted(payload []byte) (TrackDeletedEvent, error) {
	var ev TrackDeletedEvent
	err := json.Unmarshal(payload, &ev)
	return ev, err
}
