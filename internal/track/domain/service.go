package domain

import (
	"context"
	"errors"
)

var (
	ErrTrackNotFound      = errors.New("track_not_found")
	ErrAlreadyDeleted     = errors.New("track_already_deleted")
	ErrNotDeleted         = errors.New("track_not_deleted")
	ErrRestoreWindowOver  = errors.New("restore_window_over")
	ErrInvalidTransition  = errors.New("invalid_status_transition")
	ErrVersionConflict    = errors.New("version_conflict")
	ErrTrackNotAccessible = errors.New("track_not_accessible")
)

// Service is the lifecycle entry point used by the request-handling layer.
// Authorization and quota checks are the caller's responsibility.
type Service interface {
	// Delete performs the synchronous soft delete: status flip, outbox
	// event, audit hook and cache invalidation. Conflicts with
	// ErrAlreadyDeleted when the track is already deleted.
	Delete(ctx context.Context, trackID, actor, reason string) error

	// Restore reverses a soft delete while the grace period is open.
	Restore(ctx context.Context, trackID, actor string) error

	// Get returns the track. Deleted tracks return ErrTrackNotAccessible so
	// no code path hands out access artifacts for them.
	Get(ctx context.Context, trackID string) (*Track, error)
}
