package domain

import "time"

// The status graph is a DAG with one explicit, time-boxed exception edge:
//
//	processing -> ready | failed | deleted
//	ready | failed -> deleted
//	deleted -> statusBeforeDeletion   (restore, only before scheduledDeletionAt)
//
// No transition ever re-enters processing. Deletion from processing exists so
// a user delete wins over an in-flight processing transition; such tracks are
// not restorable.
var transitions = map[TrackStatus][]TrackStatus{
	StatusProcessing: {StatusReady, StatusFailed, StatusDeleted},
	StatusReady:      {StatusDeleted},
	StatusFailed:     {StatusDeleted},
	StatusDeleted:    nil,
}

// CanTransition reports whether the DAG permits from -> to. The restore edge
// out of deleted is not part of the graph; callers gate it with CanRestore.
func CanTransition(from, to TrackStatus) bool {
	if from == to {
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanRestore reports whether a deleted track may return to its prior status.
// The grace-period boundary is the authoritative cutoff even if the physical
// sweep has not run yet.
func (t *Track) CanRestore(now time.Time) bool {
	if t.Status != StatusDeleted {
		return false
	}
	if t.StatusBeforeDeletion == nil || t.ScheduledDeletionAt == nil {
		return false
	}
	if *t.StatusBeforeDeletion == StatusProcessing || *t.StatusBeforeDeletion == StatusDeleted {
		return false
	}
	return now.Before(*t.ScheduledDeletionAt)
}

// SweepEligible reports whether the physical sweep may remove this track.
func (t *Track) SweepEligible(now time.Time) bool {
	return t.Status == StatusDeleted &&
		t.ScheduledDeletionAt != nil &&
		!now.Before(*t.ScheduledDeletionAt)
}
