package reconcile

import (
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/records"
)

// State is the relationship between a local record and its remote event,
// derived afresh on every pass.
type State int

const (
	// NotPushed records have never been written to the calendar.
	NotPushed State = iota
	// InSyncClean records match the last observed remote version.
	InSyncClean
	// RemoteAhead records are unedited locally while the remote changed.
	RemoteAhead
	// LocalAhead records carry a local edit while the remote is unchanged.
	LocalAhead
	// BothChanged records carry a local edit and the remote changed too.
	BothChanged
)

func (s State) String() string {
	switch s {
	case NotPushed:
		return "not_pushed"
	case InSyncClean:
		return "in_sync_clean"
	case RemoteAhead:
		return "remote_ahead"
	case LocalAhead:
		return "local_ahead"
	case BothChanged:
		return "both_changed"
	default:
		return "unknown"
	}
}

// deriveState classifies a local record against the remote event it is linked to.
func deriveState(meta *records.SyncMetadata, remote calendar.RemoteEvent) State {
	if !meta.Linked() {
		return NotPushed
	}
	changed := remoteChanged(meta, remote)
	switch {
	case meta.LocallyEdited && changed:
		return BothChanged
	case meta.LocallyEdited:
		return LocalAhead
	case changed:
		return RemoteAhead
	default:
		return InSyncClean
	}
}

func remoteChanged(meta *records.SyncMetadata, remote calendar.RemoteEvent) bool {
	storedTag := ""
	if meta.ExternalVersionTag != nil {
		storedTag = *meta.ExternalVersionTag
	}
	if storedTag != remote.VersionTag {
		return true
	}
	switch {
	case meta.ExternalUpdatedAt == nil && remote.UpdatedAt == nil:
		return false
	case meta.ExternalUpdatedAt == nil || remote.UpdatedAt == nil:
		return true
	default:
		return !meta.ExternalUpdatedAt.Equal(*remote.UpdatedAt)
	}
}

// remoteWins decides a conflict between a remote edit and a pending local edit.
// The remote wins only when its timestamp is strictly newer. A missing remote
// timestamp counts as older than any local edit, and a local edit without a
// timestamp counts as made at the zero time.
func remoteWins(remoteUpdatedAt, localEditedAt *time.Time) bool {
	if remoteUpdatedAt == nil {
		return false
	}
	if localEditedAt == nil {
		return !remoteUpdatedAt.IsZero()
	}
	return remoteUpdatedAt.After(*localEditedAt)
}
