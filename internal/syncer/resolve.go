package syncer

import (
	"time"

	"google.golang.org/api/calendar/v3"

	"plansync/internal/google"
	"plansync/internal/models"
)

// ShouldOverwriteLocal reports whether a remote copy updated at
// remoteUpdated replaces local. A missing local copy is always written;
// otherwise the remote must be strictly newer.
func ShouldOverwriteLocal(local *models.Event, remoteUpdated time.Time) bool {
	if local == nil {
		return true
	}
	if local.State == models.PendingDelete {
		return false
	}
	return remoteUpdated.After(local.LastUpdate)
}

// PushAction is what the push phase does with one local event.
type PushAction int

const (
	PushSkip PushAction = iota
	PushInsert
	PushUpdate
	PushDelete
)

func (a PushAction) String() string {
	switch a {
	case PushInsert:
		return "insert"
	case PushUpdate:
		return "update"
	case PushDelete:
		return "delete"
	default:
		return "skip"
	}
}

// NeedsProbe reports whether DecidePush needs the current remote copy.
func NeedsProbe(local *models.Event) bool {
	return local.State == models.PendingPush && local.RemoteID != ""
}

// DecidePush picks the push action for local. remote and probeErr are the
// result of fetching the remote copy and are only consulted when
// NeedsProbe is true.
func DecidePush(local *models.Event, remote *calendar.Event, probeErr error) PushAction {
	switch local.State {
	case models.PendingDelete:
		return PushDelete
	case models.Synced:
		return PushSkip
	}
	if local.RemoteID == "" {
		return PushInsert
	}

	if probeErr != nil {
		if google.IsGone(probeErr) {
			return PushInsert
		}
		return PushSkip
	}
	if remote == nil || remote.Status == "cancelled" {
		return PushInsert
	}
	if remote.Updated == "" {
		return PushUpdate
	}
	remoteUpdated, err := time.Parse(time.RFC3339Nano, remote.Updated)
	if err != nil {
		return PushSkip
	}
	if local.LastUpdate.After(remoteUpdated) {
		return PushUpdate
	}
	return PushSkip
}
