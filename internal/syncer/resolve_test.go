package syncer

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/calendar/v3"

	"plansync/internal/google"
	"plansync/internal/models"
)

func TestShouldOverwriteLocal(t *testing.T) {
	local := &models.Event{State: models.Synced, LastUpdate: base}

	assert.True(t, ShouldOverwriteLocal(nil, base))
	assert.True(t, ShouldOverwriteLocal(local, base.Add(time.Second)))
	assert.True(t, ShouldOverwriteLocal(local, base.Add(time.Nanosecond)))
	assert.False(t, ShouldOverwriteLocal(local, base))
	assert.False(t, ShouldOverwriteLocal(local, base.Add(-time.Second)))

	moscow := time.FixedZone("MSK", 3*60*60)
	assert.False(t, ShouldOverwriteLocal(local, base.In(moscow)), "same instant in another zone is a tie")

	tombstone := &models.Event{State: models.PendingDelete, LastUpdate: base}
	assert.False(t, ShouldOverwriteLocal(tombstone, base.Add(time.Hour)))
}

func TestDecidePush(t *testing.T) {
	gone := &google.APIError{Op: "get event", Code: http.StatusGone, Err: errors.New("gone")}
	unavailable := &google.APIError{Op: "get event", Code: http.StatusServiceUnavailable, Err: errors.New("unavailable")}
	remoteAt := func(ts time.Time) *calendar.Event {
		return &calendar.Event{Id: "g1", Status: "confirmed", Updated: ts.Format(time.RFC3339Nano)}
	}
	pending := &models.Event{State: models.PendingPush, RemoteID: "g1", LastUpdate: base}

	tests := []struct {
		name     string
		local    *models.Event
		remote   *calendar.Event
		probeErr error
		want     PushAction
	}{
		{name: "never pushed", local: &models.Event{State: models.Unsynced}, want: PushInsert},
		{name: "synced", local: &models.Event{State: models.Synced, RemoteID: "g1"}, want: PushSkip},
		{name: "tombstone", local: &models.Event{State: models.PendingDelete, RemoteID: "g1"}, want: PushDelete},
		{name: "tombstone never pushed", local: &models.Event{State: models.PendingDelete}, want: PushDelete},
		{name: "pending without remote id", local: &models.Event{State: models.PendingPush}, want: PushInsert},
		{name: "remote gone", local: pending, probeErr: gone, want: PushInsert},
		{name: "remote cancelled", local: pending, remote: &calendar.Event{Id: "g1", Status: "cancelled"}, want: PushInsert},
		{name: "probe failed", local: pending, probeErr: unavailable, want: PushSkip},
		{name: "local newer", local: pending, remote: remoteAt(base.Add(-time.Second)), want: PushUpdate},
		{name: "tie", local: pending, remote: remoteAt(base), want: PushSkip},
		{name: "remote newer", local: pending, remote: remoteAt(base.Add(time.Second)), want: PushSkip},
		{name: "remote without updated", local: pending, remote: &calendar.Event{Id: "g1"}, want: PushUpdate},
		{name: "unparsable updated", local: pending, remote: &calendar.Event{Id: "g1", Updated: "yesterday"}, want: PushSkip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecidePush(tt.local, tt.remote, tt.probeErr))
		})
	}
}

func TestNeedsProbe(t *testing.T) {
	assert.True(t, NeedsProbe(&models.Event{State: models.PendingPush, RemoteID: "g1"}))
	assert.False(t, NeedsProbe(&models.Event{State: models.PendingPush}))
	assert.False(t, NeedsProbe(&models.Event{State: models.Synced, RemoteID: "g1"}))
	assert.False(t, NeedsProbe(&models.Event{State: models.Unsynced}))
}
