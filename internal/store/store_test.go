package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plansync/internal/models"
)

// testClock advances one second on every read so each write gets a
// distinct, ordered timestamp.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	store     *Store
	clock     *testClock
	userID    string
	groupID   int64
	subjectID int64
}

var base = time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{t: base}
	s, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "plansync.db"),
		PoolSize: 2,
		Now:      clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	groupID, err := s.CreateGroup(ctx, models.Group{UserID: "alice", Name: "CS-101", Color: "#ff0000"})
	require.NoError(t, err)
	subjectID, err := s.CreateSubject(ctx, models.Subject{UserID: "alice", Name: "Algebra"})
	require.NoError(t, err)
	_, err = s.SetPlan(ctx, models.Plan{
		UserID: "alice", GroupID: groupID, SubjectID: subjectID,
		LectureHours: 3, PracticeHours: 3, LabHours: 0, OtherHours: 2,
	})
	require.NoError(t, err)

	return &fixture{store: s, clock: clock, userID: "alice", groupID: groupID, subjectID: subjectID}
}

func (f *fixture) event(start time.Time, eventType models.EventType, d time.Duration) *models.Event {
	return &models.Event{
		UserID:    f.userID,
		GroupID:   f.groupID,
		SubjectID: f.subjectID,
		Type:      eventType,
		Title:     "Lesson",
		Start:     start,
		End:       start.Add(d),
	}
}

func TestGroupUniqueness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.CreateGroup(ctx, models.Group{UserID: "alice", Name: "CS-101"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.store.CreateGroup(ctx, models.Group{UserID: "bob", Name: "CS-101"})
	assert.NoError(t, err)

	group, err := f.store.GroupByName(ctx, "alice", "CS-101")
	require.NoError(t, err)
	assert.Equal(t, f.groupID, group.ID)

	_, err = f.store.GroupByName(ctx, "alice", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetPlanReplaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.SetPlan(ctx, models.Plan{UserID: "alice", GroupID: f.groupID, SubjectID: f.subjectID, LabHours: 6})
	require.NoError(t, err)

	plan, err := f.store.PlanFor(ctx, "alice", f.groupID, f.subjectID)
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, plan.Budget(models.Lab))
	assert.Zero(t, plan.Budget(models.Lecture))
}

func TestCreateEventRules(t *testing.T) {
	ctx := context.Background()
	start := base.Add(48 * time.Hour)

	durations := []struct {
		minutes int
		ok      bool
	}{{89, false}, {90, true}, {91, true}, {92, false}}
	for _, tc := range durations {
		f := newFixture(t)
		err := f.store.CreateEvent(ctx, f.event(start, models.Lecture, time.Duration(tc.minutes)*time.Minute))
		if tc.ok {
			assert.NoError(t, err, "%d minutes", tc.minutes)
		} else {
			assert.ErrorIs(t, err, ErrInvalid, "%d minutes", tc.minutes)
		}
	}

	f := newFixture(t)
	first := f.event(start, models.Lecture, models.FixedDuration)
	require.NoError(t, f.store.CreateEvent(ctx, first))
	assert.Equal(t, models.Unsynced, first.State)
	assert.Equal(t, "CS-101", first.GroupName)

	overlapping := f.event(start.Add(time.Hour), models.Practice, models.FixedDuration)
	assert.ErrorIs(t, f.store.CreateEvent(ctx, overlapping), ErrOverlap)

	adjacent := f.event(first.End, models.Practice, models.FixedDuration)
	assert.NoError(t, f.store.CreateEvent(ctx, adjacent))

	// Lab budget is zero.
	lab := f.event(start.Add(24*time.Hour), models.Lab, models.FixedDuration)
	assert.ErrorIs(t, f.store.CreateEvent(ctx, lab), ErrInvalid)

	// Other events are not fixed length but still count against the budget.
	long := f.event(start.Add(24*time.Hour), models.Other, 3*time.Hour)
	assert.ErrorIs(t, f.store.CreateEvent(ctx, long), ErrInvalid)
	short := f.event(start.Add(24*time.Hour), models.Other, 2*time.Hour)
	assert.NoError(t, f.store.CreateEvent(ctx, short))
}

func TestUpdateEventAdvancesLastUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.event(base.Add(48*time.Hour), models.Lecture, models.FixedDuration)
	require.NoError(t, f.store.CreateEvent(ctx, e))
	created := e.LastUpdate

	e.Title = "Renamed"
	require.NoError(t, f.store.UpdateEvent(ctx, e))
	assert.True(t, e.LastUpdate.After(created))
	assert.Equal(t, models.Unsynced, e.State)

	// Updating an event does not overlap with itself.
	e.Start = e.Start.Add(30 * time.Minute)
	e.End = e.End.Add(30 * time.Minute)
	require.NoError(t, f.store.UpdateEvent(ctx, e))

	stored, err := f.store.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", stored.Title)
	assert.True(t, stored.Start.Equal(e.Start))
}

func TestLocalWritesEnqueueOneIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.event(base.Add(48*time.Hour), models.Lecture, models.FixedDuration)
	require.NoError(t, f.store.CreateEvent(ctx, e))

	intents, err := f.store.DueIntents(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	stale := intents[0]

	e.Notes = "again"
	require.NoError(t, f.store.UpdateEvent(ctx, e))

	// Completing the older generation keeps the newer request.
	require.NoError(t, f.store.CompleteIntent(ctx, stale))
	intents, err = f.store.DueIntents(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, e.ID, intents[0].EventID)
	assert.Greater(t, intents[0].Generation, stale.Generation)

	require.NoError(t, f.store.RetryIntent(ctx, intents[0], f.clock.Now().Add(time.Hour), "boom"))
	due, err := f.store.DueIntents(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, f.store.CompleteIntent(ctx, intents[0]))
	due, err = f.store.DueIntents(ctx, f.clock.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDeleteEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unsynced := f.event(base.Add(48*time.Hour), models.Lecture, models.FixedDuration)
	require.NoError(t, f.store.CreateEvent(ctx, unsynced))
	require.NoError(t, f.store.DeleteEvent(ctx, "alice", unsynced.ID))
	_, err := f.store.GetEvent(ctx, unsynced.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	synced := f.event(base.Add(72*time.Hour), models.Lecture, models.FixedDuration)
	require.NoError(t, f.store.CreateEvent(ctx, synced))
	require.NoError(t, f.store.MarkPushed(ctx, synced.ID, "r1", "cal", synced.LastUpdate, synced.LastUpdate.Add(time.Second)))

	require.NoError(t, f.store.DeleteEvent(ctx, "alice", synced.ID))
	tomb, err := f.store.GetEvent(ctx, synced.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingDelete, tomb.State)

	// Tombstones free their slot.
	again := f.event(base.Add(72*time.Hour), models.Lecture, models.FixedDuration)
	assert.NoError(t, f.store.CreateEvent(ctx, again))
}

func TestMarkPushed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.event(base.Add(48*time.Hour), models.Lecture, models.FixedDuration)
	require.NoError(t, f.store.CreateEvent(ctx, e))
	remoteUpdated := e.LastUpdate.Add(5 * time.Second)

	require.NoError(t, f.store.MarkPushed(ctx, e.ID, "r1", "cal", e.LastUpdate, remoteUpdated))
	stored, err := f.store.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "r1", stored.RemoteID)
	assert.Equal(t, "cal", stored.CalendarID)
	assert.Equal(t, models.Synced, stored.State)
	assert.True(t, stored.LastUpdate.Equal(remoteUpdated))

	// A push that read an older last_update does not mark a newer edit synced.
	stored.Title = "edited"
	require.NoError(t, f.store.UpdateEvent(ctx, stored))
	require.NoError(t, f.store.MarkPushed(ctx, e.ID, "r1", "cal", remoteUpdated, remoteUpdated))
	again, err := f.store.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingPush, again.State)

	err = f.store.MarkPushed(ctx, 9999, "r2", "cal", e.LastUpdate, remoteUpdated)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.event(base.Add(48*time.Hour), models.Lecture, models.FixedDuration)
	require.NoError(t, f.store.CreateEvent(ctx, e))

	ok, err := f.store.AcquireLease(ctx, e.ID, "pass-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.store.AcquireLease(ctx, e.ID, "pass-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Only the holder releases.
	require.NoError(t, f.store.ReleaseLease(ctx, e.ID, "pass-2"))
	stored, err := f.store.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "pass-1", stored.LeaseHolder)

	require.NoError(t, f.store.ReleaseLease(ctx, e.ID, "pass-1"))
	ok, err = f.store.AcquireLease(ctx, e.ID, "pass-2", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// The test clock moves one second per read, so the short lease has expired.
	ok, err = f.store.AcquireLease(ctx, e.ID, "pass-3", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.store.AcquireLease(ctx, 9999, "pass-1", time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, f.store.ReleaseLease(ctx, 9999, "pass-1"))
}

func TestUpsertFromRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start := base.Add(48 * time.Hour)
	parsed := &models.ParsedEvent{
		ID: "r1", Title: "From remote", Start: start, End: start.Add(models.FixedDuration),
		Updated: base.Add(time.Hour), GroupName: "CS-101", SubjectName: "Algebra", Type: models.Lecture,
	}
	upsert := RemoteUpsert{UserID: "alice", CalendarID: "cal", GroupID: f.groupID, SubjectID: f.subjectID, Event: parsed}

	created, err := f.store.UpsertFromRemote(ctx, upsert)
	require.NoError(t, err)
	assert.True(t, created)

	local, err := f.store.FindByRemoteID(ctx, "alice", "r1")
	require.NoError(t, err)
	assert.Equal(t, models.Synced, local.State)
	assert.True(t, local.LastUpdate.Equal(parsed.Updated))
	assert.Equal(t, "CS-101", local.GroupName)

	ok, err := f.store.AcquireLease(ctx, local.ID, "pass", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	parsed.Title = "Changed remotely"
	parsed.Updated = base.Add(2 * time.Hour)
	created, err = f.store.UpsertFromRemote(ctx, upsert)
	require.NoError(t, err)
	assert.False(t, created)

	local, err = f.store.FindByRemoteID(ctx, "alice", "r1")
	require.NoError(t, err)
	assert.Equal(t, "Changed remotely", local.Title)
	assert.Empty(t, local.LeaseHolder, "upsert clears the lease")

	// Remote-origin writes do not enqueue pushes.
	due, err := f.store.DueIntents(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	overlap, err := f.store.Overlaps(ctx, "alice", start, start.Add(time.Hour), "r1")
	require.NoError(t, err)
	assert.False(t, overlap)
	overlap, err = f.store.Overlaps(ctx, "alice", start, start.Add(time.Hour), "other")
	require.NoError(t, err)
	assert.True(t, overlap)

	used, err := f.store.ScheduledDuration(ctx, "alice", f.groupID, f.subjectID, models.Lecture, "")
	require.NoError(t, err)
	assert.Equal(t, models.FixedDuration, used)

	n, err := f.store.DeleteByRemoteID(ctx, "alice", "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = f.store.FindByRemoteID(ctx, "alice", "r1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestClearRemoteID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.event(base.Add(48*time.Hour), models.Lecture, models.FixedDuration)
	require.NoError(t, f.store.CreateEvent(ctx, e))
	require.NoError(t, f.store.MarkPushed(ctx, e.ID, "r1", "cal", e.LastUpdate, e.LastUpdate))

	require.NoError(t, f.store.ClearRemoteID(ctx, "alice", "r1"))
	stored, err := f.store.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.RemoteID)
	assert.Equal(t, models.Unsynced, stored.State)
}

func TestDeleteGroupCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	local := f.event(base.Add(48*time.Hour), models.Lecture, models.FixedDuration)
	require.NoError(t, f.store.CreateEvent(ctx, local))
	pushed := f.event(base.Add(72*time.Hour), models.Lecture, models.FixedDuration)
	require.NoError(t, f.store.CreateEvent(ctx, pushed))
	require.NoError(t, f.store.MarkPushed(ctx, pushed.ID, "r1", "cal", pushed.LastUpdate, pushed.LastUpdate))

	require.NoError(t, f.store.DeleteGroup(ctx, "alice", f.groupID))

	_, err := f.store.GetEvent(ctx, local.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	tomb, err := f.store.GetEvent(ctx, pushed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingDelete, tomb.State)
	assert.Empty(t, tomb.GroupName)

	_, err = f.store.PlanFor(ctx, "alice", f.groupID, f.subjectID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.store.GroupByName(ctx, "alice", "CS-101")
	assert.ErrorIs(t, err, ErrNotFound)

	due, err := f.store.DueIntents(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, pushed.ID, due[0].EventID)
}

func TestCalendarLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.GetCalendarLink(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.store.CreateCalendarLink(ctx, "alice", "cal-alice")
	require.NoError(t, err)
	_, err = f.store.CreateCalendarLink(ctx, "alice", "cal-other")
	assert.ErrorIs(t, err, ErrConflict)

	at := base.Add(time.Hour)
	require.NoError(t, f.store.TouchLastSync(ctx, "alice", at))

	link, err := f.store.GetCalendarLink(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "cal-alice", link.CalendarID)
	assert.True(t, link.LastSync.Equal(at))

	links, err := f.store.ListCalendarLinks(ctx)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}
