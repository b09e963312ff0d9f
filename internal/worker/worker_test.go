package worker

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
	"plansync/internal/store"
	"plansync/internal/syncer"
)

var (
	_ Queue       = (*store.Store)(nil)
	_ LinkLister  = (*store.Store)(nil)
	_ EventSyncer = (*syncer.Engine)(nil)
	_ PassRunner  = (*syncer.Engine)(nil)
)

var base = time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type step struct {
	outcome syncer.Outcome
	err     error
}

type fakeSyncer struct {
	mu     sync.Mutex
	steps  []step
	calls  []int64
	during func(eventID int64)
}

func (f *fakeSyncer) SyncOneEvent(_ context.Context, eventID int64) (syncer.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, eventID)
	next := step{outcome: syncer.OutcomePushed}
	if len(f.steps) > 0 {
		next, f.steps = f.steps[0], f.steps[1:]
	}
	during := f.during
	f.mu.Unlock()
	if during != nil {
		during(eventID)
	}
	return next.outcome, next.err
}

type outboxFixture struct {
	store  *store.Store
	clock  *manualClock
	syncer *fakeSyncer
	outbox *Outbox
	event  *models.Event
}

func newOutboxFixture(t *testing.T) *outboxFixture {
	t.Helper()
	clock := &manualClock{t: base}
	st, err := store.Open(store.Config{
		Path:     filepath.Join(t.TempDir(), "plansync.db"),
		PoolSize: 2,
		Now:      clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	groupID, err := st.CreateGroup(ctx, models.Group{UserID: "alice", Name: "CS-101"})
	require.NoError(t, err)
	subjectID, err := st.CreateSubject(ctx, models.Subject{UserID: "alice", Name: "Algebra"})
	require.NoError(t, err)
	_, err = st.SetPlan(ctx, models.Plan{UserID: "alice", GroupID: groupID, SubjectID: subjectID, LectureHours: 10})
	require.NoError(t, err)

	start := base.Add(24 * time.Hour)
	event := &models.Event{
		UserID: "alice", GroupID: groupID, SubjectID: subjectID,
		Type: models.Lecture, Title: "Intro", Start: start, End: start.Add(models.FixedDuration),
	}
	require.NoError(t, st.CreateEvent(ctx, event))

	fake := &fakeSyncer{}
	outbox := NewOutbox(nil, st, fake, OutboxConfig{
		MaxAttempts:  3,
		RetryBackoff: 30 * time.Second,
		LockedDelay:  10 * time.Second,
		Now:          clock.Now,
	})
	return &outboxFixture{store: st, clock: clock, syncer: fake, outbox: outbox, event: event}
}

func (f *outboxFixture) due(t *testing.T, at time.Time) []models.Intent {
	t.Helper()
	intents, err := f.store.DueIntents(context.Background(), at, 10)
	require.NoError(t, err)
	return intents
}

func TestOutboxCompletesPushedIntent(t *testing.T) {
	f := newOutboxFixture(t)

	n, err := f.outbox.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{f.event.ID}, f.syncer.calls)
	assert.Empty(t, f.due(t, base.Add(24*time.Hour)))
}

func TestOutboxRetriesWithBackoff(t *testing.T) {
	f := newOutboxFixture(t)
	ctx := context.Background()
	boom := errors.New("remote unavailable")
	f.syncer.steps = []step{{err: boom}, {err: boom}, {err: boom}}

	_, err := f.outbox.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.due(t, base.Add(29*time.Second)))
	intents := f.due(t, base.Add(30*time.Second))
	require.Len(t, intents, 1)
	assert.Equal(t, 1, intents[0].Attempts)
	assert.Equal(t, "remote unavailable", intents[0].LastError)

	f.clock.Advance(30 * time.Second)
	_, err = f.outbox.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.due(t, f.clock.Now().Add(59*time.Second)))
	intents = f.due(t, f.clock.Now().Add(60*time.Second))
	require.Len(t, intents, 1)
	assert.Equal(t, 2, intents[0].Attempts)

	f.clock.Advance(60 * time.Second)
	_, err = f.outbox.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.due(t, f.clock.Now().Add(24*time.Hour)), "intent dropped after the last attempt")
	assert.Len(t, f.syncer.calls, 3)
}

func TestOutboxDefersLockedEvent(t *testing.T) {
	f := newOutboxFixture(t)
	f.syncer.steps = []step{{outcome: syncer.OutcomeLocked}}

	_, err := f.outbox.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.due(t, base.Add(9*time.Second)))
	intents := f.due(t, base.Add(10*time.Second))
	require.Len(t, intents, 1)
	assert.Zero(t, intents[0].Attempts)
}

func TestOutboxKeepsIntentReenqueuedDuringSync(t *testing.T) {
	f := newOutboxFixture(t)
	ctx := context.Background()
	f.syncer.during = func(eventID int64) {
		e, err := f.store.GetEvent(ctx, eventID)
		require.NoError(t, err)
		e.Title = "Edited while pushing"
		require.NoError(t, f.store.UpdateEvent(ctx, e))
	}

	_, err := f.outbox.ProcessDue(ctx)
	require.NoError(t, err)
	intents := f.due(t, base)
	require.Len(t, intents, 1)
	assert.Equal(t, int64(1), intents[0].Generation)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 30*time.Second, Backoff(30*time.Second, 0))
	assert.Equal(t, 60*time.Second, Backoff(30*time.Second, 1))
	assert.Equal(t, 120*time.Second, Backoff(30*time.Second, 2))
	assert.Equal(t, 30*time.Second, Backoff(30*time.Second, -1))
	assert.Equal(t, MaxBackoff, Backoff(30*time.Second, 20))
}

type fakeRunner struct {
	mu    sync.Mutex
	errs  map[string][]error
	calls map[string]int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{errs: make(map[string][]error), calls: make(map[string]int)}
}

func (f *fakeRunner) FullSync(_ context.Context, userID string) (*syncer.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[userID]++
	if queued := f.errs[userID]; len(queued) > 0 {
		err := queued[0]
		f.errs[userID] = queued[1:]
		if err != nil {
			return nil, err
		}
	}
	return &syncer.Result{UserID: userID, Phase: syncer.PhaseDone}, nil
}

func (f *fakeRunner) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[userID]
}

type staticLinks []models.CalendarLink

func (l staticLinks) ListCalendarLinks(context.Context) ([]models.CalendarLink, error) {
	return l, nil
}

func newTestScheduler(t *testing.T, runner *fakeRunner, users ...string) (*Scheduler, *[]time.Duration) {
	t.Helper()
	var links staticLinks
	for _, u := range users {
		links = append(links, models.CalendarLink{UserID: u, CalendarID: "cal-" + u})
	}
	var (
		mu     sync.Mutex
		sleeps []time.Duration
	)
	s, err := NewScheduler(nil, links, runner, SchedulerConfig{
		Spec:         "@every 1s",
		MaxAttempts:  3,
		RetryBackoff: 30 * time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			mu.Lock()
			defer mu.Unlock()
			sleeps = append(sleeps, d)
			return nil
		},
	})
	require.NoError(t, err)
	return s, &sleeps
}

func TestSyncUserRetriesUntilSuccess(t *testing.T) {
	runner := newFakeRunner()
	boom := errors.New("list failed")
	runner.errs["alice"] = []error{boom, boom, nil}
	s, sleeps := newTestScheduler(t, runner, "alice")

	res, err := s.SyncUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, syncer.PhaseDone, res.Phase)
	assert.Equal(t, 3, runner.count("alice"))
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, *sleeps)
}

func TestSyncUserGivesUp(t *testing.T) {
	runner := newFakeRunner()
	boom := errors.New("list failed")
	runner.errs["alice"] = []error{boom, boom, boom, boom}
	s, _ := newTestScheduler(t, runner, "alice")

	_, err := s.SyncUser(context.Background(), "alice")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, runner.count("alice"))
}

func TestSyncUserSkipsRunningPass(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["alice"] = []error{syncer.ErrSyncInProgress}
	s, sleeps := newTestScheduler(t, runner, "alice")

	res, err := s.SyncUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 1, runner.count("alice"))
	assert.Empty(t, *sleeps)
}

func TestRunAllJoinsFailures(t *testing.T) {
	runner := newFakeRunner()
	boom := errors.New("list failed")
	runner.errs["bob"] = []error{boom, boom, boom}
	s, _ := newTestScheduler(t, runner, "alice", "bob")

	err := s.RunAll(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bob")
	assert.Equal(t, 1, runner.count("alice"))
	assert.Equal(t, 3, runner.count("bob"))
}

type busyRunner struct {
	mu           sync.Mutex
	active, peak int
	calls        int
}

func (r *busyRunner) FullSync(_ context.Context, userID string) (*syncer.Result, error) {
	r.mu.Lock()
	r.active++
	r.calls++
	r.peak = max(r.peak, r.active)
	r.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	return &syncer.Result{UserID: userID, Phase: syncer.PhaseDone}, nil
}

func TestRunAllLimitsConcurrency(t *testing.T) {
	var links staticLinks
	for _, u := range []string{"a", "b", "c", "d", "e"} {
		links = append(links, models.CalendarLink{UserID: u, CalendarID: "cal-" + u})
	}
	runner := &busyRunner{}
	s, err := NewScheduler(nil, links, runner, SchedulerConfig{Concurrency: 2})
	require.NoError(t, err)

	require.NoError(t, s.RunAll(context.Background()))
	assert.Equal(t, 5, runner.calls)
	assert.LessOrEqual(t, runner.peak, 2)
}

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduler(nil, staticLinks{}, newFakeRunner(), SchedulerConfig{Spec: "every minute"})
	assert.Error(t, err)
}

func TestSchedulerRunsOnSchedule(t *testing.T) {
	runner := newFakeRunner()
	s, _ := newTestScheduler(t, runner, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.count("alice") > 0 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
