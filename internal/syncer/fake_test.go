package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"google.golang.org/api/calendar/v3"

	"plansync/internal/google"
)

func notFound(op string) error {
	return &google.APIError{Op: op, Code: http.StatusNotFound, Err: errors.New("not found")}
}

// fakeRemote is an in-memory calendar. Deleted events stay listed as
// cancelled markers, like the real API with showDeleted.
type fakeRemote struct {
	mu       sync.Mutex
	now      func() time.Time
	pageSize int

	events map[string]*calendar.Event
	order  []string
	hidden map[string]bool
	nextID int

	listErr   error
	getErr    map[string]error
	insertErr func(*calendar.Event) error
	updateErr error

	calendars []string
	lastSince time.Time

	inserts, updates, deletes, gets int
}

func newFakeRemote(now func() time.Time) *fakeRemote {
	return &fakeRemote{
		now:      now,
		pageSize: 2,
		events:   make(map[string]*calendar.Event),
		hidden:   make(map[string]bool),
		getErr:   make(map[string]error),
	}
}

func clone(ev *calendar.Event) *calendar.Event {
	c := *ev
	if ev.Start != nil {
		start := *ev.Start
		c.Start = &start
	}
	if ev.End != nil {
		end := *ev.End
		c.End = &end
	}
	return &c
}

func (r *fakeRemote) stamp() string {
	return r.now().UTC().Format(time.RFC3339Nano)
}

func (r *fakeRemote) writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inserts + r.updates + r.deletes
}

// put stores ev verbatim, as if another client wrote it.
func (r *fakeRemote) put(ev *calendar.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[ev.Id]; !ok {
		r.order = append(r.order, ev.Id)
	}
	r.events[ev.Id] = clone(ev)
}

func (r *fakeRemote) get(id string) *calendar.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return nil
	}
	return clone(ev)
}

// vanish removes an event without leaving a cancelled marker.
func (r *fakeRemote) vanish(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.events, id)
}

// hide keeps an event fetchable by id but out of listings.
func (r *fakeRemote) hide(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hidden[id] = true
}

func (r *fakeRemote) ListEvents(_ context.Context, _ string, since time.Time, pageToken string) ([]*calendar.Event, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, "", r.listErr
	}
	r.lastSince = since

	var visible []*calendar.Event
	for _, id := range r.order {
		ev, ok := r.events[id]
		if !ok || r.hidden[id] {
			continue
		}
		visible = append(visible, ev)
	}

	offset := 0
	if pageToken != "" {
		var err error
		if offset, err = strconv.Atoi(pageToken); err != nil {
			return nil, "", fmt.Errorf("bad page token %q", pageToken)
		}
	}
	end := min(offset+r.pageSize, len(visible))
	page := make([]*calendar.Event, 0, end-offset)
	for _, ev := range visible[offset:end] {
		page = append(page, clone(ev))
	}
	next := ""
	if end < len(visible) {
		next = strconv.Itoa(end)
	}
	return page, next, nil
}

func (r *fakeRemote) GetEvent(_ context.Context, _ string, eventID string) (*calendar.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	if err := r.getErr[eventID]; err != nil {
		return nil, err
	}
	ev, ok := r.events[eventID]
	if !ok {
		return nil, notFound("get event")
	}
	return clone(ev), nil
}

func (r *fakeRemote) InsertEvent(_ context.Context, _ string, event *calendar.Event) (*calendar.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		if err := r.insertErr(event); err != nil {
			return nil, err
		}
	}
	r.inserts++
	r.nextID++
	ev := clone(event)
	ev.Id = fmt.Sprintf("g%d", r.nextID)
	ev.Status = "confirmed"
	ev.Updated = r.stamp()
	r.events[ev.Id] = ev
	r.order = append(r.order, ev.Id)
	return clone(ev), nil
}

func (r *fakeRemote) UpdateEvent(_ context.Context, _ string, eventID string, event *calendar.Event) (*calendar.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return nil, r.updateErr
	}
	current, ok := r.events[eventID]
	if !ok || current.Status == "cancelled" {
		return nil, notFound("update event")
	}
	r.updates++
	ev := clone(event)
	ev.Id = eventID
	ev.Status = "confirmed"
	ev.Updated = r.stamp()
	r.events[eventID] = ev
	return clone(ev), nil
}

func (r *fakeRemote) DeleteEvent(_ context.Context, _ string, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.events[eventID]
	if !ok || current.Status == "cancelled" {
		return notFound("delete event")
	}
	r.deletes++
	current.Status = "cancelled"
	current.Updated = r.stamp()
	return nil
}

func (r *fakeRemote) CreateCalendar(_ context.Context, summary, _, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := fmt.Sprintf("cal-%d@group.calendar.google.com", len(r.calendars)+1)
	r.calendars = append(r.calendars, summary)
	return id, nil
}
