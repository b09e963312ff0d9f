package models

import "time"

// EventType is the kind of academic activity an event represents.
type EventType string

const (
	Lecture  EventType = "lecture"
	Practice EventType = "practice"
	Lab      EventType = "lab"
	Other    EventType = "other"
)

const (
	// FixedDuration is the required length of lectures, practicals and labs
	// (two academic hours).
	FixedDuration = 90 * time.Minute
	// DurationTolerance is how far past FixedDuration a fixed-length event may run.
	DurationTolerance = time.Minute
)

// EventTypes lists every recognized event type.
var EventTypes = []EventType{Lecture, Practice, Lab, Other}

// Valid reports whether t is one of the recognized event types.
func (t EventType) Valid() bool {
	switch t {
	case Lecture, Practice, Lab, Other:
		return true
	}
	return false
}

// Fixed reports whether events of this type must last FixedDuration.
func (t EventType) Fixed() bool {
	return t == Lecture || t == Practice || t == Lab
}

// DurationAllowed reports whether d is an acceptable length for an event of
// type t. Timed types may run over FixedDuration by up to DurationTolerance.
// Anything shorter than FixedDuration is rejected, so an 89m30s lecture fails
// while a 91m one passes.
func DurationAllowed(t EventType, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	if !t.Fixed() {
		return true
	}
	return d >= FixedDuration && d <= FixedDuration+DurationTolerance
}

// SyncState tracks where a local event stands relative to its remote copy.
type SyncState string

const (
	// Unsynced events have never been pushed and carry no remote id.
	Unsynced SyncState = "unsynced"
	// PendingPush events have a remote copy and local edits it has not seen yet.
	PendingPush SyncState = "pending_push"
	// Synced events agree with the remote copy as of LastUpdate.
	Synced SyncState = "synced"
	// PendingDelete events were deleted locally; the remote copy still has to go.
	PendingDelete SyncState = "pending_delete"
)

// Event is the authoritative local record of a scheduled activity.
type Event struct {
	ID          int64
	UserID      string
	GroupID     int64
	GroupName   string
	SubjectID   int64
	SubjectName string
	Type        EventType
	Start       time.Time
	End         time.Time
	Title       string
	Location    string
	Notes       string

	// RemoteID is the provider-assigned event id, empty until first push.
	RemoteID string
	// CalendarID is the remote calendar container the event lives in.
	CalendarID string
	State      SyncState

	LeaseHolder  string
	LeaseExpires time.Time

	// LastUpdate is advanced by the store on every local mutation.
	LastUpdate time.Time
	CreatedAt  time.Time
}

// Duration returns End - Start.
func (e *Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Syncing reports whether a live sync lease is held on the event at now.
func (e *Event) Syncing(now time.Time) bool {
	return e.LeaseHolder != "" && now.Before(e.LeaseExpires)
}

// ParsedEvent is a remote event decoded into local terms but not yet validated.
type ParsedEvent struct {
	ID          string
	Title       string
	Start       time.Time
	End         time.Time
	Updated     time.Time
	Location    string
	GroupName   string
	SubjectName string
	Type        EventType
	Notes       string
}

// Duration returns End - Start.
func (p *ParsedEvent) Duration() time.Duration {
	return p.End.Sub(p.Start)
}
