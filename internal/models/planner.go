package models

import "time"

// Group is a user-owned student group.
type Group struct {
	ID          int64
	UserID      string
	Name        string
	Color       string
	Description string
	CreatedAt   time.Time
}

// Subject is a user-owned course subject.
type Subject struct {
	ID          int64
	UserID      string
	Name        string
	Description string
	CreatedAt   time.Time
}

// Plan caps the hours a user may schedule per event type for a group and subject.
type Plan struct {
	ID            int64
	UserID        string
	Name          string
	GroupID       int64
	SubjectID     int64
	LectureHours  int
	PracticeHours int
	LabHours      int
	OtherHours    int
}

// Budget returns the total time allowed for events of type t.
func (p *Plan) Budget(t EventType) time.Duration {
	var hours int
	switch t {
	case Lecture:
		hours = p.LectureHours
	case Practice:
		hours = p.PracticeHours
	case Lab:
		hours = p.LabHours
	case Other:
		hours = p.OtherHours
	}
	return time.Duration(hours) * 3600 * time.Second
}

// CalendarLink binds a user to the remote calendar their events are mirrored into.
type CalendarLink struct {
	UserID     string
	CalendarID string
	CreatedAt  time.Time
	LastSync   time.Time
}

// Intent is an outbox entry asking the worker to reconcile one event.
type Intent struct {
	ID       int64
	EventID  int64
	UserID   string
	Attempts int
	// Generation increases every time the event is written again while the
	// intent is still pending.
	Generation int64
	NextRun    time.Time
	LastError  string
	CreatedAt  time.Time
}
