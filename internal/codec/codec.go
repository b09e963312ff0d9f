// Package codec maps local events to Google Calendar events and back.
//
// Group, subject and type travel in the remote description as
// colon-separated lines:
//
//	Group: CS-101
//	Subject: Algebra
//	Type: lecture
//	Notes: bring slides
//
// Everything after the Notes line is the free-text notes.
package codec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"plansync/internal/models"
)

// UntitledEvent is the title given to remote events without a summary.
const UntitledEvent = "Untitled Event"

const (
	keyGroup   = "Group"
	keySubject = "Subject"
	keyType    = "Type"
	keyNotes   = "Notes"
)

// ErrMissingTime is returned when a remote event lacks a start, end or
// updated timestamp.
var ErrMissingTime = errors.New("codec: missing time data")

// Codec converts between local and remote event representations.
type Codec struct {
	// Location is the time zone events are written in when pushed.
	Location *time.Location
}

// New returns a Codec writing times in loc. A nil loc means UTC.
func New(loc *time.Location) Codec {
	if loc == nil {
		loc = time.UTC
	}
	return Codec{Location: loc}
}

// Decode extracts the local fields of a remote event. A malformed
// description yields empty or default values rather than an error; only
// absent or unparsable timestamps fail.
func (c Codec) Decode(item *calendar.Event) (*models.ParsedEvent, error) {
	if item == nil {
		return nil, fmt.Errorf("codec: nil event")
	}
	if item.Start == nil || item.Start.DateTime == "" || item.End == nil || item.End.DateTime == "" || item.Updated == "" {
		return nil, fmt.Errorf("%w in remote event %s", ErrMissingTime, item.Id)
	}

	start, err := parseTime(item.Start.DateTime)
	if err != nil {
		return nil, fmt.Errorf("codec: start of remote event %s: %w", item.Id, err)
	}
	end, err := parseTime(item.End.DateTime)
	if err != nil {
		return nil, fmt.Errorf("codec: end of remote event %s: %w", item.Id, err)
	}
	updated, err := parseTime(item.Updated)
	if err != nil {
		return nil, fmt.Errorf("codec: updated of remote event %s: %w", item.Id, err)
	}

	fields := parseDescription(item.Description)

	title := item.Summary
	if title == "" {
		title = UntitledEvent
	}

	eventType := models.Other
	if value, ok := fields[keyType]; ok {
		eventType = models.EventType(strings.ToLower(value))
	}

	return &models.ParsedEvent{
		ID:          item.Id,
		Title:       title,
		Start:       start,
		End:         end,
		Updated:     updated,
		Location:    item.Location,
		GroupName:   fields[keyGroup],
		SubjectName: fields[keySubject],
		Type:        eventType,
		Notes:       fields[keyNotes],
	}, nil
}

// Encode builds the remote body for a local event.
func (c Codec) Encode(e *models.Event) *calendar.Event {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	return &calendar.Event{
		Summary:     e.Title,
		Description: Description(e),
		Location:    e.Location,
		Start: &calendar.EventDateTime{
			DateTime: e.Start.In(loc).Format(time.RFC3339),
			TimeZone: loc.String(),
		},
		End: &calendar.EventDateTime{
			DateTime: e.End.In(loc).Format(time.RFC3339),
			TimeZone: loc.String(),
		},
	}
}

// Description renders the four description lines for an event.
func Description(e *models.Event) string {
	return fmt.Sprintf("%s: %s\n%s: %s\n%s: %s\n%s: %s",
		keyGroup, e.GroupName,
		keySubject, e.SubjectName,
		keyType, e.Type,
		keyNotes, e.Notes,
	)
}

// parseDescription reads Group, Subject and Type from any line, first
// occurrence wins. Notes start at the first Notes line and take every later
// line that does not supply one of those keys, so a repeated key inside the
// notes stays part of them.
func parseDescription(description string) map[string]string {
	fields := make(map[string]string)
	var notes []string
	inNotes := false
	for _, line := range strings.Split(description, "\n") {
		key, value, ok := strings.Cut(line, ":")
		key = strings.TrimSpace(key)
		if ok {
			switch key {
			case keyGroup, keySubject, keyType:
				if _, seen := fields[key]; !seen {
					fields[key] = strings.TrimSpace(value)
					continue
				}
			case keyNotes:
				if !inNotes {
					inNotes = true
					notes = append(notes, value)
					continue
				}
			}
		}
		if inNotes {
			notes = append(notes, line)
		}
	}
	if inNotes {
		fields[keyNotes] = strings.TrimSpace(strings.Join(notes, "\n"))
	}
	return fields
}

// parseTime accepts RFC 3339 timestamps with or without fractional seconds.
func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}
