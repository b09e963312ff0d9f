// Package ics exports local events as an iCalendar document.
package ics

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"plansync/internal/codec"
	"plansync/internal/models"
)

// ProductID identifies documents written by Encode.
const ProductID = "-//plansync//EN"

// UID returns a stable identifier for e. Pushed events reuse their remote id.
func UID(e *models.Event) string {
	if e.RemoteID != "" {
		return e.RemoteID
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, fmt.Appendf(nil, "plansync:%s:%d", e.UserID, e.ID)).String()
}

// Encode writes events to w as one VCALENDAR. Events pending deletion are
// left out; now stamps DTSTAMP.
func Encode(w io.Writer, events []models.Event, now time.Time) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)
	for i := range events {
		if events[i].State == models.PendingDelete {
			continue
		}
		cal.Children = append(cal.Children, toICal(&events[i], now))
	}
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode events to iCal format: %w", err)
	}
	return nil
}

func toICal(e *models.Event, now time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, UID(e))
	ve.Props.SetText(ical.PropSummary, e.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, e.Start.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, e.End.UTC())
	ve.Props.SetText(ical.PropDescription, codec.Description(e))
	ve.Props.SetText(ical.PropCategories, string(e.Type))
	if e.Location != "" {
		ve.Props.SetText(ical.PropLocation, e.Location)
	}
	return ve
}
