// Package ics renders church events as iCalendar data for the public feed and the CalDAV mirror.
package ics

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"churchcal/internal/google"
	"churchcal/internal/models"

	"github.com/emersion/go-ical"
)

const (
	ProductID = "-//churchcal//EN"
	uidSuffix = "@churchcal"
)

// UID is the stable iCalendar UID for an internal event id.
func UID(eventID string) string {
	return eventID + uidSuffix
}

// Encoder converts internal events to VEVENT components.
type Encoder struct {
	translator      *google.Translator
	durationMinutes int
	logger          *slog.Logger
	now             func() time.Time
}

// NewEncoder creates an encoder. Timed events last durationMinutes (DefaultDurationMinutes when <= 0).
func NewEncoder(translator *google.Translator, durationMinutes int, logger *slog.Logger) *Encoder {
	if translator == nil {
		translator = google.NewTranslator(nil)
	}
	if durationMinutes <= 0 {
		durationMinutes = google.DefaultDurationMinutes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Encoder{translator: translator, durationMinutes: durationMinutes, logger: logger, now: time.Now}
}

// VEvent converts an internal Event model to an ical.Component (VEVENT).
func (e *Encoder) VEvent(event *models.Event) (*ical.Component, error) {
	start, err := e.translator.StartTime(event)
	if err != nil {
		return nil, err
	}

	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, UID(event.ID))
	ve.Props.SetText(ical.PropSummary, event.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, e.now().UTC())

	if event.IsAllDay() {
		ve.Props.SetDate(ical.PropDateTimeStart, start)
		ve.Props.SetDate(ical.PropDateTimeEnd, start.AddDate(0, 0, 1))
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, start)
		ve.Props.SetDateTime(ical.PropDateTimeEnd, start.Add(time.Duration(e.durationMinutes)*time.Minute))
	}

	if event.Description != "" {
		ve.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" && event.Location != models.DefaultLocation {
		ve.Props.SetText(ical.PropLocation, event.Location)
	}
	if event.Category != "" {
		ve.Props.SetText(ical.PropCategories, string(event.Category))
	}
	return ve, nil
}

// Calendar builds a VCALENDAR named name. Events that cannot be converted are logged and left out.
func (e *Encoder) Calendar(name string, events []*models.Event) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)
	if name != "" {
		setExtension(cal.Props, "X-WR-CALNAME", name)
	}
	if zone := e.translator.Location().String(); zone != "Local" {
		setExtension(cal.Props, "X-WR-TIMEZONE", zone)
	}

	for _, event := range events {
		ve, err := e.VEvent(event)
		if err != nil {
			e.logger.Warn("Skipping event in iCalendar output", "eventID", event.ID, "error", err)
			continue
		}
		cal.Children = append(cal.Children, ve)
	}
	return cal
}

// setExtension sets a non-standard property without a VALUE parameter, which is the form
// subscribing clients look for.
func setExtension(props ical.Props, name, value string) {
	prop := ical.NewProp(name)
	prop.Value = value
	props.Set(prop)
}

// Write encodes events as a complete iCalendar document.
func (e *Encoder) Write(w io.Writer, name string, events []*models.Event) error {
	if err := ical.NewEncoder(w).Encode(e.Calendar(name, events)); err != nil {
		return fmt.Errorf("failed to encode event to iCal format: %w", err)
	}
	return nil
}
