package models

import (
	"churchcal/internal/category"
	"churchcal/internal/metadata"

	"github.com/google/uuid"
)

const (
	// AllDay is the Time value of events without a time of day.
	AllDay = "All Day"
	// DefaultLocation is used when an event has no location.
	DefaultLocation = "TBD"
	// UntitledEvent replaces a missing remote title.
	UntitledEvent = "Untitled Event"
	// SummaryLength caps Event.Summary.
	SummaryLength = 150
)

// Event represents a church calendar event.
// This is an internal representation, independent of any specific calendar provider.
type Event struct {
	// ID is assigned by the remote provider on import or generated locally; it is the correlation key.
	ID    string `json:"id"`
	Title string `json:"title" validate:"required"`
	// Date is YYYY-MM-DD in the church's local calendar, never derived from a UTC timestamp.
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
	// Time is "3:04 PM" or AllDay.
	Time     string `json:"time"`
	Location string `json:"location"`
	// Description is the cleaned text shown to users; Summary is its truncation.
	Description string            `json:"description"`
	Summary     string            `json:"summary"`
	Category    category.Category `json:"category"`
	// Capacity, ContactInfo and Tags are caches of the raw description.
	Capacity    *int       `json:"capacity,omitempty" validate:"omitempty,gte=0"`
	ContactInfo *string    `json:"contactInfo,omitempty"`
	Tags        []string   `json:"tags"`
	RSVPs       int        `json:"rsvps" validate:"gte=0"`
	Attendees   []Attendee `json:"attendees,omitempty" validate:"omitempty,dive"`
}

// Attendee is a guest copied to and from the remote event.
type Attendee struct {
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"displayName,omitempty"`
}

// SetDescription stores the display form of raw and re-derives every cached field from it.
// Capacity, ContactInfo and Tags are caches of the description, never sources of truth.
func (e *Event) SetDescription(raw string) {
	e.Capacity = nil
	if n, ok := metadata.ExtractCapacity(raw); ok {
		e.Capacity = &n
	}
	e.ContactInfo = nil
	if c, ok := metadata.ExtractContactInfo(raw); ok {
		e.ContactInfo = &c
	}
	e.Tags = metadata.ExtractTags(e.Title, raw)
	e.Description = metadata.CleanDescription(raw)
	e.Summary = metadata.Summarize(e.Description, SummaryLength)
}

// FillFromDescription derives Capacity, ContactInfo and Tags from Description where the
// caller did not supply them. Supplied values are kept.
func (e *Event) FillFromDescription() {
	if e.Capacity == nil {
		if n, ok := metadata.ExtractCapacity(e.Description); ok {
			e.Capacity = &n
		}
	}
	if e.ContactInfo == nil {
		if c, ok := metadata.ExtractContactInfo(e.Description); ok {
			e.ContactInfo = &c
		}
	}
	if e.Tags == nil {
		e.Tags = metadata.ExtractTags(e.Title, e.Description)
	}
}

// IsAllDay reports whether the event has no time of day.
func (e *Event) IsAllDay() bool {
	return e.Time == "" || e.Time == AllDay
}

// EnsureID assigns a fresh id to app-authored events that have none and returns it.
func (e *Event) EnsureID() string {
	if e.ID == "" {
		e.ID = GenerateID()
	}
	return e.ID
}

// GenerateID creates a new unique identifier for a locally authored event.
func GenerateID() string {
	return uuid.New().String()
}
