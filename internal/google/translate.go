package google

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"churchcal/internal/category"
	"churchcal/internal/metadata"
	"churchcal/internal/models"

	"google.golang.org/api/calendar/v3"
)

// Private extended property keys stamped on every event this application writes.
const (
	PropEventID       = "churchEventId"
	PropEventCategory = "eventCategory"
	PropIsChurchEvent = "isChurchEvent"
	PropSchemaVersion = "churchEventVersion"

	SchemaVersion = "1.0"

	// DefaultDurationMinutes is used when a sync request does not give a duration.
	DefaultDurationMinutes = 120

	dateLayout        = "2006-01-02"
	displayTimeLayout = "3:04 PM"
)

var (
	// clock layouts accepted by To24Hour, tried in order.
	clockLayouts = []string{"3:04 PM", "3:04PM", "3 PM", "3PM", "15:04"}

	rsvpLine      = regexp.MustCompile(`(?im)^[ \t]*RSVPs:[ \t]*(\d+)[ \t]*$`)
	composedLines = regexp.MustCompile(`(?im)^[ \t]*(?:Location|RSVPs):[^\n]*(?:\n|$)`)
)

// Translator converts between internal events and Google Calendar events. Dates and
// times are interpreted in the church's local time zone.
type Translator struct {
	loc *time.Location
}

// NewTranslator returns a Translator for loc. A nil loc means time.Local.
func NewTranslator(loc *time.Location) *Translator {
	if loc == nil {
		loc = time.Local
	}
	return &Translator{loc: loc}
}

// Location returns the translator's time zone.
func (t *Translator) Location() *time.Location {
	return t.loc
}

// ToInternal converts a Google Calendar event. It never fails; missing fields get defaults.
func (t *Translator) ToInternal(item *calendar.Event) *models.Event {
	event := &models.Event{
		ID:       item.Id,
		Title:    strings.TrimSpace(item.Summary),
		Location: strings.TrimSpace(item.Location),
		Category: category.ForColor(item.ColorId),
		Time:     models.AllDay,
	}
	if event.Title == "" {
		event.Title = models.UntitledEvent
	}
	if event.Location == "" {
		event.Location = models.DefaultLocation
	}

	if item.Start != nil {
		if item.Start.DateTime != "" {
			event.Date, event.Time = t.localStart(item.Start)
		} else {
			// All-day dates are calendar dates; they are never re-derived through a timestamp.
			event.Date = item.Start.Date
		}
	}

	description := item.Description
	if isChurchEvent(item) {
		if m := rsvpLine.FindStringSubmatch(description); m != nil {
			event.RSVPs, _ = strconv.Atoi(m[1])
		}
		description = composedLines.ReplaceAllString(description, "")
	}
	event.SetDescription(description)

	for _, a := range item.Attendees {
		if a == nil || a.Email == "" {
			continue
		}
		event.Attendees = append(event.Attendees, models.Attendee{Email: a.Email, DisplayName: a.DisplayName})
	}

	return event
}

// localStart renders a timed remote start as local date and clock. A dateTime without an
// offset is read in the event's own zone. When no time can be read, the date part is kept
// and the event is shown as all day rather than losing its date.
func (t *Translator) localStart(start *calendar.EventDateTime) (string, string) {
	raw := strings.TrimSpace(start.DateTime)
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		zone := t.loc
		if start.TimeZone != "" {
			if loc, lerr := time.LoadLocation(start.TimeZone); lerr == nil {
				zone = loc
			}
		}
		parsed, err = time.ParseInLocation("2006-01-02T15:04:05", raw, zone)
	}
	if err == nil {
		local := parsed.In(t.loc)
		return local.Format(dateLayout), local.Format(displayTimeLayout)
	}
	if len(raw) >= len(dateLayout) {
		if _, derr := time.Parse(dateLayout, raw[:len(dateLayout)]); derr == nil {
			return raw[:len(dateLayout)], models.AllDay
		}
	}
	return "", models.AllDay
}

// ToRemote builds the Google Calendar payload for event. durationMinutes <= 0 means
// DefaultDurationMinutes. The internal id is embedded so later syncs find the event again.
func (t *Translator) ToRemote(event *models.Event, durationMinutes int) (*calendar.Event, error) {
	if event.ID == "" {
		return nil, fmt.Errorf("event %q has no id", event.Title)
	}
	start, err := t.StartTime(event)
	if err != nil {
		return nil, err
	}
	if durationMinutes <= 0 {
		durationMinutes = DefaultDurationMinutes
	}

	cat, ok := category.Parse(string(event.Category))
	if !ok {
		cat = category.Default
	}

	title := strings.TrimSpace(event.Title)
	if title == "" {
		title = models.UntitledEvent
	}

	remote := &calendar.Event{
		Summary:     title,
		Location:    event.Location,
		Description: composeDescription(event),
		ColorId:     cat.Color(),
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				PropEventID:       event.ID,
				PropEventCategory: string(cat),
				PropIsChurchEvent: "true",
				PropSchemaVersion: SchemaVersion,
			},
		},
		Reminders: &calendar.EventReminders{
			UseDefault: false,
			Overrides: []*calendar.EventReminder{
				{Method: "email", Minutes: 24 * 60},
				{Method: "popup", Minutes: 60},
			},
			// UseDefault=false is the zero value and would otherwise be dropped from the request.
			ForceSendFields: []string{"UseDefault"},
		},
	}

	if event.IsAllDay() {
		remote.Start = &calendar.EventDateTime{Date: start.Format(dateLayout)}
		remote.End = &calendar.EventDateTime{Date: start.AddDate(0, 0, 1).Format(dateLayout)}
	} else {
		end := start.Add(time.Duration(durationMinutes) * time.Minute)
		remote.Start = &calendar.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: t.zoneName()}
		remote.End = &calendar.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: t.zoneName()}
	}

	for _, a := range event.Attendees {
		remote.Attendees = append(remote.Attendees, &calendar.EventAttendee{Email: a.Email, DisplayName: a.DisplayName})
	}

	return remote, nil
}

// StartTime combines the event's local date and clock time in the translator's zone.
// All-day events start at local midnight.
func (t *Translator) StartTime(event *models.Event) (time.Time, error) {
	day, err := time.ParseInLocation(dateLayout, strings.TrimSpace(event.Date), t.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q for event %s: %w", event.Date, event.ID, err)
	}
	if event.IsAllDay() {
		return day, nil
	}
	clock, err := To24Hour(event.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time for event %s: %w", event.ID, err)
	}
	hm, _ := time.Parse("15:04", clock)
	return time.Date(day.Year(), day.Month(), day.Day(), hm.Hour(), hm.Minute(), 0, 0, t.loc), nil
}

// To24Hour converts a 12-hour clock string such as "1:30 PM" to "13:30".
// "12:00 AM" is midnight ("00:00"). 24-hour input is passed through.
func To24Hour(clock string) (string, error) {
	normalized := strings.ToUpper(strings.Join(strings.Fields(clock), " "))
	for _, layout := range clockLayouts {
		if parsed, err := time.Parse(layout, normalized); err == nil {
			return parsed.Format("15:04"), nil
		}
	}
	return "", fmt.Errorf("unrecognized time %q", clock)
}

// zoneName is sent alongside dateTime values; Google rejects the pseudo-zone "Local".
func (t *Translator) zoneName() string {
	if name := t.loc.String(); name != "Local" {
		return name
	}
	return ""
}

// composeDescription folds fields Google has no slot for into human-readable text.
// Capacity and contact are written in the same "key: value" form the extractor reads,
// so they survive a round trip. Hint lines already in the description are replaced, never repeated.
func composeDescription(event *models.Event) string {
	var b strings.Builder
	body := metadata.CleanDescription(event.Description)
	b.WriteString(body)

	var extra []string
	if event.Location != "" && event.Location != models.DefaultLocation {
		extra = append(extra, "Location: "+event.Location)
	}
	extra = append(extra, fmt.Sprintf("RSVPs: %d", event.RSVPs))
	if event.Capacity != nil {
		if n, ok := metadata.ExtractCapacity(body); !ok || n != *event.Capacity {
			extra = append(extra, fmt.Sprintf("Capacity: %d", *event.Capacity))
		}
	}
	if event.ContactInfo != nil && *event.ContactInfo != "" {
		if c, ok := metadata.ExtractContactInfo(body); !ok || c != *event.ContactInfo {
			extra = append(extra, "Contact: "+*event.ContactInfo)
		}
	}

	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(strings.Join(extra, "\n"))
	return b.String()
}

func isChurchEvent(item *calendar.Event) bool {
	return item.ExtendedProperties != nil && item.ExtendedProperties.Private[PropIsChurchEvent] == "true"
}

// CorrelationID returns the internal event id stamped on item, if any.
func CorrelationID(item *calendar.Event) string {
	if item == nil || item.ExtendedProperties == nil {
		return ""
	}
	return item.ExtendedProperties.Private[PropEventID]
}
