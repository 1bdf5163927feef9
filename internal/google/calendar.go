package google

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"churchcal/internal/auth"
	"churchcal/internal/models"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const (
	// DefaultWindowMonths is how far ahead the read path looks by default.
	DefaultWindowMonths = 6
	// DefaultMaxResults caps a single fetch.
	DefaultMaxResults = 250
	// SearchPageSize bounds the correlation-id lookup to one page of results.
	SearchPageSize = 250
)

// TimeWindow is a [Start, End) range of event start times.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// DefaultWindow returns [now, now + months).
func DefaultWindow(now time.Time, months int) TimeWindow {
	if months <= 0 {
		months = DefaultWindowMonths
	}
	return TimeWindow{Start: now, End: now.AddDate(0, months, 0)}
}

// CalendarInfo is a calendar the connected user can pick as a sync target.
type CalendarInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Primary bool   `json:"primary"`
	Color   string `json:"color"`
}

// CalendarClient provides a client for interacting with the Google Calendar API.
type CalendarClient struct {
	service    *calendar.Service
	translator *Translator
	logger     *slog.Logger
}

// NewClient creates a Google Calendar client authorized by authCtx.
func NewClient(ctx context.Context, logger *slog.Logger, authCtx *auth.Context, translator *Translator) (*CalendarClient, error) {
	service, err := calendar.NewService(ctx, option.WithHTTPClient(authCtx.HTTPClient(ctx)))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return NewClientWithService(service, translator, logger), nil
}

// NewClientWithService wraps an existing service, e.g. one pointed at a test server.
func NewClientWithService(service *calendar.Service, translator *Translator, logger *slog.Logger) *CalendarClient {
	if translator == nil {
		translator = NewTranslator(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CalendarClient{service: service, translator: translator, logger: logger}
}

// Translator returns the client's translator.
func (c *CalendarClient) Translator() *Translator {
	return c.translator
}

// GetUpcomingEvents fetches displayable events from calendarID within window, expanding
// recurring events and ordering by start time. Entries without a title are dropped.
func (c *CalendarClient) GetUpcomingEvents(ctx context.Context, calendarID string, window TimeWindow, maxResults int64) ([]*models.Event, error) {
	items, err := c.ListEvents(ctx, calendarID, window, maxResults)
	if err != nil {
		return nil, err
	}

	events := make([]*models.Event, 0, len(items))
	for _, item := range items {
		if item.Summary == "" {
			continue
		}
		events = append(events, c.translator.ToInternal(item))
	}

	c.logger.Info("Successfully fetched events from Google Calendar", "count", len(events), "skipped", len(items)-len(events), "calendarID", calendarID)
	return events, nil
}

// ListEvents returns raw single-occurrence events in window ordered by start time.
func (c *CalendarClient) ListEvents(ctx context.Context, calendarID string, window TimeWindow, maxResults int64) ([]*calendar.Event, error) {
	if window.Start.IsZero() {
		window = DefaultWindow(time.Now(), DefaultWindowMonths)
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	c.logger.Debug("Fetching upcoming events", "calendarID", calendarID, "timeMin", window.Start, "timeMax", window.End)

	events, err := c.service.Events.List(calendarID).
		Context(ctx).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(window.Start.Format(time.RFC3339)).
		TimeMax(window.End.Format(time.RFC3339)).
		MaxResults(maxResults).
		OrderBy("startTime").
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve events: %w", err)
	}
	return events.Items, nil
}

// FindByCorrelationID returns the most recently updated event carrying eventID in its
// private metadata, or nil when there is none. The search covers one page of results.
func (c *CalendarClient) FindByCorrelationID(ctx context.Context, calendarID, eventID string) (*calendar.Event, error) {
	matches, err := c.FindAllByCorrelationID(ctx, calendarID, eventID)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	// Results are ordered by last modification, oldest first.
	return matches[len(matches)-1], nil
}

// FindAllByCorrelationID returns every event carrying eventID in its private metadata.
func (c *CalendarClient) FindAllByCorrelationID(ctx context.Context, calendarID, eventID string) ([]*calendar.Event, error) {
	list, err := c.service.Events.List(calendarID).
		Context(ctx).
		PrivateExtendedProperty(fmt.Sprintf("%s=%s", PropEventID, eventID)).
		ShowDeleted(false).
		OrderBy("updated").
		MaxResults(SearchPageSize).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to find events by correlation id: %w", err)
	}

	var matches []*calendar.Event
	for _, item := range list.Items {
		if CorrelationID(item) == eventID {
			matches = append(matches, item)
		}
	}
	return matches, nil
}

// InsertEvent inserts a new event into a calendar without notifying guests.
func (c *CalendarClient) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	created, err := c.service.Events.Insert(calendarID, event).
		Context(ctx).
		SendUpdates("none").
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	return created, nil
}

// UpdateEvent replaces an existing event in a calendar.
func (c *CalendarClient) UpdateEvent(ctx context.Context, calendarID, remoteID string, event *calendar.Event) (*calendar.Event, error) {
	updated, err := c.service.Events.Update(calendarID, remoteID, event).
		Context(ctx).
		SendUpdates("none").
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to update event: %w", err)
	}
	return updated, nil
}

// DeleteEvent deletes an event from a calendar.
func (c *CalendarClient) DeleteEvent(ctx context.Context, calendarID, remoteID string) error {
	err := c.service.Events.Delete(calendarID, remoteID).
		Context(ctx).
		SendUpdates("none").
		Do()
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// ListCalendars returns the calendars the authenticated user can see.
func (c *CalendarClient) ListCalendars(ctx context.Context) ([]CalendarInfo, error) {
	list, err := c.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	calendars := make([]CalendarInfo, 0, len(list.Items))
	for _, item := range list.Items {
		name := item.SummaryOverride
		if name == "" {
			name = item.Summary
		}
		calendars = append(calendars, CalendarInfo{
			ID:      item.Id,
			Name:    name,
			Primary: item.Primary,
			Color:   item.BackgroundColor,
		})
	}
	return calendars, nil
}
