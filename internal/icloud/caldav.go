// Package icloud mirrors the public church calendar into a CalDAV calendar (iCloud by default)
// so members can subscribe from Apple devices.
package icloud

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"

	"churchcal/internal/ics"
	"churchcal/internal/models"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
)

// DefaultEndpoint is iCloud's CalDAV root.
const DefaultEndpoint = "https://caldav.icloud.com/"

// Config identifies the mirror calendar.
type Config struct {
	Endpoint     string
	Username     string
	Password     string
	CalendarName string
}

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "churchcal/1.0")
	return t.Transport.RoundTrip(req)
}

// CalDAVClient publishes events to one CalDAV calendar.
type CalDAVClient struct {
	webdavClient *webdav.Client
	encoder      *ics.Encoder
	logger       *slog.Logger
	calendarPath string
}

// NewClient connects to cfg.Endpoint and locates the calendar named cfg.CalendarName.
func NewClient(ctx context.Context, logger *slog.Logger, cfg Config, encoder *ics.Encoder) (*CalDAVClient, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	httpClient := &http.Client{Transport: &customTransport{
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: http.DefaultTransport,
	}}

	caldavClient, err := caldav.NewClient(httpClient, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	logger.Info("Finding CalDAV calendar", "calendarName", cfg.CalendarName)
	calendarPath, err := findCalendar(ctx, caldavClient, cfg.CalendarName)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", cfg.CalendarName, err)
	}
	logger.Info("Successfully found CalDAV calendar", "path", calendarPath)

	return newClient(httpClient, cfg.Endpoint, calendarPath, encoder, logger)
}

func newClient(httpClient webdav.HTTPClient, endpoint, calendarPath string, encoder *ics.Encoder, logger *slog.Logger) (*CalDAVClient, error) {
	webdavClient, err := webdav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}
	return &CalDAVClient{
		webdavClient: webdavClient,
		encoder:      encoder,
		logger:       logger,
		calendarPath: calendarPath,
	}, nil
}

// PublishEvent creates or replaces the event's object. The object name derives from the
// event id, so republishing overwrites rather than duplicates.
func (c *CalDAVClient) PublishEvent(ctx context.Context, event *models.Event) error {
	vevent, err := c.encoder.VEvent(event)
	if err != nil {
		return err
	}
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ics.ProductID)
	cal.Children = append(cal.Children, vevent)

	writer, err := c.webdavClient.Create(ctx, c.objectPath(event.ID))
	if err != nil {
		return fmt.Errorf("failed to create event on CalDAV server: %w", err)
	}
	if err := ical.NewEncoder(writer).Encode(cal); err != nil {
		writer.Close()
		return fmt.Errorf("failed to encode event to iCal format: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to upload event: %w", err)
	}

	c.logger.Debug("Published event to CalDAV", "eventID", event.ID, "title", event.Title)
	return nil
}

// RemoveEvent deletes the event's object.
func (c *CalDAVClient) RemoveEvent(ctx context.Context, eventID string) error {
	if err := c.webdavClient.RemoveAll(ctx, c.objectPath(eventID)); err != nil {
		return fmt.Errorf("failed to remove event from CalDAV server: %w", err)
	}
	return nil
}

// Mirror publishes every event, continuing past failures.
func (c *CalDAVClient) Mirror(ctx context.Context, events []*models.Event) (published, failed int) {
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		if err := c.PublishEvent(ctx, event); err != nil {
			c.logger.Error("Failed to mirror event", "eventID", event.ID, "title", event.Title, "error", err)
			failed++
			continue
		}
		published++
	}
	c.logger.Info("Mirror finished", "published", published, "failed", failed)
	return published, failed
}

func (c *CalDAVClient) objectPath(eventID string) string {
	return path.Join(c.calendarPath, ics.UID(eventID)+".ics")
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func findCalendar(ctx context.Context, client *caldav.Client, name string) (string, error) {
	principalPath, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := client.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := client.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}

	return "", fmt.Errorf("no calendar found with name '%s'", name)
}
