package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"churchcal/internal/auth"
	"churchcal/internal/cache"
	"churchcal/internal/google"
	"churchcal/internal/models"
	"churchcal/internal/storage"
	"churchcal/internal/syncer"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"google.golang.org/api/googleapi"
)

const (
	maxSyncBody    = 1 << 20
	maxFetchLimit  = 2500
	maxWindowDays  = 730
	defaultUserCal = "primary"
)

type syncRequest struct {
	Events          []*models.Event `json:"events" validate:"required,min=1,max=500,dive,required"`
	CalendarID      string          `json:"calendarId"`
	DurationMinutes int             `json:"durationMinutes" validate:"gte=0,lte=1440"`
}

type syncResponse struct {
	*models.SyncResult
	Summary    string `json:"summary"`
	Incomplete bool   `json:"incomplete,omitempty"`
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	calendarID := q.Get("calendarId")
	if calendarID == "" {
		calendarID = s.cfg.CalendarID
	}
	maxResults, err := intParam(q.Get("maxResults"), int(s.cfg.MaxResults), maxFetchLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid maxResults")
		return
	}
	days, err := intParam(q.Get("days"), 0, maxWindowDays)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid days")
		return
	}

	events, err := s.fetchEvents(r.Context(), calendarID, days, int64(maxResults))
	if err != nil {
		s.logger.Error("Failed to fetch events", "calendarID", calendarID, "error", err)
		s.respondCalendarError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	events, err := s.fetchEvents(r.Context(), s.cfg.CalendarID, 0, s.cfg.MaxResults)
	if err != nil {
		s.logger.Error("Failed to fetch events for feed", "error", err)
		s.respondCalendarError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="church.ics"`)
	if err := s.cfg.Encoder.Write(w, s.cfg.CalendarName, events); err != nil {
		s.logger.Error("Failed to write iCalendar feed", "error", err)
	}
}

// fetchEvents reads upcoming public events, through the cache when one is configured.
// days <= 0 selects the default window.
func (s *Server) fetchEvents(ctx context.Context, calendarID string, days int, maxResults int64) ([]*models.Event, error) {
	if s.cfg.Fetcher == nil {
		return nil, fmt.Errorf("%w: calendar read access is not configured", auth.ErrConfiguration)
	}
	if calendarID == "" {
		return nil, fmt.Errorf("%w: CHURCH_CALENDAR_ID is not set", auth.ErrConfiguration)
	}
	if maxResults <= 0 {
		maxResults = google.DefaultMaxResults
	}

	return s.cfg.Cache.Events(ctx, cache.Key(calendarID, days, maxResults), func(ctx context.Context) ([]*models.Event, error) {
		now := s.now()
		window := google.DefaultWindow(now, s.cfg.WindowMonths)
		if days > 0 {
			window.End = now.AddDate(0, 0, days)
		}
		events, err := s.cfg.Fetcher.GetUpcomingEvents(ctx, calendarID, window, maxResults)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.Fetch(err)
		}
		return events, err
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSyncBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondValidationError(w, err)
		return
	}

	calendarID := req.CalendarID
	if calendarID == "" {
		calendarID = defaultUserCal
	}
	duration := req.DurationMinutes
	if duration == 0 {
		duration = s.cfg.DurationMinutes
	}
	for _, event := range req.Events {
		event.EnsureID()
		event.FillFromDescription()
	}

	ctx := r.Context()
	reconciler, err := s.userReconciler(ctx)
	if err != nil {
		s.respondCalendarError(w, err)
		return
	}

	result, err := reconciler.SyncEvents(ctx, req.Events, calendarID, duration)
	if result == nil {
		s.logger.Error("Sync rejected", "calendarID", calendarID, "error", err)
		s.respondCalendarError(w, err)
		return
	}
	if result.Created+result.Updated > 0 {
		s.cfg.Cache.Invalidate(context.WithoutCancel(ctx), calendarID)
	}

	resp := syncResponse{SyncResult: result, Summary: result.String()}
	if err != nil {
		s.logger.Warn("Sync interrupted", "calendarID", calendarID, "summary", resp.Summary, "error", err)
		resp.Incomplete = true
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRemoveEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	calendarID := r.URL.Query().Get("calendarId")
	if calendarID == "" {
		calendarID = defaultUserCal
	}

	ctx := r.Context()
	reconciler, err := s.userReconciler(ctx)
	if err != nil {
		s.respondCalendarError(w, err)
		return
	}

	deleted, err := reconciler.Remove(ctx, calendarID, eventID)
	if err != nil {
		s.logger.Error("Failed to remove event", "eventID", eventID, "error", err)
		s.respondCalendarError(w, err)
		return
	}
	if deleted > 0 {
		s.cfg.Cache.Invalidate(context.WithoutCancel(ctx), calendarID)
	}
	respondJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.cfg.OAuth == nil || s.cfg.Sessions == nil {
		s.respondCalendarError(w, fmt.Errorf("%w: delegated access is not configured", auth.ErrConfiguration))
		return
	}
	state, err := s.cfg.Sessions.NewState(userFrom(r.Context()))
	if err != nil {
		s.logger.Error("Failed to create oauth state", "error", err)
		respondError(w, http.StatusInternalServerError, "could not start authorization")
		return
	}

	url := s.cfg.OAuth.AuthURL(state)
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		respondJSON(w, http.StatusOK, map[string]string{"url": url})
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.cfg.OAuth == nil || s.cfg.Sessions == nil {
		s.respondCalendarError(w, fmt.Errorf("%w: delegated access is not configured", auth.ErrConfiguration))
		return
	}
	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		respondError(w, http.StatusBadRequest, "authorization was not granted: "+denied)
		return
	}

	userID, err := s.cfg.Sessions.ConsumeState(q.Get("state"))
	if err != nil {
		if errors.Is(err, storage.ErrInvalidState) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Failed to consume oauth state", "error", err)
		respondError(w, http.StatusInternalServerError, "could not complete authorization")
		return
	}

	token, err := s.cfg.OAuth.Exchange(r.Context(), q.Get("code"))
	if err != nil {
		s.logger.Warn("OAuth code exchange failed", "userID", userID, "error", err)
		s.respondCalendarError(w, err)
		return
	}
	if err := s.cfg.Sessions.Save(userID, token); err != nil {
		s.logger.Error("Failed to save calendar session", "userID", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "could not save calendar connection")
		return
	}

	s.logger.Info("Calendar connected", "userID", userID)
	respondJSON(w, http.StatusOK, map[string]bool{"connected": true})
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sessions == nil {
		respondJSON(w, http.StatusOK, map[string]bool{"connected": false})
		return
	}
	token, err := s.cfg.Sessions.ForUser(userFrom(r.Context())).LoadToken()
	if err != nil {
		s.logger.Error("Failed to load calendar session", "error", err)
		respondError(w, http.StatusInternalServerError, "could not load calendar connection")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"connected": token != nil})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sessions != nil {
		if err := s.cfg.Sessions.Delete(userFrom(r.Context())); err != nil {
			s.logger.Error("Failed to delete calendar session", "error", err)
			respondError(w, http.StatusInternalServerError, "could not disconnect calendar")
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCalendars(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client, _, err := s.userCalendar(ctx)
	if err != nil {
		s.respondCalendarError(w, err)
		return
	}

	calendars, err := client.ListCalendars(ctx)
	if err != nil {
		s.logger.Error("Failed to list calendars", "error", err)
		s.respondCalendarError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, calendars)
}

// userCalendar builds a delegated client for the signed-in user.
func (s *Server) userCalendar(ctx context.Context) (UserCalendar, *auth.Context, error) {
	if s.cfg.OAuth == nil || s.cfg.Sessions == nil || s.cfg.NewCalendar == nil {
		return nil, nil, fmt.Errorf("%w: delegated access is not configured", auth.ErrConfiguration)
	}
	authCtx, err := s.cfg.OAuth.Context(ctx, s.cfg.Sessions.ForUser(userFrom(ctx)))
	if err != nil {
		return nil, nil, err
	}
	client, err := s.cfg.NewCalendar(ctx, authCtx)
	if err != nil {
		return nil, nil, err
	}
	return client, authCtx, nil
}

func (s *Server) userReconciler(ctx context.Context) (*syncer.Reconciler, error) {
	client, authCtx, err := s.userCalendar(ctx)
	if err != nil {
		return nil, err
	}
	return syncer.NewReconciler(s.logger, client, authCtx, s.cfg.Translator, s.cfg.SyncOptions), nil
}

// respondCalendarError maps configuration problems to 500 and credential problems to 401
// with a reconnect hint, since retrying cannot fix either.
func (s *Server) respondCalendarError(w http.ResponseWriter, err error) {
	var apiErr *googleapi.Error
	switch {
	case errors.Is(err, auth.ErrConfiguration):
		respondError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, auth.ErrAuthentication):
		respondJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error(), "reconnect": true})
	case errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized:
		respondJSON(w, http.StatusUnauthorized, map[string]any{"error": apiErr.Message, "reconnect": true})
	case errors.As(err, &apiErr):
		respondError(w, http.StatusBadGateway, apiErr.Message)
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "calendar provider timed out")
	default:
		respondError(w, http.StatusInternalServerError, "calendar request failed")
	}
}

func respondValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
	}
	respondJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid sync request", "fields": fields})
}

// intParam parses an optional positive integer no larger than limit.
func intParam(raw string, fallback, limit int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > limit {
		return 0, fmt.Errorf("out of range: %q", raw)
	}
	return n, nil
}
