package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"churchcal/internal/auth"
	"churchcal/internal/cache"
	"churchcal/internal/google"
	"churchcal/internal/metrics"
	"churchcal/internal/models"
	"churchcal/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
)

type fakeFetcher struct {
	events []*models.Event
	err    error
	calls  int
	window google.TimeWindow
}

func (f *fakeFetcher) GetUpcomingEvents(_ context.Context, _ string, window google.TimeWindow, _ int64) ([]*models.Event, error) {
	f.calls++
	f.window = window
	return f.events, f.err
}

type fakeOAuth struct{}

func (fakeOAuth) AuthURL(state string) string {
	return "https://accounts.example.com/auth?state=" + state
}

func (fakeOAuth) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: no authorization code received", auth.ErrAuthentication)
	}
	return &oauth2.Token{AccessToken: "access-" + code, RefreshToken: "refresh"}, nil
}

func (fakeOAuth) Context(_ context.Context, store auth.TokenStore) (*auth.Context, error) {
	token, err := store.LoadToken()
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, auth.ErrNotConnected
	}
	return auth.NewContext(auth.ModeDelegated, oauth2.StaticTokenSource(token)), nil
}

// fakeCalendar is an in-memory Google calendar shared by every user in a test.
type fakeCalendar struct {
	mu     sync.Mutex
	events map[string]*calendar.Event
	nextID int
}

func (f *fakeCalendar) FindByCorrelationID(ctx context.Context, calendarID, eventID string) (*calendar.Event, error) {
	matches, err := f.FindAllByCorrelationID(ctx, calendarID, eventID)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	return matches[len(matches)-1], nil
}

func (f *fakeCalendar) FindAllByCorrelationID(_ context.Context, _, eventID string) ([]*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*calendar.Event
	for i := 1; i <= f.nextID; i++ {
		if ev, ok := f.events[fmt.Sprintf("r%d", i)]; ok && google.CorrelationID(ev) == eventID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeCalendar) InsertEvent(_ context.Context, _ string, event *calendar.Event) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	stored := *event
	stored.Id = fmt.Sprintf("r%d", f.nextID)
	f.events[stored.Id] = &stored
	return &stored, nil
}

func (f *fakeCalendar) UpdateEvent(_ context.Context, _, remoteID string, event *calendar.Event) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *event
	stored.Id = remoteID
	f.events[remoteID] = &stored
	return &stored, nil
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, _, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, remoteID)
	return nil
}

func (f *fakeCalendar) ListCalendars(context.Context) ([]google.CalendarInfo, error) {
	return []google.CalendarInfo{{ID: "primary", Name: "Pastor Jo", Primary: true}}, nil
}

type memoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryStore) Get(_ context.Context, key string, dest any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return cache.ErrMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = raw
	return nil
}

func (m *memoryStore) DeleteByPattern(_ context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.data {
		if ok, _ := path.Match(pattern, key); ok {
			delete(m.data, key)
		}
	}
	return nil
}

type testEnv struct {
	server   *Server
	fetcher  *fakeFetcher
	calendar *fakeCalendar
	sessions *storage.SessionStore
	store    *memoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := storage.Open(storage.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		fetcher: &fakeFetcher{events: []*models.Event{
			{ID: "g1", Title: "Sunday Worship", Date: "2025-05-04", Time: "10:00 AM", Location: "Sanctuary", Tags: []string{}},
		}},
		calendar: &fakeCalendar{events: map[string]*calendar.Event{}},
		sessions: storage.NewSessionStore(db),
		store:    &memoryStore{data: map[string][]byte{}},
	}
	registry := metrics.New()

	env.server = New(Config{
		CalendarID:      "church@group.calendar.google.com",
		CalendarName:    "Grace Church",
		MaxResults:      250,
		WindowMonths:    6,
		DurationMinutes: 120,
		Fetcher:         env.fetcher,
		OAuth:           fakeOAuth{},
		Sessions:        env.sessions,
		NewCalendar: func(context.Context, *auth.Context) (UserCalendar, error) {
			return env.calendar, nil
		},
		Translator: google.NewTranslator(time.UTC),
		Cache:      cache.NewEventCache(env.store, time.Minute, logger, registry),
		Metrics:    registry,
		Logger:     logger,
	})
	env.server.now = func() time.Time { return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC) }
	return env
}

func (e *testEnv) do(t *testing.T, method, target, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) connect(t *testing.T, user string) {
	t.Helper()
	require.NoError(t, e.sessions.Save(user, &oauth2.Token{AccessToken: "access", RefreshToken: "refresh"}))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetEventsUsesCache(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/calendar/events?days=30", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["count"])
	events := body["events"].([]any)
	assert.Equal(t, "Sunday Worship", events[0].(map[string]any)["title"])
	assert.Equal(t, time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC), env.fetcher.window.End)

	rec = env.do(t, http.MethodGet, "/api/calendar/events?days=30", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.fetcher.calls)

	env.do(t, http.MethodGet, "/api/calendar/events", "", "")
	assert.Equal(t, 2, env.fetcher.calls)
	assert.Equal(t, time.Date(2025, 11, 1, 12, 0, 0, 0, time.UTC), env.fetcher.window.End)
}

func TestGetEventsRejectsBadParams(t *testing.T) {
	env := newTestEnv(t)
	for _, target := range []string{
		"/api/calendar/events?maxResults=0",
		"/api/calendar/events?maxResults=abc",
		"/api/calendar/events?days=9999",
	} {
		rec := env.do(t, http.MethodGet, target, "", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
	assert.Zero(t, env.fetcher.calls)
}

func TestGetEventsErrors(t *testing.T) {
	env := newTestEnv(t)
	env.server.cfg.CalendarID = ""
	rec := env.do(t, http.MethodGet, "/api/calendar/events", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	env = newTestEnv(t)
	env.fetcher.err = fmt.Errorf("failed to list events: %w", &googleapi.Error{Code: http.StatusForbidden, Message: "Forbidden"})
	rec = env.do(t, http.MethodGet, "/api/calendar/events", "", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Forbidden", decode(t, rec)["error"])

	env = newTestEnv(t)
	env.fetcher.err = &auth.ConfigError{Mode: auth.ModeService, Missing: []string{"GOOGLE_PRIVATE_KEY"}}
	rec = env.do(t, http.MethodGet, "/api/calendar/events", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "GOOGLE_PRIVATE_KEY")
}

func TestFeed(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/calendar/feed.ics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/calendar; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "SUMMARY:Sunday Worship")
	assert.Contains(t, rec.Body.String(), "X-WR-CALNAME:Grace Church\r\n")
	assert.NotContains(t, rec.Body.String(), "VALUE=TEXT")
}

func TestAdminRoutesRequireUser(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPut, "/api/calendar/sync", "", `{"events":[]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSyncNotConnected(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPut, "/api/calendar/sync", "jo",
		`{"events":[{"id":"evt-1","title":"Potluck","date":"2025-05-04","time":"6:00 PM"}]}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, true, decode(t, rec)["reconnect"])
	assert.Empty(t, env.calendar.events)
}

func TestSyncValidation(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "jo")

	rec := env.do(t, http.MethodPut, "/api/calendar/sync", "jo", `{"events":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/calendar/sync", "jo",
		`{"events":[{"id":"a","title":"","date":"2025-05-04"},{"id":"b","title":"B","date":"2025-05-04","time":"late"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	fields := fmt.Sprint(decode(t, rec)["fields"])
	assert.Contains(t, fields, "Title")
	assert.Contains(t, fields, "Time")

	rec = env.do(t, http.MethodPut, "/api/calendar/sync", "jo", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.calendar.events)
}

func TestSyncCreatesThenUpdates(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "jo")
	env.store.data["churchcal:events:primary:0:250"] = []byte(`[]`)

	payload := `{"events":[
		{"id":"evt-1","title":"Potluck","date":"2025-05-04","time":"6:00 PM","description":"Bring a dish. Capacity: 40"},
		{"id":"evt-2","title":"Christmas Service","date":"2025-12-25","time":"All Day"}
	]}`

	rec := env.do(t, http.MethodPut, "/api/calendar/sync", "jo", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["created"])
	assert.Equal(t, "2 created, 0 updated, 0 failed", body["summary"])
	assert.Len(t, env.calendar.events, 2)
	assert.NotContains(t, env.store.data, "churchcal:events:primary:0:250")

	rec = env.do(t, http.MethodPut, "/api/calendar/sync", "jo", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, float64(0), body["created"])
	assert.Equal(t, float64(2), body["updated"])
	assert.Len(t, env.calendar.events, 2)

	details := body["details"].([]any)
	assert.Equal(t, "evt-1", details[0].(map[string]any)["eventId"])
	assert.Equal(t, "evt-2", details[1].(map[string]any)["eventId"])
}

func TestRemoveEvent(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "jo")
	rec := env.do(t, http.MethodPut, "/api/calendar/sync", "jo",
		`{"events":[{"id":"evt-1","title":"Potluck","date":"2025-05-04","time":"6:00 PM"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/calendar/events/evt-1", "jo", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["deleted"])
	assert.Empty(t, env.calendar.events)
}

func TestConnectFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/calendar/connection", "jo", "")
	assert.Equal(t, false, decode(t, rec)["connected"])

	rec = env.do(t, http.MethodGet, "/api/calendar/connect", "jo", "")
	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)

	rec = env.do(t, http.MethodGet, "/api/calendar/callback?state="+state+"&code=abc", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["connected"])

	token, err := env.sessions.Load("jo")
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "access-abc", token.AccessToken)

	rec = env.do(t, http.MethodGet, "/api/calendar/callback?state="+state+"&code=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/calendar/connection", "jo", "")
	assert.Equal(t, true, decode(t, rec)["connected"])

	rec = env.do(t, http.MethodGet, "/api/calendar/calendars", "jo", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"primary":true`)

	rec = env.do(t, http.MethodDelete, "/api/calendar/connection", "jo", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/calendar/connection", "jo", "")
	assert.Equal(t, false, decode(t, rec)["connected"])
}

func TestConnectReturnsURLForJSONClients(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/calendar/connect", nil)
	req.Header.Set("X-User-ID", "jo")
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(decode(t, rec)["url"].(string), "https://accounts.example.com/auth?state="))
}

func TestCallbackErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/calendar/callback?error=access_denied", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/calendar/callback?state=unknown&code=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	state, err := env.sessions.NewState("jo")
	require.NoError(t, err)
	rec = env.do(t, http.MethodGet, "/api/calendar/callback?state="+state, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, true, decode(t, rec)["reconnect"])
}

func TestDelegatedAccessNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.server.cfg.OAuth = nil
	rec := env.do(t, http.MethodGet, "/api/calendar/calendars", "jo", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "not configured")
}

func TestRespondCalendarError(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		err  error
		code int
	}{
		{auth.ErrNotConnected, http.StatusUnauthorized},
		{&googleapi.Error{Code: http.StatusUnauthorized, Message: "Invalid Credentials"}, http.StatusUnauthorized},
		{&googleapi.Error{Code: http.StatusNotFound, Message: "Not Found"}, http.StatusBadGateway},
		{fmt.Errorf("list: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		env.server.respondCalendarError(rec, tt.err)
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/calendar/events", "", "")

	rec := env.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `churchcal_fetch_total{result="ok"} 1`)
	assert.Contains(t, rec.Body.String(), `path="/api/calendar/events"`)
}
