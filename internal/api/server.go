// Package api provides the HTTP API for the church calendar: the public event feed and the
// admin endpoints that connect a Google account and push events to it.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"churchcal/internal/auth"
	"churchcal/internal/cache"
	"churchcal/internal/google"
	"churchcal/internal/ics"
	"churchcal/internal/metrics"
	"churchcal/internal/models"
	"churchcal/internal/syncer"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"
)

// EventFetcher is the read path for public events.
type EventFetcher interface {
	GetUpcomingEvents(ctx context.Context, calendarID string, window google.TimeWindow, maxResults int64) ([]*models.Event, error)
}

// OAuth is the delegated authorization flow.
type OAuth interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Context(ctx context.Context, store auth.TokenStore) (*auth.Context, error)
}

// Sessions persists delegated tokens and OAuth state per user.
type Sessions interface {
	Save(userID string, token *oauth2.Token) error
	Delete(userID string) error
	ForUser(userID string) auth.TokenStore
	NewState(userID string) (string, error)
	ConsumeState(state string) (string, error)
}

// UserCalendar is a Google calendar client acting for one connected user.
type UserCalendar interface {
	syncer.Remote
	ListCalendars(ctx context.Context) ([]google.CalendarInfo, error)
}

// UserCalendarFactory builds a UserCalendar from a delegated context.
type UserCalendarFactory func(ctx context.Context, authCtx *auth.Context) (UserCalendar, error)

// Config for the server.
type Config struct {
	Addr           string
	AllowedOrigins []string
	// UserHeader identifies the signed-in admin; it is set by the session layer in front of this API.
	UserHeader string

	CalendarID      string
	CalendarName    string
	MaxResults      int64
	WindowMonths    int
	DurationMinutes int

	Fetcher     EventFetcher
	OAuth       OAuth
	Sessions    Sessions
	NewCalendar UserCalendarFactory
	Translator  *google.Translator
	Encoder     *ics.Encoder
	Cache       *cache.EventCache
	Metrics     *metrics.Registry
	SyncOptions syncer.Options
	Logger      *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	validate   *validator.Validate
	router     *chi.Mux
	httpServer *http.Server
	now        func() time.Time
}

// New creates a new API server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UserHeader == "" {
		cfg.UserHeader = "X-User-ID"
	}
	if cfg.Translator == nil {
		cfg.Translator = google.NewTranslator(nil)
	}
	if cfg.Encoder == nil {
		cfg.Encoder = ics.NewEncoder(cfg.Translator, cfg.DurationMinutes, cfg.Logger)
	}
	if cfg.SyncOptions.Recorder == nil && cfg.Metrics != nil {
		cfg.SyncOptions.Recorder = cfg.Metrics
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		validate: newValidator(),
		now:      time.Now,
	}
	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New()
	// Event.Time is free text from the admin form; it must read as a clock time or "All Day".
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		event := sl.Current().Interface().(models.Event)
		if event.Time == "" || event.Time == models.AllDay {
			return
		}
		if _, err := google.To24Hour(event.Time); err != nil {
			sl.ReportError(event.Time, "Time", "Time", "clock", "")
		}
	}, models.Event{})
	return v
}

// setupRouter configures all routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", s.cfg.UserHeader},
		AllowCredentials: len(s.cfg.AllowedOrigins) > 0,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())

	r.Route("/api/calendar", func(r chi.Router) {
		r.With(middleware.Timeout(30*time.Second)).Get("/events", s.handleGetEvents)
		r.With(middleware.Timeout(30*time.Second)).Get("/feed.ics", s.handleFeed)

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Put("/sync", s.handleSync)
			r.Delete("/events/{eventID}", s.handleRemoveEvent)
			r.Get("/connect", s.handleConnect)
			r.Get("/connection", s.handleGetConnection)
			r.Delete("/connection", s.handleDisconnect)
			r.Get("/calendars", s.handleListCalendars)
		})

		// Google redirects here without our user header; the state identifies the user.
		r.Get("/callback", s.handleCallback)
	})

	s.router = r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type userKey struct{}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(s.cfg.UserHeader)
		if userID == "" {
			respondError(w, http.StatusUnauthorized, "not signed in")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func userFrom(ctx context.Context) string {
	userID, _ := ctx.Value(userKey{}).(string)
	return userID
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveHTTPRequest(r.Method, route, status, time.Since(start))
		}
		s.logger.Debug("HTTP request", "method", r.Method, "route", route, "status", status,
			"duration", time.Since(start), "requestID", middleware.GetReqID(r.Context()))
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
