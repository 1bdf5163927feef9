package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"churchcal/internal/auth"
	"churchcal/internal/google"
	"churchcal/internal/models"

	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
)

const (
	DefaultWorkers    = 4
	DefaultMaxRetries = 3
)

// Remote is the part of the calendar provider the reconciler writes to.
type Remote interface {
	FindByCorrelationID(ctx context.Context, calendarID, eventID string) (*calendar.Event, error)
	FindAllByCorrelationID(ctx context.Context, calendarID, eventID string) ([]*calendar.Event, error)
	InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, calendarID, remoteID string, event *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, remoteID string) error
}

// Authenticator verifies that credentials are usable before a batch starts.
type Authenticator interface {
	Check(ctx context.Context) error
}

// Recorder receives sync outcomes. metrics.Registry implements it.
type Recorder interface {
	SyncOutcome(status models.SyncStatus)
	SyncRetry()
	SyncBatchDuration(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) SyncOutcome(models.SyncStatus) {}
func (nopRecorder) SyncRetry() {}
func (nopRecorder) SyncBatchDuration(time.Duration) {}

// Options tunes a Reconciler. Zero values select the defaults.
type Options struct {
	// Workers is the number of events reconciled concurrently. 1 is sequential.
	Workers int
	// MaxRetries is the number of attempts per event for transient provider errors.
	MaxRetries int
	// Backoff paces retries.
	Backoff gax.Backoff
	// DryRun performs lookups but never writes.
	DryRun   bool
	Recorder Recorder
}

// Reconciler pushes internal events to a Google calendar, creating each event once and
// updating it on every later run.
type Reconciler struct {
	logger     *slog.Logger
	remote     Remote
	auth       Authenticator
	translator *google.Translator
	opts       Options
}

// NewReconciler creates a new Reconciler. authn is checked once per batch.
func NewReconciler(logger *slog.Logger, remote Remote, authn Authenticator, translator *google.Translator, opts Options) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if translator == nil {
		translator = google.NewTranslator(nil)
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Backoff.Initial == 0 {
		opts.Backoff = gax.Backoff{Initial: 500 * time.Millisecond, Max: 8 * time.Second, Multiplier: 2}
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	return &Reconciler{logger: logger, remote: remote, auth: authn, translator: translator, opts: opts}
}

// SyncEvents reconciles events against calendarID. Every event is attempted; one event's
// failure is recorded in the result and never stops the others. Details follow the input
// order. A credential failure is returned before any event is attempted. If ctx is
// cancelled, no further events are started and the partial result is returned with ctx.Err().
func (r *Reconciler) SyncEvents(ctx context.Context, events []*models.Event, calendarID string, durationMinutes int) (*models.SyncResult, error) {
	if calendarID == "" {
		return nil, fmt.Errorf("%w: no target calendar id", auth.ErrConfiguration)
	}
	if err := r.checkAuth(ctx); err != nil {
		return nil, err
	}

	started := time.Now()
	r.logger.Info("Starting sync cycle.", "events", len(events), "calendarID", calendarID, "workers", r.opts.Workers, "dryRun", r.opts.DryRun)

	groups := groupByID(events)
	slots := make([]*models.SyncDetail, len(events))
	jobs := make(chan []int)
	var wg sync.WaitGroup
	for w := 0; w < min(r.opts.Workers, max(len(groups), 1)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range jobs {
				for _, i := range group {
					if ctx.Err() != nil {
						break
					}
					detail := r.syncEvent(ctx, events[i], calendarID, durationMinutes)
					slots[i] = &detail
				}
			}
		}()
	}

	for _, group := range groups {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case jobs <- group:
		}
	}
	close(jobs)
	wg.Wait()

	result := &models.SyncResult{Details: make([]models.SyncDetail, 0, len(events))}
	for _, detail := range slots {
		if detail == nil {
			continue
		}
		result.Add(*detail)
		r.opts.Recorder.SyncOutcome(detail.Status)
	}
	r.opts.Recorder.SyncBatchDuration(time.Since(started))

	if err := ctx.Err(); err != nil {
		r.logger.Warn("Sync cycle cancelled.", "attempted", len(result.Details), "total", len(events), "error", err)
		return result, err
	}

	r.logger.Info("Sync cycle finished.", "summary", result.String(), "duration", time.Since(started))
	return result, nil
}

// groupByID returns event indexes grouped by event id, in order of first appearance.
// Events sharing an id run in input order on one worker, so the first creates the remote
// event and the rest update it.
func groupByID(events []*models.Event) [][]int {
	groups := make([][]int, 0, len(events))
	byID := make(map[string]int, len(events))
	for i, event := range events {
		if event.ID != "" {
			if g, ok := byID[event.ID]; ok {
				groups[g] = append(groups[g], i)
				continue
			}
			byID[event.ID] = len(groups)
		}
		groups = append(groups, []int{i})
	}
	return groups
}

// Remove deletes every remote event carrying eventID and returns how many were deleted.
func (r *Reconciler) Remove(ctx context.Context, calendarID, eventID string) (int, error) {
	if calendarID == "" {
		return 0, fmt.Errorf("%w: no target calendar id", auth.ErrConfiguration)
	}
	if err := r.checkAuth(ctx); err != nil {
		return 0, err
	}

	matches, err := r.remote.FindAllByCorrelationID(ctx, calendarID, eventID)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, item := range matches {
		if r.opts.DryRun {
			r.logger.Info("[DRY RUN] Would delete event", "eventID", eventID, "remoteID", item.Id)
			deleted++
			continue
		}
		err := r.withRetry(ctx, func() error {
			return r.remote.DeleteEvent(ctx, calendarID, item.Id)
		})
		if err != nil && !isGone(err) {
			return deleted, fmt.Errorf("failed to delete remote event %s: %w", item.Id, err)
		}
		deleted++
	}
	r.logger.Info("Removed event from calendar", "eventID", eventID, "deleted", deleted)
	return deleted, nil
}

func (r *Reconciler) checkAuth(ctx context.Context) error {
	if r.auth == nil {
		return nil
	}
	if err := r.auth.Check(ctx); err != nil {
		r.logger.Error("Calendar credentials rejected, no events attempted", "error", err)
		return err
	}
	return nil
}

// syncEvent handles the logic for syncing a single event.
func (r *Reconciler) syncEvent(ctx context.Context, event *models.Event, calendarID string, durationMinutes int) models.SyncDetail {
	detail := models.SyncDetail{EventID: event.ID}

	payload, err := r.translator.ToRemote(event, durationMinutes)
	if err != nil {
		r.logger.Error("Failed to translate event", "eventID", event.ID, "title", event.Title, "error", err)
		detail.Status = models.StatusError
		detail.Error = err.Error()
		return detail
	}

	err = r.withRetry(ctx, func() error {
		status, err := r.reconcile(ctx, calendarID, event, payload)
		detail.Status = status
		return err
	})
	if err != nil {
		r.logger.Error("Failed to sync event", "eventID", event.ID, "title", event.Title, "error", err)
		detail.Status = models.StatusError
		detail.Error = providerMessage(err)
		return detail
	}

	r.logger.Debug("Synced event", "eventID", event.ID, "status", detail.Status)
	return detail
}

// reconcile makes one lookup-then-write attempt. Each retry repeats the lookup so a create
// that reached the provider before failing is updated rather than duplicated.
func (r *Reconciler) reconcile(ctx context.Context, calendarID string, event *models.Event, payload *calendar.Event) (models.SyncStatus, error) {
	existing, err := r.remote.FindByCorrelationID(ctx, calendarID, event.ID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.StatusError, ctxErr
		}
		r.logger.Warn("Lookup failed, treating event as new", "eventID", event.ID, "error", err)
		existing = nil
	}

	if existing != nil {
		if r.opts.DryRun {
			r.logger.Info("[DRY RUN] Would update event", "title", event.Title, "remoteID", existing.Id)
			return models.StatusUpdated, nil
		}
		if _, err := r.remote.UpdateEvent(ctx, calendarID, existing.Id, payload); err != nil {
			return models.StatusUpdated, err
		}
		return models.StatusUpdated, nil
	}

	if r.opts.DryRun {
		r.logger.Info("[DRY RUN] Would create new event", "title", event.Title, "date", event.Date)
		return models.StatusCreated, nil
	}
	if _, err := r.remote.InsertEvent(ctx, calendarID, payload); err != nil {
		return models.StatusCreated, err
	}
	return models.StatusCreated, nil
}

// withRetry runs op until it succeeds, fails permanently, or attempts run out.
func (r *Reconciler) withRetry(ctx context.Context, op func() error) error {
	bo := r.opts.Backoff
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || attempt >= r.opts.MaxRetries || !isTransient(err) {
			return err
		}
		pause := bo.Pause()
		r.logger.Warn("Transient provider error, retrying", "attempt", attempt, "pause", pause, "error", err)
		r.opts.Recorder.SyncRetry()
		if sleepErr := gax.Sleep(ctx, pause); sleepErr != nil {
			return err
		}
	}
}

// isTransient reports whether err is worth retrying: throttling, provider 5xx and timeouts.
func isTransient(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isGone(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone)
}

// providerMessage prefers the provider's own message over our wrapping.
func providerMessage(err error) string {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
