// Package metrics exposes Prometheus instrumentation for sync, fetch and cache activity.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"churchcal/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns a private Prometheus registry and the collectors registered on it.
type Registry struct {
	registry        *prometheus.Registry
	handler         http.Handler
	syncEvents      *prometheus.CounterVec
	syncRetries     prometheus.Counter
	syncDuration    prometheus.Histogram
	fetches         *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New registers the collectors.
func New() *Registry {
	registry := prometheus.NewRegistry()

	syncEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "churchcal_sync_events_total",
		Help: "Events reconciled, by outcome",
	}, []string{"status"})

	syncRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "churchcal_sync_retries_total",
		Help: "Retries after transient provider errors",
	})

	syncDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "churchcal_sync_batch_duration_seconds",
		Help:    "Wall-clock time of one sync batch",
		Buckets: prometheus.DefBuckets,
	})

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "churchcal_fetch_total",
		Help: "Event fetches from the provider, by result",
	}, []string{"result"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "churchcal_cache_lookups_total",
		Help: "Event cache lookups, by result",
	}, []string{"result"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	registry.MustRegister(syncEvents, syncRetries, syncDuration, fetches, cacheLookups, requestDuration)

	return &Registry{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		syncEvents:      syncEvents,
		syncRetries:     syncRetries,
		syncDuration:    syncDuration,
		fetches:         fetches,
		cacheLookups:    cacheLookups,
		requestDuration: requestDuration,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

func (m *Registry) SyncOutcome(status models.SyncStatus) {
	m.syncEvents.WithLabelValues(string(status)).Inc()
}

func (m *Registry) SyncRetry() {
	m.syncRetries.Inc()
}

func (m *Registry) SyncBatchDuration(d time.Duration) {
	m.syncDuration.Observe(d.Seconds())
}

// Fetch records one provider fetch.
func (m *Registry) Fetch(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fetches.WithLabelValues(result).Inc()
}

func (m *Registry) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest records one served request. path should be a route pattern, not a raw URL.
func (m *Registry) ObserveHTTPRequest(method, path string, status int, d time.Duration) {
	m.requestDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(d.Seconds())
}
