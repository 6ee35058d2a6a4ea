package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder exports store metrics as Prometheus collectors
// registered on an injected registry.
type PrometheusRecorder struct {
	registry   *prometheus.Registry
	durations  *prometheus.HistogramVec
	operations *prometheus.CounterVec
	events     *prometheus.CounterVec
}

// NewPrometheusRecorder registers the hearth collectors on registry. A nil
// registry gets a fresh one with the Go and process collectors attached.
func NewPrometheusRecorder(registry *prometheus.Registry) (*PrometheusRecorder, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	r := &PrometheusRecorder{
		registry: registry,
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hearth",
			Name:      "operation_duration_seconds",
			Help:      "Duration of store, migration and export operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"operation", "status"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hearth",
			Name:      "operations_total",
			Help:      "Store, migration and export operations by outcome.",
		}, []string{"operation", "status"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hearth",
			Name:      "events_total",
			Help:      "Discrete store events such as skipped migration entries or dropped writes.",
		}, []string{"event"}),
	}
	for _, c := range []prometheus.Collector{r.durations, r.operations, r.events} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Registry returns the registry the collectors live on.
func (r *PrometheusRecorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Observe implements Recorder.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := statusLabel(success)
	r.durations.WithLabelValues(operation, status).Observe(duration.Seconds())
	r.operations.WithLabelValues(operation, status).Inc()
}

// Count implements Recorder.
func (r *PrometheusRecorder) Count(_ context.Context, event string, n int) {
	if event == "" || n <= 0 {
		return
	}
	r.events.WithLabelValues(event).Add(float64(n))
}
