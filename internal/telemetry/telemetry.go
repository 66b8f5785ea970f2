// Package telemetry provides observability for admissionctl: Prometheus
// metrics and a context-carried structured logger.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"admissionctl/internal/domain"
)

// Metrics holds every Prometheus series admissionctl exports.
type Metrics struct {
	QueueDepth  *prometheus.GaugeVec
	InFlight    *prometheus.GaugeVec
	BackendFail *prometheus.GaugeVec

	Dispatched       *prometheus.CounterVec
	QueueFull        *prometheus.CounterVec
	QueueExpired     *prometheus.CounterVec
	AllDead          *prometheus.CounterVec
	RetriesExhausted *prometheus.CounterVec
	BackendFailed    *prometheus.CounterVec
	ClientClosed     *prometheus.CounterVec
	Success          *prometheus.CounterVec
	CooldownFired    *prometheus.CounterVec

	WaitDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers every series against registry. A nil
// registry falls back to prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "admissionctl_queue_depth",
				Help: "Number of requests currently waiting for a backend",
			},
			[]string{"upstream"},
		),
		InFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "admissionctl_backend_in_flight",
				Help: "Number of requests currently assigned to a backend",
			},
			[]string{"upstream", "backend"},
		),
		BackendFail: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "admissionctl_backend_fails",
				Help: "Current consecutive failure count for a backend",
			},
			[]string{"upstream", "backend"},
		),
		Dispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admissionctl_dispatched_total",
				Help: "Total requests dispatched to a backend",
			},
			[]string{"upstream", "backend"},
		),
		QueueFull: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admissionctl_queue_full_total",
				Help: "Total requests rejected synchronously because the wait queue was full",
			},
			[]string{"upstream"},
		),
		QueueExpired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admissionctl_queue_expired_total",
				Help: "Total requests evicted from the wait queue after exceeding queue_timeout",
			},
			[]string{"upstream"},
		),
		AllDead: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admissionctl_all_backends_dead_total",
				Help: "Total requests finalized because no backend was eligible",
			},
			[]string{"upstream"},
		),
		RetriesExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admissionctl_retries_exhausted_total",
				Help: "Total requests finalized after exhausting max_retries, with eligible backends still remaining",
			},
			[]string{"upstream"},
		),
		BackendFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admissionctl_backend_failed_total",
				Help: "Total backend failures reported via peer_free",
			},
			[]string{"upstream", "backend"},
		),
		ClientClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admissionctl_client_closed_total",
				Help: "Total requests whose client disconnected before completion",
			},
			[]string{"upstream", "backend"},
		),
		Success: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admissionctl_success_total",
				Help: "Total requests completed successfully",
			},
			[]string{"upstream", "backend"},
		),
		CooldownFired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admissionctl_cooldown_fired_total",
				Help: "Total batched cool-down timers that fired and released slots",
			},
			[]string{"upstream", "backend"},
		),
		WaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "admissionctl_wait_duration_seconds",
				Help:    "Time a request spent queued before dispatch or eviction",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"upstream"},
		),
	}
}

// Handler returns the HTTP handler that serves the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Sink adapts Metrics into an upstream.EventSink, translating each
// domain.Event into the matching counter/gauge update.
type Sink struct {
	m *Metrics
}

// NewSink wraps m as an EventSink.
func NewSink(m *Metrics) *Sink {
	return &Sink{m: m}
}

// Record implements upstream.EventSink.
func (s *Sink) Record(e domain.Event) {
	switch e.Type {
	case domain.EventDispatched:
		s.m.Dispatched.WithLabelValues(e.Group, e.Backend).Inc()
	case domain.EventQueueFull:
		s.m.QueueFull.WithLabelValues(e.Group).Inc()
	case domain.EventQueueExpired:
		s.m.QueueExpired.WithLabelValues(e.Group).Inc()
	case domain.EventAllDead:
		s.m.AllDead.WithLabelValues(e.Group).Inc()
	case domain.EventRetriesExhausted:
		s.m.RetriesExhausted.WithLabelValues(e.Group).Inc()
	case domain.EventBackendFailed:
		s.m.BackendFailed.WithLabelValues(e.Group, e.Backend).Inc()
	case domain.EventClientClosed:
		s.m.ClientClosed.WithLabelValues(e.Group, e.Backend).Inc()
	case domain.EventSuccess:
		s.m.Success.WithLabelValues(e.Group, e.Backend).Inc()
	case domain.EventCooldownFired:
		s.m.CooldownFired.WithLabelValues(e.Group, e.Backend).Inc()
	}

	// Wait is only set on events that conclude a request's time in queue.
	switch e.Type {
	case domain.EventDispatched, domain.EventQueueExpired, domain.EventAllDead, domain.EventRetriesExhausted:
		s.m.ObserveWait(e.Group, e.Wait)
	}
}

// SetQueueDepth updates the gauge tracking one upstream's current queue depth.
func (m *Metrics) SetQueueDepth(upstream string, depth int) {
	m.QueueDepth.WithLabelValues(upstream).Set(float64(depth))
}

// SetBackendStats updates the per-backend in-flight and fail-count gauges.
func (m *Metrics) SetBackendStats(upstream, backend string, inFlight int, fails uint32) {
	m.InFlight.WithLabelValues(upstream, backend).Set(float64(inFlight))
	m.BackendFail.WithLabelValues(upstream, backend).Set(float64(fails))
}

// ObserveWait records how long a request waited before being dispatched
// or evicted.
func (m *Metrics) ObserveWait(upstream string, d time.Duration) {
	m.WaitDuration.WithLabelValues(upstream).Observe(d.Seconds())
}

// Logger is the structured logging interface carried through request
// contexts, matching slog's leveled-method shape so a *slog.Logger can
// back it through the SlogLogger adapter in slog.go.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

type loggerContextKey struct{}

// LoggerFromContext retrieves the logger stored by ContextWithLogger,
// or a no-op logger if none was attached.
func LoggerFromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(Logger); ok {
		return l
	}
	return noopLogger{}
}

// ContextWithLogger attaches logger to ctx for later retrieval.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}
func (l noopLogger) With(args ...any) Logger     { return l }
