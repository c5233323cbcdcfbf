package observability

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"daofund/core/events"
	"daofund/core/types"
	"daofund/observability/logging"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured engine events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "daofund",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of emitted engine events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// Record increments the emitted counter for the supplied event type.
func (m *eventMetrics) Record(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// Emitter bridges engine events into metrics and the structured log. It
// satisfies the engine's emitter interface so wiring is a single setter call.
type Emitter struct {
	logger *slog.Logger
}

// NewEmitter builds an emitter that records event counts and, when logger is
// non-nil, writes one log line per event.
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{logger: logger}
}

// Emit implements events.Emitter. Event attributes are logged with identity
// and balance fields masked.
func (e *Emitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	Events().Record(evt.EventType())
	if e == nil || e.logger == nil {
		return
	}
	args := []any{slog.String("event", evt.EventType())}
	if typed, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := typed.Event(); payload != nil {
			for _, attr := range logging.EventAttrs(payload.Attributes) {
				args = append(args, attr)
			}
		}
	}
	e.logger.Info("engine event", args...)
}
