package observability

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"optionchain/core/events"
	"optionchain/core/types"
)

type eventMetrics struct {
	emitted   *prometheus.CounterVec
	transfers *prometheus.CounterVec
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
				Namespace: "optionchain",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of engine events segmented by type.",
			}, []string{"type"}),
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "optionchain",
				Subsystem: "events",
				Name:      "transfers_total",
				Help:      "Count of collateral transfers segmented by asset.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.transfers)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	if eventType = strings.TrimSpace(eventType); eventType == "" {
		eventType = "unknown"
	}
	m.emitted.WithLabelValues(eventType).Inc()
}

// RecordTransfer increments the transfer counter for the supplied asset ticker.
func (m *eventMetrics) RecordTransfer(asset string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(labelAsset(asset)).Inc()
}

type eventPayload interface {
	Event() *types.Event
}

// EventLogger is an events.Emitter that writes every event to the structured
// log and counts it.
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger returns an emitter logging through logger, or the default
// logger when nil.
func NewEventLogger(logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{logger: logger}
}

// Emit implements events.Emitter.
func (l *EventLogger) Emit(evt events.Event) {
	if l == nil || evt == nil {
		return
	}
	Events().RecordEvent(evt.EventType())
	if transfer, ok := evt.(events.Transfer); ok {
		Events().RecordTransfer(transfer.Asset)
	}
	args := []any{slog.String("type", evt.EventType())}
	if payload, ok := evt.(eventPayload); ok {
		if rendered := payload.Event(); rendered != nil {
			keys := make([]string, 0, len(rendered.Attributes))
			for key := range rendered.Attributes {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			attrs := make([]any, 0, len(keys))
			for _, key := range keys {
				attrs = append(attrs, slog.String(key, rendered.Attributes[key]))
			}
			args = append(args, slog.Group("attributes", attrs...))
		}
	}
	l.logger.Info("event", args...)
}
