package observability

import (
	"log/slog"
	"sort"

	"lendvault/core/events"
	"lendvault/core/types"
	"lendvault/native/guarantee"
	"lendvault/native/ledger"
	"lendvault/native/valuation"
)

// AttributeEvent is implemented by events that can render themselves as a
// flat attribute payload for downstream indexers.
type AttributeEvent interface {
	events.Event
	Event() *types.Event
}

// MetricsEmitter translates core events into Prometheus counters. It is wired
// into the engines as their event emitter so they stay free of any metrics
// dependency.
type MetricsEmitter struct {
	platform *PlatformMetrics
	next     events.Emitter
}

// NewMetricsEmitter builds an emitter that records metrics and forwards each
// event to next. A nil next discards events after recording.
func NewMetricsEmitter(next events.Emitter) *MetricsEmitter {
	if next == nil {
		next = events.NoopEmitter{}
	}
	return &MetricsEmitter{platform: Platform(), next: next}
}

// LogEmitter writes each event's attribute payload to the structured log so
// the platform's state transitions can be reconciled without a separate event
// bus. Events that carry no attribute payload are forwarded untouched.
type LogEmitter struct {
	logger *slog.Logger
	next   events.Emitter
}

// NewLogEmitter builds an emitter that logs attribute payloads and forwards
// each event to next. A nil next discards events after logging.
func NewLogEmitter(logger *slog.Logger, next events.Emitter) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = events.NoopEmitter{}
	}
	return &LogEmitter{logger: logger, next: next}
}

// Emit implements the events.Emitter interface.
func (l *LogEmitter) Emit(evt events.Event) {
	if l == nil || evt == nil {
		return
	}
	if payload, ok := evt.(AttributeEvent); ok {
		if rendered := payload.Event(); rendered != nil {
			keys := make([]string, 0, len(rendered.Attributes))
			for key := range rendered.Attributes {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			args := make([]any, 0, len(keys)+1)
			args = append(args, slog.String("event", rendered.Type))
			for _, key := range keys {
				args = append(args, slog.String(key, rendered.Attributes[key]))
			}
			l.logger.Info("platform event", args...)
		}
	}
	l.next.Emit(evt)
}

// Emit implements the events.Emitter interface.
func (m *MetricsEmitter) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	switch e := evt.(type) {
	case valuation.DegradedEvent:
		m.platform.RecordFallback(e.Asset, e.Reason)
	case valuation.HealthChangedEvent:
		m.platform.SetOracleHealth(e.Asset, e.Healthy)
	case guarantee.LockedEvent:
		if e.Record != nil {
			m.platform.RecordGuaranteeLocked(e.Record.Asset)
		}
	case guarantee.TerminatedEvent:
		m.platform.RecordSettlement(e.Outcome.String(), e.Asset)
	case ledger.DebtRecordedEvent:
		m.platform.RecordDebtOp(e.Op, e.Asset)
	}
	m.next.Emit(evt)
}
