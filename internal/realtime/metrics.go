package realtime

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/lorrc/invoice-tracker/internal/realtime"

// Metrics holds the instruments recorded by the transport client and the
// update coordinator. A nil *Metrics records nothing.
type Metrics struct {
	dialsTotal        metric.Int64Counter
	reconnectsTotal   metric.Int64Counter
	exhaustedTotal    metric.Int64Counter
	messagesReceived  metric.Int64Counter
	messagesDropped   metric.Int64Counter
	handlerFailures   metric.Int64Counter
	messagesSent      metric.Int64Counter
	fetchesTotal      metric.Int64Counter
	modeChangesTotal  metric.Int64Counter
	activeSubscribers metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on provider, or on the global provider when nil.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &Metrics{}
	var err error

	m.dialsTotal, err = meter.Int64Counter(
		"realtime.dials.total",
		metric.WithDescription("Connection attempts by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dialsTotal counter: %w", err)
	}

	m.reconnectsTotal, err = meter.Int64Counter(
		"realtime.reconnects.scheduled",
		metric.WithDescription("Reconnection attempts scheduled after an unexpected close"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnectsTotal counter: %w", err)
	}

	m.exhaustedTotal, err = meter.Int64Counter(
		"realtime.reconnects.exhausted",
		metric.WithDescription("Times the reconnection budget ran out"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exhaustedTotal counter: %w", err)
	}

	m.messagesReceived, err = meter.Int64Counter(
		"realtime.messages.received",
		metric.WithDescription("Update messages decoded and dispatched"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	m.messagesDropped, err = meter.Int64Counter(
		"realtime.messages.dropped",
		metric.WithDescription("Inbound frames dropped as malformed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDropped counter: %w", err)
	}

	m.handlerFailures, err = meter.Int64Counter(
		"realtime.handler.failures",
		metric.WithDescription("Subscriber handlers that returned an error or panicked"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handlerFailures counter: %w", err)
	}

	m.messagesSent, err = meter.Int64Counter(
		"realtime.messages.sent",
		metric.WithDescription("Outbound messages by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesSent counter: %w", err)
	}

	m.fetchesTotal, err = meter.Int64Counter(
		"realtime.fetches.total",
		metric.WithDescription("Authoritative invoice re-fetches by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetchesTotal counter: %w", err)
	}

	m.modeChangesTotal, err = meter.Int64Counter(
		"realtime.coordinator.mode_changes",
		metric.WithDescription("Coordinator mode transitions by target mode"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create modeChangesTotal counter: %w", err)
	}

	m.activeSubscribers, err = meter.Int64UpDownCounter(
		"realtime.subscribers.active",
		metric.WithDescription("Handlers currently registered on the transport"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activeSubscribers gauge: %w", err)
	}

	return m, nil
}

func resultAttr(err error) metric.MeasurementOption {
	result := "success"
	if err != nil {
		result = "failure"
	}
	return metric.WithAttributes(attribute.String("result", result))
}

// RecordDial records a connection attempt.
func (m *Metrics) RecordDial(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.dialsTotal.Add(ctx, 1, resultAttr(err))
}

// RecordReconnectScheduled records a scheduled retry.
func (m *Metrics) RecordReconnectScheduled(ctx context.Context, attempt int) {
	if m == nil {
		return
	}
	m.reconnectsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
}

// RecordExhausted records the reconnection budget running out.
func (m *Metrics) RecordExhausted(ctx context.Context) {
	if m == nil {
		return
	}
	m.exhaustedTotal.Add(ctx, 1)
}

// RecordMessageReceived records a dispatched message.
func (m *Metrics) RecordMessageReceived(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordMessageDropped records a malformed frame.
func (m *Metrics) RecordMessageDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesDropped.Add(ctx, 1)
}

// RecordHandlerFailure records a failing subscriber.
func (m *Metrics) RecordHandlerFailure(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.handlerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

// RecordSend records an outbound message; dropped sends count as failures.
func (m *Metrics) RecordSend(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1, resultAttr(err))
}

// RecordFetch records a coordinator re-fetch.
func (m *Metrics) RecordFetch(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.fetchesTotal.Add(ctx, 1, resultAttr(err))
}

// RecordModeChange records a coordinator transition.
func (m *Metrics) RecordModeChange(ctx context.Context, to Mode) {
	if m == nil {
		return
	}
	m.modeChangesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", to.String())))
}

// AddSubscribers adjusts the active subscriber gauge.
func (m *Metrics) AddSubscribers(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.activeSubscribers.Add(ctx, delta)
}
