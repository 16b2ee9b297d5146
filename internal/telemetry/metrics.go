package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/linkrelay/linkrelay/internal/events"
	"github.com/linkrelay/linkrelay/internal/recovery"
)

// Metrics holds the bridge's flow-control instruments.
type Metrics struct {
	denials       metric.Int64Counter
	breakerTrips  metric.Int64Counter
	recoveryRuns  metric.Int64Counter
	lookupMisses  metric.Int64Counter
	bus           *events.Bus
	subscriptions map[string]string
}

// NewMetrics creates the bridge instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	denials, err := meter.Int64Counter("linkrelay.admission.denials",
		metric.WithDescription("Messages denied by the abuse guard, by reason"))
	if err != nil {
		return nil, err
	}

	trips, err := meter.Int64Counter("linkrelay.circuit.trips",
		metric.WithDescription("Circuit breaker trips, by service"))
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter("linkrelay.recovery.runs",
		metric.WithDescription("Recovery run outcomes, by result"))
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter("linkrelay.lookup.timeouts",
		metric.WithDescription("Identity lookups dropped on timeout"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		denials:       denials,
		breakerTrips:  trips,
		recoveryRuns:  runs,
		lookupMisses:  misses,
		subscriptions: make(map[string]string),
	}, nil
}

// RecordDenial counts one denied admission.
func (m *Metrics) RecordDenial(ctx context.Context, reason string) {
	m.denials.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordLookupTimeout counts one dropped lookup.
func (m *Metrics) RecordLookupTimeout(ctx context.Context) {
	m.lookupMisses.Add(ctx, 1)
}

// Observe subscribes to recovery lifecycle events and feeds the
// breaker and recovery counters. Call Stop to release the listeners.
func (m *Metrics) Observe(bus *events.Bus) {
	m.bus = bus

	m.subscriptions[recovery.EventCircuitTripped] = bus.Subscribe(recovery.EventCircuitTripped, func(e events.Event) {
		m.breakerTrips.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("service", e.Service)))
	})
	m.subscriptions[recovery.EventRecoverySucceeded] = bus.Subscribe(recovery.EventRecoverySucceeded, func(e events.Event) {
		m.recoveryRuns.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", "succeeded"), attribute.String("service", e.Service)))
	})
	m.subscriptions[recovery.EventRecoveryFailed] = bus.Subscribe(recovery.EventRecoveryFailed, func(e events.Event) {
		m.recoveryRuns.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", "failed"), attribute.String("service", e.Service)))
	})
}

// Stop releases the bus listeners registered by Observe.
func (m *Metrics) Stop() {
	if m.bus == nil {
		return
	}
	for name, token := range m.subscriptions {
		m.bus.Unsubscribe(name, token)
	}
	m.subscriptions = make(map[string]string)
}
