// Package metrics holds the chatledger OTel metric instruments. Instruments
// resolve against the global meter provider, so an embedding process wires
// exporters without this core owning their lifecycle.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "chatledger"

// Metrics holds all chatledger metric instruments.
type Metrics struct {
	EventsSaved        metric.Int64Counter
	DuplicatesSkipped  metric.Int64Counter
	ReferentialSkips   metric.Int64Counter
	ValidationFailures metric.Int64Counter
}

// New creates all metric instruments.
func New() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.EventsSaved, err = meter.Int64Counter("chatledger.events.saved",
		metric.WithDescription("Number of events persisted"))
	if err != nil {
		return nil, err
	}

	m.DuplicatesSkipped, err = meter.Int64Counter("chatledger.events.duplicates_skipped",
		metric.WithDescription("Number of writes skipped as idempotent duplicates"))
	if err != nil {
		return nil, err
	}

	m.ReferentialSkips, err = meter.Int64Counter("chatledger.events.referential_skips",
		metric.WithDescription("Number of events skipped because their chat was not yet known"))
	if err != nil {
		return nil, err
	}

	m.ValidationFailures, err = meter.Int64Counter("chatledger.events.validation_failures",
		metric.WithDescription("Number of events rejected by metadata validation"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

var std = sync.OnceValue(func() *Metrics {
	m, err := New()
	if err != nil {
		return nil
	}
	return m
})

// Std returns the process-wide instrument set shared by all backends.
func Std() *Metrics { return std() }

// Backend is the metric attribute naming the storage backend.
func Backend(name string) metric.AddOption {
	return metric.WithAttributes(attribute.String("backend", name))
}

// Saved records a persisted event. Nil-safe so backends can count without
// caring whether instrument creation succeeded.
func (m *Metrics) Saved(ctx context.Context, backend string) {
	if m == nil {
		return
	}
	m.EventsSaved.Add(ctx, 1, Backend(backend))
}

// SavedN records n persisted events at once.
func (m *Metrics) SavedN(ctx context.Context, backend string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.EventsSaved.Add(ctx, n, Backend(backend))
}

// DuplicateSkipped records an idempotent duplicate write.
func (m *Metrics) DuplicateSkipped(ctx context.Context, backend string) {
	if m == nil {
		return
	}
	m.DuplicatesSkipped.Add(ctx, 1, Backend(backend))
}

// ReferentialSkipped records an event skipped for referencing an unknown chat.
func (m *Metrics) ReferentialSkipped(ctx context.Context, backend string) {
	if m == nil {
		return
	}
	m.ReferentialSkips.Add(ctx, 1, Backend(backend))
}

// ValidationFailed records a rejected event.
func (m *Metrics) ValidationFailed(ctx context.Context, backend string) {
	if m == nil {
		return
	}
	m.ValidationFailures.Add(ctx, 1, Backend(backend))
}
