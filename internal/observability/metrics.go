// Package observability exposes the process metrics over a Prometheus
// scrape endpoint, recorded through the OpenTelemetry metric API.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the instruments the billing and polling paths record into.
// A nil *Metrics is a valid no-op receiver so tests and tools can skip the
// exporter entirely.
type Metrics struct {
	generationsCreated metric.Int64Counter
	taskOutcomes       metric.Int64Counter
	pollsActive        metric.Int64UpDownCounter
	pollAttempts       metric.Int64Counter
	ledgerPostings     metric.Int64Counter
	providerRequests   metric.Float64Histogram
}

// NewMetrics builds the instruments and returns the handler to mount on
// /metrics.
func NewMetrics(_ context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("pixelforge")

	m := &Metrics{}
	if m.generationsCreated, err = meter.Int64Counter("generations_created_total",
		metric.WithDescription("Generation jobs admitted and charged")); err != nil {
		return nil, nil, err
	}
	if m.taskOutcomes, err = meter.Int64Counter("task_outcomes_total",
		metric.WithDescription("Terminal task outcomes by state")); err != nil {
		return nil, nil, err
	}
	if m.pollsActive, err = meter.Int64UpDownCounter("polls_active",
		metric.WithDescription("Poll loops currently holding a task claim")); err != nil {
		return nil, nil, err
	}
	if m.pollAttempts, err = meter.Int64Counter("poll_attempts_total",
		metric.WithDescription("Individual provider status polls")); err != nil {
		return nil, nil, err
	}
	if m.ledgerPostings, err = meter.Int64Counter("ledger_postings_total",
		metric.WithDescription("Ledger entries applied by reason")); err != nil {
		return nil, nil, err
	}
	if m.providerRequests, err = meter.Float64Histogram("provider_request_seconds",
		metric.WithDescription("Provider API request duration"),
		metric.WithUnit("s")); err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func (m *Metrics) GenerationCreated(ctx context.Context, model string) {
	if m == nil {
		return
	}
	m.generationsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
}

func (m *Metrics) TaskOutcome(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.taskOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *Metrics) PollStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.pollsActive.Add(ctx, 1)
}

func (m *Metrics) PollFinished(ctx context.Context) {
	if m == nil {
		return
	}
	m.pollsActive.Add(ctx, -1)
}

func (m *Metrics) PollAttempt(ctx context.Context) {
	if m == nil {
		return
	}
	m.pollAttempts.Add(ctx, 1)
}

func (m *Metrics) LedgerPosted(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.ledgerPostings.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) ProviderRequest(ctx context.Context, op string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerRequests.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("op", op)))
}
