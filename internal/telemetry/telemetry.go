// Package telemetry exports harvest metrics through OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/maltedev/floorsheet-harvester/internal/harvester"
)

const meterName = "github.com/maltedev/floorsheet-harvester"

// Config selects where metrics go. An empty endpoint disables export.
type Config struct {
	ServiceName  string
	Endpoint     string
	Headers      map[string]string
	ExportPeriod time.Duration
}

// Setup returns a meter provider and its shutdown function.
func Setup(ctx context.Context, cfg Config) (metric.MeterProvider, func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return noop.NewMeterProvider(), func(context.Context) error { return nil }, nil
	}
	if cfg.ExportPeriod <= 0 {
		cfg.ExportPeriod = 10 * time.Second
	}

	exportCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	exporter, err := otlpmetrichttp.New(exportCtx,
		otlpmetrichttp.WithEndpointURL(cfg.Endpoint),
		otlpmetrichttp.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
	)

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.ExportPeriod))),
		sdkmetric.WithResource(res),
	)
	return provider, provider.Shutdown, nil
}

// Metrics records controller activity as counters.
type Metrics struct {
	pages      metric.Int64Counter
	rows       metric.Int64Counter
	ingested   metric.Int64Counter
	duplicates metric.Int64Counter
	dropped    metric.Int64Counter
	retries    metric.Int64Counter
	runs       metric.Int64Counter
}

func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)

	var m Metrics
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.pages, "harvester.pages.fetched", "Pages fetched from the source"},
		{&m.rows, "harvester.rows.fetched", "Raw rows read from fetched pages"},
		{&m.ingested, "harvester.records.ingested", "Records new to the ledger"},
		{&m.duplicates, "harvester.records.duplicates", "Records suppressed as already ingested"},
		{&m.dropped, "harvester.rows.dropped", "Rows that failed normalization"},
		{&m.retries, "harvester.source.retries", "Source calls retried after a failure"},
		{&m.runs, "harvester.runs", "Finished runs by status"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
	}
	return &m, nil
}

func (m *Metrics) PageFetched(ctx context.Context, rows int) {
	m.pages.Add(ctx, 1)
	m.rows.Add(ctx, int64(rows))
}

func (m *Metrics) RowsDropped(ctx context.Context, n int) {
	if n > 0 {
		m.dropped.Add(ctx, int64(n))
	}
}

func (m *Metrics) RecordsIngested(ctx context.Context, n int) {
	if n > 0 {
		m.ingested.Add(ctx, int64(n))
	}
}

func (m *Metrics) DuplicatesSuppressed(ctx context.Context, n int) {
	if n > 0 {
		m.duplicates.Add(ctx, int64(n))
	}
}

func (m *Metrics) Retried(ctx context.Context, op string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) RunFinished(ctx context.Context, status harvester.RunStatus, reason harvester.Reason) {
	m.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.String("reason", string(reason)),
	))
}
