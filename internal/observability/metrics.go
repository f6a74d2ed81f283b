package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/zhejian/shortlink"

// NewMeterProvider creates an OTel MeterProvider whose instruments are exposed
// through a private Prometheus registry. The returned handler serves /metrics.
func NewMeterProvider(ctx context.Context, serviceName string) (*sdkmetric.MeterProvider, http.Handler, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	return mp, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}), nil
}

// Metrics holds the application counters
type Metrics struct {
	linksCreated   metric.Int64Counter
	codeCollisions metric.Int64Counter
	redirects      metric.Int64Counter
	visitsRecorded metric.Int64Counter
	visitsDropped  metric.Int64Counter
}

// NewMetrics registers the application instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.linksCreated, err = meter.Int64Counter("shortlink.links.created",
		metric.WithDescription("Short links created, by code kind")); err != nil {
		return nil, err
	}
	if m.codeCollisions, err = meter.Int64Counter("shortlink.codegen.collisions",
		metric.WithDescription("Generated codes rejected because they were already taken")); err != nil {
		return nil, err
	}
	if m.redirects, err = meter.Int64Counter("shortlink.redirects",
		metric.WithDescription("Redirect requests, by outcome")); err != nil {
		return nil, err
	}
	if m.visitsRecorded, err = meter.Int64Counter("shortlink.visits.recorded",
		metric.WithDescription("Visits written to the visit sink")); err != nil {
		return nil, err
	}
	if m.visitsDropped, err = meter.Int64Counter("shortlink.visits.dropped",
		metric.WithDescription("Visits lost before reaching the visit sink, by reason")); err != nil {
		return nil, err
	}
	return &m, nil
}

// NoopMetrics returns Metrics that record nothing
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(meterName))
	return m
}

func (m *Metrics) LinkCreated(ctx context.Context, kind string) {
	m.linksCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) CodeCollision(ctx context.Context) {
	m.codeCollisions.Add(ctx, 1)
}

func (m *Metrics) Redirect(ctx context.Context, outcome string) {
	m.redirects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) VisitRecorded(ctx context.Context) {
	m.visitsRecorded.Add(ctx, 1)
}

func (m *Metrics) VisitDropped(ctx context.Context, reason string) {
	m.visitsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
