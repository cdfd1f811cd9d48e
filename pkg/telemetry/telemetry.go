// Package telemetry wires up the OpenTelemetry meter provider and its
// Prometheus exporter for the sinkhole's metrics surface.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"sinkhole/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Config controls whether and how telemetry is exposed.
type Config struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// Telemetry holds the meter provider and its Prometheus exporter.
type Telemetry struct {
	cfg                Config
	meterProvider      metric.MeterProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds every counter/histogram/gauge the sinkhole's request and
// update paths emit.
type Metrics struct {
	DNSQueriesTotal     metric.Int64Counter
	DNSQueriesByType    metric.Int64Counter
	DNSQueryDuration    metric.Float64Histogram
	DNSCacheHits        metric.Int64Counter
	DNSCacheMisses      metric.Int64Counter
	DNSBlockedQueries   metric.Int64Counter
	DNSForwardedQueries metric.Int64Counter
	DNSDroppedQueries   metric.Int64Counter

	CacheSize     metric.Int64UpDownCounter
	BlocklistSize metric.Int64UpDownCounter

	UpdaterTicksTotal   metric.Int64Counter
	UpdaterTickFailures metric.Int64Counter
	UpdaterTickDuration metric.Float64Histogram

	ResolverFallbacks metric.Int64Counter

	UpstreamCircuitTrips metric.Int64Counter
	UpstreamCircuitOpen  metric.Int64UpDownCounter
}

// New creates a Telemetry instance. When cfg.Enabled is false it wires a
// no-op meter provider so callers never need to nil-check.
func New(ctx context.Context, cfg Config, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Telemetry{cfg: cfg, meterProvider: noop.NewMeterProvider(), logger: logger}, nil
	}

	t := &Telemetry{cfg: cfg, logger: logger}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("telemetry: setup metrics: %w", err)
	}

	logger.Info("telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled)

	return t, nil
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return fmt.Errorf("start prometheus server: %w", err)
	}

	t.logger.Info("prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics creates and registers every instrument in Metrics.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("sinkhole")

	m := &Metrics{}
	var err error

	if m.DNSQueriesTotal, err = meter.Int64Counter("dns.queries.total",
		metric.WithDescription("total DNS queries received")); err != nil {
		return nil, err
	}
	if m.DNSQueriesByType, err = meter.Int64Counter("dns.queries.by_type",
		metric.WithDescription("DNS queries by query type")); err != nil {
		return nil, err
	}
	if m.DNSQueryDuration, err = meter.Float64Histogram("dns.query.duration",
		metric.WithDescription("DNS query processing duration"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.DNSCacheHits, err = meter.Int64Counter("dns.cache.hits",
		metric.WithDescription("DNS cache hits")); err != nil {
		return nil, err
	}
	if m.DNSCacheMisses, err = meter.Int64Counter("dns.cache.misses",
		metric.WithDescription("DNS cache misses")); err != nil {
		return nil, err
	}
	if m.DNSBlockedQueries, err = meter.Int64Counter("dns.queries.blocked",
		metric.WithDescription("queries answered from the blocklist")); err != nil {
		return nil, err
	}
	if m.DNSForwardedQueries, err = meter.Int64Counter("dns.queries.forwarded",
		metric.WithDescription("queries forwarded to an upstream resolver")); err != nil {
		return nil, err
	}
	if m.DNSDroppedQueries, err = meter.Int64Counter("dns.queries.dropped",
		metric.WithDescription("queries that were malformed, did not carry exactly one question, or failed upstream")); err != nil {
		return nil, err
	}
	if m.CacheSize, err = meter.Int64UpDownCounter("cache.size",
		metric.WithDescription("entries currently in the response cache")); err != nil {
		return nil, err
	}
	if m.BlocklistSize, err = meter.Int64UpDownCounter("blocklist.size",
		metric.WithDescription("domains currently in the active blocklist snapshot")); err != nil {
		return nil, err
	}
	if m.UpdaterTicksTotal, err = meter.Int64Counter("updater.ticks.total",
		metric.WithDescription("blocklist updater ticks run")); err != nil {
		return nil, err
	}
	if m.UpdaterTickFailures, err = meter.Int64Counter("updater.ticks.failed",
		metric.WithDescription("blocklist updater ticks that failed to produce a usable artifact")); err != nil {
		return nil, err
	}
	if m.UpdaterTickDuration, err = meter.Float64Histogram("updater.tick.duration",
		metric.WithDescription("blocklist updater tick duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.ResolverFallbacks, err = meter.Int64Counter("resolver.fallbacks",
		metric.WithDescription("pinned DNS resolutions that fell back to the system resolver")); err != nil {
		return nil, err
	}
	if m.UpstreamCircuitTrips, err = meter.Int64Counter("upstream.circuit.trips",
		metric.WithDescription("times an upstream circuit breaker tripped open")); err != nil {
		return nil, err
	}
	if m.UpstreamCircuitOpen, err = meter.Int64UpDownCounter("upstream.circuit.open",
		metric.WithDescription("upstreams whose circuit breaker is currently open")); err != nil {
		return nil, err
	}

	return m, nil
}

// MeterProvider returns the underlying meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Shutdown stops the Prometheus HTTP server and flushes the meter
// provider, if either was started.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("prometheus server shutdown: %w", err)
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("meter provider shutdown: %w", err)
		}
	}

	t.logger.Info("telemetry shut down")
	return nil
}
