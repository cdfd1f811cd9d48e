package telemetry

import (
	"context"
	"testing"
	"time"

	"sinkhole/pkg/logging"

	"go.opentelemetry.io/otel/metric"
)

func TestNew(t *testing.T) {
	logger := logging.NewDefault()

	tests := []struct {
		cfg     Config
		name    string
		wantErr bool
	}{
		{
			name: "disabled telemetry",
			cfg:  Config{Enabled: false},
		},
		{
			name: "prometheus enabled",
			cfg: Config{
				Enabled:           true,
				ServiceName:       "test-service",
				ServiceVersion:    "1.0.0",
				PrometheusEnabled: true,
				PrometheusPort:    9091,
			},
		},
		{
			name: "only metrics",
			cfg: Config{
				Enabled:           true,
				ServiceName:       "test-service",
				ServiceVersion:    "1.0.0",
				PrometheusEnabled: false,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			tel, err := New(ctx, tt.cfg, logger)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tel == nil {
				t.Error("New() returned nil telemetry")
			}

			if tel != nil && tel.prometheusServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(shutdownCtx)
			}
		})
	}
}

func TestInitMetrics(t *testing.T) {
	logger := logging.NewDefault()
	cfg := Config{Enabled: true, ServiceName: "test-service"}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	metrics, err := tel.InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics() failed: %v", err)
	}

	if metrics.DNSQueriesTotal == nil {
		t.Error("DNSQueriesTotal not initialized")
	}
	if metrics.DNSQueryDuration == nil {
		t.Error("DNSQueryDuration not initialized")
	}
	if metrics.DNSCacheHits == nil {
		t.Error("DNSCacheHits not initialized")
	}
	if metrics.BlocklistSize == nil {
		t.Error("BlocklistSize not initialized")
	}
	if metrics.UpdaterTicksTotal == nil {
		t.Error("UpdaterTicksTotal not initialized")
	}
}

func TestMetricsRecording(t *testing.T) {
	logger := logging.NewDefault()
	cfg := Config{Enabled: true, ServiceName: "test-service"}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	metrics, err := tel.InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics() failed: %v", err)
	}

	metrics.DNSQueriesTotal.Add(ctx, 1, metric.WithAttributes())
	metrics.DNSCacheHits.Add(ctx, 1, metric.WithAttributes())
	metrics.DNSQueryDuration.Record(ctx, 5.5, metric.WithAttributes())
	metrics.BlocklistSize.Add(ctx, 1, metric.WithAttributes())
	metrics.UpdaterTicksTotal.Add(ctx, 1, metric.WithAttributes())

	// Reaching this point without panicking is the assertion.
}

func TestMeterProvider(t *testing.T) {
	logger := logging.NewDefault()
	cfg := Config{Enabled: true, ServiceName: "test-service"}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	if tel.MeterProvider() == nil {
		t.Error("MeterProvider() returned nil")
	}
}

func TestShutdown(t *testing.T) {
	logger := logging.NewDefault()
	cfg := Config{
		Enabled:           true,
		ServiceName:       "test-service",
		PrometheusEnabled: true,
		PrometheusPort:    9092,
	}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tel.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestDisabledTelemetry(t *testing.T) {
	logger := logging.NewDefault()
	cfg := Config{Enabled: false}

	ctx := context.Background()
	tel, err := New(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}

	if tel.MeterProvider() == nil {
		t.Error("disabled telemetry should still return a noop meter provider")
	}

	metrics, err := tel.InitMetrics()
	if err != nil {
		t.Errorf("InitMetrics() with disabled telemetry failed: %v", err)
	}
	if metrics == nil {
		t.Error("InitMetrics() returned nil metrics")
	}
}
