// Package telemetry wires the OpenTelemetry metric pipeline to the
// Prometheus registry served on /metrics. Without a registered provider the
// instruments created throughout the codebase resolve to the global no-op
// provider and record nothing.
package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"
)

// Telemetry owns the meter provider and its Prometheus export bridge.
// Shutdown flushes and releases it.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	logger        *zap.Logger
}

// New builds a meter provider exporting through the given Prometheus
// registerer and installs it as the global provider, so every package's
// otel.Meter instruments record into it. Pass
// prometheus.DefaultRegisterer to feed the default /metrics handler.
func New(serviceName, serviceVersion string, reg prometheus.Registerer, logger *zap.Logger) (*Telemetry, error) {
	if reg == nil {
		return nil, fmt.Errorf("prometheus registerer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", serviceVersion),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logger.Info("metric provider initialized",
		zap.String("service", serviceName),
		zap.String("exporter", "prometheus"),
	)

	return &Telemetry{
		meterProvider: mp,
		logger:        logger,
	}, nil
}

// Meter returns a meter for the given instrumentation scope.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// Shutdown flushes pending metrics and releases the provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("meter provider shutdown: %w", err)
	}
	return nil
}
