// Package telemetry bootstraps the OpenTelemetry providers for the
// ingestion core. The pipeline counters (observations enqueued and
// dropped, events published, deliveries attempted) are registered by the
// packages that own them; this package only wires the OTLP exporters.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// serviceResource identifies the process to the collector; tracer and
// meter must agree on it or the backend splits the service in two.
func serviceResource(serviceName string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)
}

// InitMeterProvider bootstraps the MeterProvider with an OTLP/gRPC
// exporter targeting endpoint (e.g. "otel-collector:4317") and installs
// it globally so the per-package meters pick it up. The caller must
// defer mp.Shutdown(ctx) to flush the final reader cycle.
func InitMeterProvider(ctx context.Context, serviceName string, endpoint string) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(serviceResource(serviceName)),
	)

	otel.SetMeterProvider(mp)
	return mp, nil
}
