package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// GetMeterProvider returns the global meter provider installed by
// InitTelemetry, so instrument registries do not take an sdk dependency.
func GetMeterProvider() metric.MeterProvider { return otel.GetMeterProvider() }
