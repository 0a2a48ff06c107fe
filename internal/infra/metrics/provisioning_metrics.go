// Package metrics provides the OTel-backed instrument implementations the
// application layer records against.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petalhost/petalhost/internal/application/provisioning"
	"github.com/petalhost/petalhost/internal/domain/provision"
)

const namespace = "petalhost"

var _ provisioning.Metrics = (*ProvisioningMetrics)(nil)

// ProvisioningMetrics records pipeline outcomes against the OTel meter.
type ProvisioningMetrics struct {
	started  metric.Int64Counter
	success  metric.Int64Counter
	failure  metric.Int64Counter
	duration metric.Float64Histogram
}

// NewProvisioningMetrics registers the provisioning instruments.
func NewProvisioningMetrics(mp metric.MeterProvider) (*ProvisioningMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(ProvisioningMetrics)
	var err error

	if m.started, err = meter.Int64Counter(
		"tenant_provisioning_started_total",
		metric.WithDescription("Total number of provisioning pipeline runs started"),
	); err != nil {
		return nil, err
	}

	if m.success, err = meter.Int64Counter(
		"tenant_provisioning_success_total",
		metric.WithDescription("Total number of successful provisioning pipeline runs"),
	); err != nil {
		return nil, err
	}

	if m.failure, err = meter.Int64Counter(
		"tenant_provisioning_failure_total",
		metric.WithDescription("Total number of failed provisioning pipeline runs"),
	); err != nil {
		return nil, err
	}

	if m.duration, err = meter.Float64Histogram(
		"tenant_provisioning_duration_seconds",
		metric.WithDescription("End-to-end duration of provisioning pipeline runs in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *ProvisioningMetrics) IncProvisionStarted(ctx context.Context) {
	m.started.Add(ctx, 1)
}

func (m *ProvisioningMetrics) IncProvisionSucceeded(ctx context.Context) {
	m.success.Add(ctx, 1)
}

func (m *ProvisioningMetrics) IncProvisionFailed(ctx context.Context, kind provision.Kind) {
	m.failure.Add(ctx, 1, metric.WithAttributes(
		attribute.String("failure_kind", string(kind)),
	))
}

func (m *ProvisioningMetrics) ObservePipelineDuration(ctx context.Context, d time.Duration) {
	m.duration.Record(ctx, d.Seconds())
}
