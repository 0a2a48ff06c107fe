package provisioning

import (
	"context"
	"time"

	"github.com/petalhost/petalhost/internal/domain/provision"
)

// Metrics records provisioning pipeline outcomes. The OTel-backed
// implementation lives in internal/infra/metrics.
type Metrics interface {
	IncProvisionStarted(ctx context.Context)
	IncProvisionSucceeded(ctx context.Context)
	IncProvisionFailed(ctx context.Context, kind provision.Kind)
	ObservePipelineDuration(ctx context.Context, d time.Duration)
}

// NoopMetrics discards all measurements.
type NoopMetrics struct{}

var _ Metrics = (*NoopMetrics)(nil)

func (NoopMetrics) IncProvisionStarted(context.Context)                    {}
func (NoopMetrics) IncProvisionSucceeded(context.Context)                  {}
func (NoopMetrics) IncProvisionFailed(context.Context, provision.Kind)     {}
func (NoopMetrics) ObservePipelineDuration(context.Context, time.Duration) {}
