package provisioner

import (
	"context"
	"fmt"
	"time"

	"github.com/petalhost/petalhost/internal/domain/provision"
)

// Defaults for readiness polling.
const (
	defaultPollInterval = 5 * time.Second
	defaultReadyTimeout = 5 * time.Minute
)

// readyWaiter polls a compute provider until a launched instance reports
// running with an address. The wait is bounded; on expiry it returns a
// KindProvisioningTimeout error and leaves the instance untouched so the
// partial state stays diagnosable.
type readyWaiter struct {
	compute  ComputeProvider
	interval time.Duration
	timeout  time.Duration
}

func newReadyWaiter(compute ComputeProvider, interval, timeout time.Duration) *readyWaiter {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	return &readyWaiter{compute: compute, interval: interval, timeout: timeout}
}

func (w *readyWaiter) waitRunning(ctx context.Context, instanceID string) (*Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		inst, err := w.compute.Describe(ctx, instanceID)
		if err == nil && inst.State == InstanceRunning && inst.Address != "" {
			return inst, nil
		}
		if err == nil && inst.State == InstanceTerminated {
			return nil, provision.NewError(provision.KindUnknown, "compute.wait",
				fmt.Errorf("instance %s terminated before becoming ready", instanceID))
		}

		select {
		case <-ctx.Done():
			return nil, provision.NewError(provision.KindProvisioningTimeout, "compute.wait",
				fmt.Errorf("instance %s not running after %s: %w", instanceID, w.timeout, ctx.Err()))
		case <-ticker.C:
		}
	}
}

// tick exposes the waiter's cadence for callers that poll other conditions.
func (w *readyWaiter) tick() <-chan time.Time { return time.After(w.interval) }
