package provisioner_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/petalhost/petalhost/internal/domain/provision"
	"github.com/petalhost/petalhost/internal/infra/provisioner"
	"github.com/petalhost/petalhost/internal/infra/provisioner/fake"
	"github.com/petalhost/petalhost/pkg/common/logger"
)

func newTestAllocator(t *testing.T, pool provision.PoolRepository, compute provisioner.ComputeProvider, maxTenants int) *provisioner.PoolAllocator {
	t.Helper()
	waiter := provisioner.NewReadyWaiter(compute, 2*time.Millisecond, 2*time.Second)
	return provisioner.NewPoolAllocator(
		pool, compute, fake.NewLocker(), waiter,
		maxTenants, "shared-m",
		logger.Noop(), noop.NewTracerProvider().Tracer("test"),
	)
}

func TestPoolAllocatorConcurrentOverflow(t *testing.T) {
	ctx := context.Background()
	poolRepo := fake.NewPoolRepo()
	compute := fake.NewCompute()

	// One existing instance with a single free slot. Eleven concurrent
	// signups must fill it and then agree on exactly one new instance.
	_, err := poolRepo.Create(ctx, &provision.SharedInstance{
		InstanceID:  "i-existing",
		Address:     "10.0.0.1",
		TenantCount: 9,
		MaxTenants:  10,
		Status:      provision.InstanceRunning,
	})
	require.NoError(t, err)

	alloc := newTestAllocator(t, poolRepo, compute, 10)

	const signups = 11
	var wg sync.WaitGroup
	errs := make([]error, signups)
	for i := 0; i < signups; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = alloc.Acquire(ctx)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "signup %d", i)
	}

	assert.Equal(t, 1, compute.Launched(), "overflow must launch exactly one instance")

	instances, err := poolRepo.List(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 2)

	total := 0
	for _, inst := range instances {
		assert.LessOrEqual(t, inst.TenantCount, inst.MaxTenants,
			"instance %s oversubscribed", inst.InstanceID)
		total += inst.TenantCount
	}
	assert.Equal(t, 9+signups, total)
}

func TestPoolAllocatorAcquireUsesFreeCapacityFirst(t *testing.T) {
	ctx := context.Background()
	poolRepo := fake.NewPoolRepo()
	compute := fake.NewCompute()

	_, err := poolRepo.Create(ctx, &provision.SharedInstance{
		InstanceID:  "i-existing",
		Address:     "10.0.0.1",
		TenantCount: 3,
		MaxTenants:  10,
		Status:      provision.InstanceRunning,
	})
	require.NoError(t, err)

	alloc := newTestAllocator(t, poolRepo, compute, 10)

	inst, err := alloc.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "i-existing", inst.InstanceID)
	assert.Equal(t, 4, inst.TenantCount)
	assert.Zero(t, compute.Launched())
}

func TestPoolAllocatorReleaseIdempotentPerTenant(t *testing.T) {
	ctx := context.Background()
	poolRepo := fake.NewPoolRepo()
	compute := fake.NewCompute()

	id, err := poolRepo.Create(ctx, &provision.SharedInstance{
		InstanceID:  "i-existing",
		Address:     "10.0.0.1",
		TenantCount: 5,
		MaxTenants:  10,
		Status:      provision.InstanceRunning,
	})
	require.NoError(t, err)

	alloc := newTestAllocator(t, poolRepo, compute, 10)

	require.NoError(t, alloc.Release(ctx, id, "acme"))
	require.NoError(t, alloc.Release(ctx, id, "acme"))

	inst, err := poolRepo.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 4, inst.TenantCount, "second release for the same tenant must not decrement")
}
