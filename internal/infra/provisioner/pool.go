package provisioner

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petalhost/petalhost/internal/domain/provision"
	"github.com/petalhost/petalhost/pkg/common/logger"
)

// poolCreateLockKey serializes new-shared-instance creation so a burst of
// overflow signups materializes exactly one instance.
const poolCreateLockKey = "petalhost:pool:create"

// PoolAllocator packs trial tenants onto shared instances under the
// configured per-instance maximum. The find-and-increment is a single atomic
// repository operation; only the slow path (launching a brand-new instance)
// takes the platform-wide creation lock.
type PoolAllocator struct {
	pool    provision.PoolRepository
	compute ComputeProvider
	locker  Locker
	waiter  *readyWaiter

	maxTenants int
	sharedSize string

	logger *logger.Logger
	tracer trace.Tracer
}

// NewPoolAllocator creates a pool allocator.
func NewPoolAllocator(
	pool provision.PoolRepository,
	compute ComputeProvider,
	locker Locker,
	waiter *readyWaiter,
	maxTenants int,
	sharedSize string,
	log *logger.Logger,
	tracer trace.Tracer,
) *PoolAllocator {
	return &PoolAllocator{
		pool:       pool,
		compute:    compute,
		locker:     locker,
		waiter:     waiter,
		maxTenants: maxTenants,
		sharedSize: sharedSize,
		logger:     log.With("component", "pool_allocator"),
		tracer:     tracer,
	}
}

// Acquire returns a shared instance with a slot reserved for the caller.
// When every running instance is full it launches a new one, holding the
// creation lock so concurrent overflow requests share the same new instance.
func (p *PoolAllocator) Acquire(ctx context.Context) (*provision.SharedInstance, error) {
	ctx, span := p.tracer.Start(ctx, "PoolAllocator.Acquire")
	defer span.End()

	inst, err := p.pool.AcquireSlot(ctx)
	if err == nil {
		span.SetAttributes(
			attribute.String("instance_id", inst.InstanceID),
			attribute.Int("tenant_count", inst.TenantCount),
		)
		return inst, nil
	}
	if !errors.Is(err, provision.ErrNoPoolCapacity) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquiring pool slot")
		return nil, fmt.Errorf("acquiring pool slot: %w", err)
	}

	// Pool is full; create a new instance under the creation lock. After
	// acquiring the lock, retry the fast path first: the previous holder may
	// already have added capacity.
	release, ok, err := p.locker.Acquire(ctx, poolCreateLockKey)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("acquiring pool creation lock: %w", err)
	}
	if !ok {
		// Another request is creating an instance right now. Wait for it by
		// polling the fast path.
		return p.awaitCapacity(ctx)
	}
	defer release()

	if inst, err := p.pool.AcquireSlot(ctx); err == nil {
		return inst, nil
	} else if !errors.Is(err, provision.ErrNoPoolCapacity) {
		return nil, fmt.Errorf("re-checking pool capacity: %w", err)
	}

	span.AddEvent("pool exhausted, launching new shared instance")
	p.logger.Info(ctx, "shared pool exhausted, launching new instance")

	return p.createInstance(ctx)
}

// Release gives a tenant's slot back to the pool. Idempotent per tenant.
func (p *PoolAllocator) Release(ctx context.Context, poolInstanceID int64, tenantSlug string) error {
	ctx, span := p.tracer.Start(ctx, "PoolAllocator.Release", trace.WithAttributes(
		attribute.Int64("pool_instance_id", poolInstanceID),
		attribute.String("tenant_slug", tenantSlug),
	))
	defer span.End()

	if err := p.pool.ReleaseSlot(ctx, poolInstanceID, tenantSlug); err != nil {
		span.RecordError(err)
		return fmt.Errorf("releasing pool slot: %w", err)
	}
	return nil
}

func (p *PoolAllocator) createInstance(ctx context.Context) (*provision.SharedInstance, error) {
	launched, err := p.compute.Launch(ctx, LaunchSpec{
		Name: "shared-pool",
		Size: p.sharedSize,
	})
	if err != nil {
		return nil, provision.NewError(provision.KindCapacityExhausted, "pool.create", err)
	}

	ready, err := p.waiter.waitRunning(ctx, launched.ID)
	if err != nil {
		// The partially created instance is intentionally left in place for
		// the caller's rollback logic; deleting here could destroy data on a
		// false timeout.
		return nil, err
	}

	inst := &provision.SharedInstance{
		InstanceID:  ready.ID,
		Address:     ready.Address,
		TenantCount: 1,
		MaxTenants:  p.maxTenants,
		Status:      provision.InstanceRunning,
	}
	id, err := p.pool.Create(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("registering shared instance: %w", err)
	}
	inst.ID = id

	p.logger.Info(ctx, "shared instance created",
		"instance_id", inst.InstanceID, "max_tenants", inst.MaxTenants)
	return inst, nil
}

// awaitCapacity polls the fast path while another request holds the creation
// lock. The overall deadline comes from the caller's context.
func (p *PoolAllocator) awaitCapacity(ctx context.Context) (*provision.SharedInstance, error) {
	for {
		inst, err := p.pool.AcquireSlot(ctx)
		if err == nil {
			return inst, nil
		}
		if !errors.Is(err, provision.ErrNoPoolCapacity) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, provision.NewError(provision.KindCapacityExhausted, "pool.await", ctx.Err())
		case <-p.waiter.tick():
		}
	}
}
