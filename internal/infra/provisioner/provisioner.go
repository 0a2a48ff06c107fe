package provisioner

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petalhost/petalhost/internal/domain/provision"
	"github.com/petalhost/petalhost/pkg/common/logger"
)

// Config carries the platform-level provisioning settings.
type Config struct {
	// BaseDomain is the zone tenant hostnames live under.
	BaseDomain string
	// BucketPrefix namespaces tenant buckets, e.g. "ph-tenant-".
	BucketPrefix string
	// SharedInstanceSize and DedicatedInstanceSize are provider size names.
	SharedInstanceSize    string
	DedicatedInstanceSize string
	// MaxTenantsPerInstance caps shared-pool packing.
	MaxTenantsPerInstance int
	// PollInterval and ReadyTimeout bound compute readiness waits.
	PollInterval time.Duration
	ReadyTimeout time.Duration
}

// Provisioner acquires and releases the infrastructure resources backing one
// tenant stack. Each method maps to one pipeline step so the orchestrator can
// pair it with its compensating action.
type Provisioner struct {
	cfg Config

	compute ComputeProvider
	storage StorageProvider
	dns     DNSProvider
	email   EmailProvider

	pool        *PoolAllocator
	assignments provision.AssignmentRepository
	waiter      *readyWaiter

	logger *logger.Logger
	tracer trace.Tracer
}

// New wires a Provisioner with its providers and repositories.
func New(
	cfg Config,
	compute ComputeProvider,
	storage StorageProvider,
	dns DNSProvider,
	email EmailProvider,
	poolRepo provision.PoolRepository,
	assignments provision.AssignmentRepository,
	locker Locker,
	log *logger.Logger,
	tracer trace.Tracer,
) *Provisioner {
	waiter := newReadyWaiter(compute, cfg.PollInterval, cfg.ReadyTimeout)
	return &Provisioner{
		cfg:     cfg,
		compute: compute,
		storage: storage,
		dns:     dns,
		email:   email,
		pool: NewPoolAllocator(
			poolRepo, compute, locker, waiter,
			cfg.MaxTenantsPerInstance, cfg.SharedInstanceSize,
			log, tracer,
		),
		assignments: assignments,
		waiter:      waiter,
		logger:      log.With("component", "provisioner"),
		tracer:      tracer,
	}
}

// Pool exposes the shared-pool allocator for callers that release slots
// outside a full provisioning run.
func (p *Provisioner) Pool() *PoolAllocator { return p.pool }

// BucketName returns the tenant's bucket name.
func (p *Provisioner) BucketName(slug string) string { return p.cfg.BucketPrefix + slug }

// AssignCompute places a tenant on the requested tier and persists the
// assignment. Shared placement reserves a pool slot; dedicated placement
// launches a fresh instance and waits for it to come up.
func (p *Provisioner) AssignCompute(ctx context.Context, slug string, tier provision.Tier) (*provision.ComputeAssignment, error) {
	ctx, span := p.tracer.Start(ctx, "Provisioner.AssignCompute", trace.WithAttributes(
		attribute.String("tenant_slug", slug),
		attribute.String("tier", string(tier)),
	))
	defer span.End()

	a := &provision.ComputeAssignment{TenantSlug: slug, Tier: tier}

	switch tier {
	case provision.TierShared:
		inst, err := p.pool.Acquire(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "acquiring shared slot")
			return nil, err
		}
		a.InstanceID = inst.InstanceID
		a.Address = inst.Address
		a.PoolInstanceID = &inst.ID
		a.TenantCount = inst.TenantCount

	case provision.TierDedicated:
		launched, err := p.compute.Launch(ctx, LaunchSpec{
			Name: "tenant-" + slug,
			Size: p.cfg.DedicatedInstanceSize,
		})
		if err != nil {
			span.RecordError(err)
			return nil, provision.NewError(provision.KindUnknown, "compute.launch", err)
		}
		ready, err := p.waiter.waitRunning(ctx, launched.ID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "waiting for dedicated instance")
			return nil, err
		}
		a.InstanceID = ready.ID
		a.Address = ready.Address

	default:
		return nil, fmt.Errorf("unknown compute tier: %s", tier)
	}

	id, err := p.assignments.Create(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("persisting compute assignment: %w", err)
	}
	a.ID = id

	p.logger.Info(ctx, "compute assigned",
		"tenant_slug", slug, "tier", tier, "instance_id", a.InstanceID)
	return a, nil
}

// ReleaseCompute undoes an assignment: shared tenants give their pool slot
// back, dedicated tenants have their instance terminated. Safe to call for an
// assignment that was already released.
func (p *Provisioner) ReleaseCompute(ctx context.Context, a *provision.ComputeAssignment) error {
	ctx, span := p.tracer.Start(ctx, "Provisioner.ReleaseCompute", trace.WithAttributes(
		attribute.String("tenant_slug", a.TenantSlug),
		attribute.String("tier", string(a.Tier)),
	))
	defer span.End()

	if a.IsShared() {
		if a.PoolInstanceID != nil {
			if err := p.pool.Release(ctx, *a.PoolInstanceID, a.TenantSlug); err != nil {
				span.RecordError(err)
				return err
			}
		}
	} else {
		if err := p.compute.Terminate(ctx, a.InstanceID); err != nil {
			span.RecordError(err)
			return fmt.Errorf("terminating dedicated instance: %w", err)
		}
	}

	if a.ID != 0 {
		if err := p.assignments.Release(ctx, a.ID); err != nil {
			return fmt.Errorf("marking assignment released: %w", err)
		}
	}
	p.logger.Info(ctx, "compute released", "tenant_slug", a.TenantSlug, "tier", a.Tier)
	return nil
}

// EnsureTenantBucket creates the tenant's versioned bucket. A bucket that
// already exists is success: provisioning re-entry must not fail here. The
// created flag tells rollback whether this run owns the bucket; a
// pre-existing bucket is never deleted on rollback.
func (p *Provisioner) EnsureTenantBucket(ctx context.Context, slug string) (*provision.StorageRef, bool, error) {
	ctx, span := p.tracer.Start(ctx, "Provisioner.EnsureTenantBucket", trace.WithAttributes(
		attribute.String("tenant_slug", slug),
	))
	defer span.End()

	name := p.BucketName(slug)
	ref, err := p.storage.EnsureBucket(ctx, name)
	if err != nil {
		if provision.IsAlreadyExists(err) {
			span.AddEvent("bucket already exists")
			p.logger.Info(ctx, "bucket already exists, continuing", "bucket", name)
			return &provision.StorageRef{Bucket: name}, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "ensuring bucket")
		return nil, false, err
	}
	return ref, true, nil
}

// DeleteTenantBucket removes the tenant's bucket. Used only by rollback of a
// bucket this run created.
func (p *Provisioner) DeleteTenantBucket(ctx context.Context, slug string) error {
	ctx, span := p.tracer.Start(ctx, "Provisioner.DeleteTenantBucket")
	defer span.End()
	if err := p.storage.DeleteBucket(ctx, p.BucketName(slug)); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// PointDNS maps hostname to the assigned compute address, creating the
// platform zone first when it does not exist yet. Upsert semantics make
// re-entry and repointing the same operation.
func (p *Provisioner) PointDNS(ctx context.Context, hostname, target string) (*provision.DNSRef, error) {
	ctx, span := p.tracer.Start(ctx, "Provisioner.PointDNS", trace.WithAttributes(
		attribute.String("hostname", hostname),
		attribute.String("target", target),
	))
	defer span.End()

	if err := p.dns.EnsureZone(ctx, p.cfg.BaseDomain); err != nil {
		span.RecordError(err)
		return nil, provision.NewError(provision.KindOf(err), "dns.zone", err)
	}
	ref, err := p.dns.UpsertRecord(ctx, p.cfg.BaseDomain, hostname, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upserting dns record")
		return nil, err
	}
	return ref, nil
}

// RemoveDNSRecord deletes a tenant record during rollback or teardown.
// Missing records are not an error.
func (p *Provisioner) RemoveDNSRecord(ctx context.Context, recordID string) error {
	ctx, span := p.tracer.Start(ctx, "Provisioner.RemoveDNSRecord")
	defer span.End()
	if err := p.dns.DeleteRecord(ctx, p.cfg.BaseDomain, recordID); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// EnsureEmailIdentity ensures the platform's outbound sending identity
// exists. The identity is shared across tenants, so an existing one is the
// normal case.
func (p *Provisioner) EnsureEmailIdentity(ctx context.Context) (*provision.EmailIdentityRef, error) {
	ctx, span := p.tracer.Start(ctx, "Provisioner.EnsureEmailIdentity")
	defer span.End()

	ref, err := p.email.EnsureIdentity(ctx, p.cfg.BaseDomain)
	if err != nil {
		if provision.IsAlreadyExists(err) {
			return &provision.EmailIdentityRef{Domain: p.cfg.BaseDomain}, nil
		}
		span.RecordError(err)
		return nil, err
	}
	return ref, nil
}
