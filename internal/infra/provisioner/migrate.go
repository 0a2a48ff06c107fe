package provisioner

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petalhost/petalhost/internal/domain/migration"
	"github.com/petalhost/petalhost/internal/domain/provision"
	"github.com/petalhost/petalhost/pkg/common/logger"
)

// migrateLockKey returns the per-tenant migration lock key.
func migrateLockKey(slug string) string { return "petalhost:migrate:" + slug }

// Migrator moves a tenant stack from pooled to dedicated compute. Every step
// completion is persisted in the plan, so a rerun after a crash or a failed
// step resumes at the first open step and never repeats destructive work.
// Decommissioning the shared slot is last: until DNS points at the new
// instance the old stack keeps serving.
type Migrator struct {
	prov        *Provisioner
	plans       migration.Repository
	assignments provision.AssignmentRepository
	results     provision.ResultRepository
	backup      BackupProvider
	mover       StackMover
	locker      Locker

	logger *logger.Logger
	tracer trace.Tracer
}

// NewMigrator wires a Migrator.
func NewMigrator(
	prov *Provisioner,
	plans migration.Repository,
	assignments provision.AssignmentRepository,
	results provision.ResultRepository,
	backup BackupProvider,
	mover StackMover,
	locker Locker,
	log *logger.Logger,
	tracer trace.Tracer,
) *Migrator {
	return &Migrator{
		prov:        prov,
		plans:       plans,
		assignments: assignments,
		results:     results,
		backup:      backup,
		mover:       mover,
		locker:      locker,
		logger:      log.With("component", "migrator"),
		tracer:      tracer,
	}
}

// Run executes (or resumes) the tenant's shared-to-dedicated migration. Only
// one migration per tenant runs at a time; a second caller gets
// migration.ErrPlanInProgress. On step failure the plan is flagged
// needs_attention and the error returned; a later Run resumes it.
func (m *Migrator) Run(ctx context.Context, slug string) error {
	ctx, span := m.tracer.Start(ctx, "Migrator.Run", trace.WithAttributes(
		attribute.String("tenant_slug", slug),
	))
	defer span.End()

	release, ok, err := m.locker.Acquire(ctx, migrateLockKey(slug))
	if err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	if !ok {
		return migration.ErrPlanInProgress
	}
	defer release()

	plan, err := m.loadOrCreatePlan(ctx, slug)
	if err != nil {
		span.RecordError(err)
		return err
	}

	plan.Start()
	if err := m.plans.Update(ctx, plan); err != nil {
		return fmt.Errorf("marking plan in progress: %w", err)
	}
	m.logger.Info(ctx, "migration running",
		"tenant_slug", slug, "plan_id", plan.ID, "resume_from", plan.HighestCompleted()+1)

	for {
		step, open := plan.NextStep()
		if !open {
			break
		}
		span.AddEvent("executing migration step", trace.WithAttributes(
			attribute.String("step", string(step)),
		))
		if err := m.executeStep(ctx, plan, step); err != nil {
			plan.RecordFailure(step, err)
			if uerr := m.plans.Update(ctx, plan); uerr != nil {
				m.logger.Error(ctx, "persisting failed plan", "error", uerr)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, string(step))
			return fmt.Errorf("migration step %s: %w", step, err)
		}
		if err := plan.MarkCompleted(step); err != nil {
			return err
		}
		if err := m.plans.Update(ctx, plan); err != nil {
			return fmt.Errorf("persisting step completion: %w", err)
		}
	}

	if err := m.recordOutcome(ctx, plan); err != nil {
		return err
	}

	plan.Complete()
	if err := m.plans.Update(ctx, plan); err != nil {
		return fmt.Errorf("completing plan: %w", err)
	}
	m.logger.Info(ctx, "migration completed", "tenant_slug", slug, "plan_id", plan.ID)
	return nil
}

func (m *Migrator) loadOrCreatePlan(ctx context.Context, slug string) (*migration.Plan, error) {
	plan, err := m.plans.FindOpenBySlug(ctx, slug)
	if err == nil {
		return plan, nil
	}
	if !errors.Is(err, migration.ErrPlanNotFound) {
		return nil, fmt.Errorf("loading migration plan: %w", err)
	}

	src, err := m.assignments.FindActiveBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("loading source assignment: %w", err)
	}
	if !src.IsShared() {
		return nil, fmt.Errorf("tenant %s already on dedicated compute", slug)
	}

	plan = migration.NewPlan(ulid.Make().String(), slug, src.ID)
	if err := m.plans.Create(ctx, plan); err != nil {
		return nil, fmt.Errorf("creating migration plan: %w", err)
	}
	return plan, nil
}

func (m *Migrator) executeStep(ctx context.Context, plan *migration.Plan, step migration.Step) error {
	switch step {
	case migration.StepBackupSource:
		src, err := m.assignments.FindByID(ctx, plan.SourceAssignmentID)
		if err != nil {
			return err
		}
		id, err := m.backup.Backup(ctx, src.InstanceID, plan.TenantSlug)
		if err != nil {
			return err
		}
		plan.BackupID = &id
		return nil

	case migration.StepProvisionDedicated:
		// A resumed run may already have its target from a previous attempt.
		if plan.TargetAssignmentID != nil {
			return nil
		}
		target, err := m.prov.AssignCompute(ctx, plan.TenantSlug, provision.TierDedicated)
		if err != nil {
			return err
		}
		plan.TargetAssignmentID = &target.ID
		return nil

	case migration.StepRestoreBackup:
		if plan.BackupID == nil || plan.TargetAssignmentID == nil {
			return fmt.Errorf("plan missing backup or target for restore")
		}
		target, err := m.assignments.FindByID(ctx, *plan.TargetAssignmentID)
		if err != nil {
			return err
		}
		if err := m.backup.Restore(ctx, *plan.BackupID, target.InstanceID); err != nil {
			return err
		}
		// Bring the stack up on the new instance before any traffic arrives.
		return m.mover.Redeploy(ctx, plan.TenantSlug, target)

	case migration.StepRepointDNS:
		target, err := m.assignments.FindByID(ctx, *plan.TargetAssignmentID)
		if err != nil {
			return err
		}
		res, err := m.results.FindLatestBySlug(ctx, plan.TenantSlug)
		if err != nil {
			return err
		}
		_, err = m.prov.PointDNS(ctx, res.Hostname, target.Address)
		return err

	case migration.StepDecommissionSource:
		src, err := m.assignments.FindByID(ctx, plan.SourceAssignmentID)
		if err != nil {
			return err
		}
		if err := m.mover.Remove(ctx, plan.TenantSlug, src); err != nil {
			return err
		}
		// ReleaseSlot is idempotent per tenant, so a retry of this step after
		// a partial failure cannot double-free the slot.
		return m.prov.ReleaseCompute(ctx, src)

	default:
		return fmt.Errorf("unknown migration step: %s", step)
	}
}

// recordOutcome supersedes the tenant's shared-era result with a dedicated
// one so status queries reflect the new placement.
func (m *Migrator) recordOutcome(ctx context.Context, plan *migration.Plan) error {
	prev, err := m.results.FindLatestBySlug(ctx, plan.TenantSlug)
	if err != nil {
		return fmt.Errorf("loading previous result: %w", err)
	}
	target, err := m.assignments.FindByID(ctx, *plan.TargetAssignmentID)
	if err != nil {
		return err
	}
	if err := m.results.Supersede(ctx, plan.TenantSlug); err != nil {
		return fmt.Errorf("superseding previous result: %w", err)
	}

	next := &provision.Result{
		TenantSlug:        plan.TenantSlug,
		Status:            provision.ResultSucceeded,
		Hostname:          prev.Hostname,
		AssignmentID:      target.ID,
		Tier:              provision.TierDedicated,
		Bucket:            prev.Bucket,
		DNSRecordID:       prev.DNSRecordID,
		ServiceURLs:       prev.ServiceURLs,
		AdminUsername:     prev.AdminUsername,
		AdminPasswordHash: prev.AdminPasswordHash,
	}
	if _, err := m.results.Create(ctx, next); err != nil {
		return fmt.Errorf("recording migrated result: %w", err)
	}
	return nil
}
