// Package trial manages the commercial lifecycle of tenants: trial windows,
// grace, suspension and conversion to a paid plan.
package trial

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petalhost/petalhost/internal/domain/operation"
	"github.com/petalhost/petalhost/internal/domain/provision"
	"github.com/petalhost/petalhost/internal/domain/tenant"
	domain "github.com/petalhost/petalhost/internal/domain/trial"
	"github.com/petalhost/petalhost/internal/infra/events"
	"github.com/petalhost/petalhost/pkg/common/logger"
	"github.com/petalhost/petalhost/pkg/common/timeutil"
)

// ErrConversionAfterSuspension is returned when a suspended tenant tries to
// convert. Reactivation is a manual operator action and must happen first.
var ErrConversionAfterSuspension = errors.New("suspended tenant requires reactivation before conversion")

// StackSuspender halts a tenant's stack when its grace period runs out.
// Implemented by the provisioning service.
type StackSuspender interface {
	Suspend(ctx context.Context, slug string) error
}

// Migrator moves a tenant from pooled to dedicated compute after conversion.
type Migrator interface {
	Run(ctx context.Context, slug string) error
}

// Config carries the commercial window lengths.
type Config struct {
	TrialDuration time.Duration
	GracePeriod   time.Duration
	Retention     time.Duration
}

// Defaults fills zero fields with the platform defaults.
func (c Config) defaults() Config {
	if c.TrialDuration <= 0 {
		c.TrialDuration = domain.DefaultTrialDuration
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = domain.DefaultGracePeriod
	}
	if c.Retention <= 0 {
		c.Retention = domain.DefaultRetention
	}
	return c
}

// Info is the evaluated commercial position of one tenant.
type Info struct {
	State         *domain.State
	Effective     domain.Status
	DaysRemaining int
}

// SweepSummary reports what one sweep pass did.
type SweepSummary struct {
	Examined    int
	ToGrace     int
	ToSuspended int
	Errors      int
}

// Manager owns trial state transitions. All status math lives in the domain
// type; the manager persists outcomes, stops stacks on suspension, publishes
// events and drives post-conversion migration.
type Manager struct {
	states      domain.Repository
	tenants     tenant.Repository
	assignments provision.AssignmentRepository
	operations  operation.Repository
	suspender   StackSuspender
	migrator    Migrator
	publisher   events.Publisher

	cfg  Config
	time timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// NewManager wires the lifecycle manager.
func NewManager(
	states domain.Repository,
	tenants tenant.Repository,
	assignments provision.AssignmentRepository,
	operations operation.Repository,
	suspender StackSuspender,
	migrator Migrator,
	publisher events.Publisher,
	cfg Config,
	timeProvider timeutil.Provider,
	log *logger.Logger,
	tracer trace.Tracer,
) *Manager {
	return &Manager{
		states:      states,
		tenants:     tenants,
		assignments: assignments,
		operations:  operations,
		suspender:   suspender,
		migrator:    migrator,
		publisher:   publisher,
		cfg:         cfg.defaults(),
		time:        timeProvider,
		logger:      log.With("component", "trial_manager"),
		tracer:      tracer,
	}
}

// StartTrial opens the trial window for a freshly provisioned tenant.
// Idempotent: a tenant that already has a state keeps it untouched.
func (m *Manager) StartTrial(ctx context.Context, slug string) error {
	ctx, span := m.tracer.Start(ctx, "trial.StartTrial", trace.WithAttributes(
		attribute.String("tenant_slug", slug),
	))
	defer span.End()

	state := domain.NewState(slug, m.time.Now(), m.cfg.TrialDuration, m.cfg.GracePeriod)
	err := m.states.Create(ctx, state)
	if errors.Is(err, domain.ErrStateAlreadyExists) {
		span.AddEvent("trial state already exists")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("creating trial state for %s: %w", slug, err)
	}

	m.logger.Info(ctx, "trial started",
		"tenant_slug", slug, "trial_end", state.TrialEnd, "grace_end", state.GraceEnd)
	return nil
}

// Evaluate returns the tenant's stored state together with the status it
// implies right now. The stored row is not modified; only the sweep and
// conversion write.
func (m *Manager) Evaluate(ctx context.Context, slug string) (*Info, error) {
	state, err := m.states.FindBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	now := m.time.Now()
	return &Info{
		State:         state,
		Effective:     state.Evaluate(now),
		DaysRemaining: state.DaysRemaining(now),
	}, nil
}

// Sweep examines every unsettled tenant and applies overdue transitions.
// Each tenant is handled independently; one failure never stops the pass.
func (m *Manager) Sweep(ctx context.Context) (SweepSummary, error) {
	ctx, span := m.tracer.Start(ctx, "trial.Sweep")
	defer span.End()

	var summary SweepSummary

	states, err := m.states.ListSweepable(ctx)
	if err != nil {
		span.RecordError(err)
		return summary, fmt.Errorf("listing sweepable states: %w", err)
	}
	summary.Examined = len(states)
	now := m.time.Now()

	for _, state := range states {
		target := state.Evaluate(now)
		if target == state.Status {
			continue
		}
		if err := m.applyTransition(ctx, state, target, now); err != nil {
			summary.Errors++
			m.logger.Error(ctx, "applying lifecycle transition",
				"tenant_slug", state.TenantSlug, "target", target, "error", err)
			continue
		}
		switch target {
		case domain.StatusGrace:
			summary.ToGrace++
		case domain.StatusSuspended:
			summary.ToSuspended++
		}
	}

	span.SetAttributes(
		attribute.Int("examined", summary.Examined),
		attribute.Int("to_grace", summary.ToGrace),
		attribute.Int("to_suspended", summary.ToSuspended),
		attribute.Int("errors", summary.Errors),
	)
	m.logger.Info(ctx, "lifecycle sweep finished",
		"examined", summary.Examined, "to_grace", summary.ToGrace,
		"to_suspended", summary.ToSuspended, "errors", summary.Errors)
	return summary, nil
}

// RunSweeper runs Sweep on the given interval until the context is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error(ctx, "lifecycle sweep failed", "error", err)
			}
		}
	}
}

// applyTransition persists a status change, stops the stack on suspension
// and publishes the transition event. The stored paid gate makes a racing
// conversion win even if this sweep read a stale row.
func (m *Manager) applyTransition(ctx context.Context, state *domain.State, target domain.Status, now time.Time) error {
	from := state.Status
	if !state.Transition(target, now) {
		return nil
	}
	if err := m.states.Update(ctx, state); err != nil {
		return err
	}

	if target == domain.StatusSuspended {
		// Suspension failures are retried on the next sweep pass; the
		// commercial status is already settled.
		if err := m.suspender.Suspend(ctx, state.TenantSlug); err != nil {
			m.logger.Error(ctx, "stopping stack for suspended tenant",
				"tenant_slug", state.TenantSlug, "error", err)
		}
	}

	m.publish(ctx, domain.TransitionEvent{
		TenantSlug: state.TenantSlug,
		From:       from,
		To:         target,
		OccurredAt: now,
	})
	return nil
}

// ConvertResult is the synchronous answer to a conversion request.
type ConvertResult struct {
	OperationID string
	// MigrationStarted is false when the tenant already runs on dedicated
	// compute.
	MigrationStarted bool
}

// ConvertToPaid marks the tenant paid and starts the shared-to-dedicated
// migration in the background. The paid status is persisted before any
// migration work begins, so a migration failure never affects the
// subscription; it only raises the operator-facing migration flag.
func (m *Manager) ConvertToPaid(ctx context.Context, slug, planID string) (*ConvertResult, error) {
	ctx, span := m.tracer.Start(ctx, "trial.ConvertToPaid", trace.WithAttributes(
		attribute.String("tenant_slug", slug),
		attribute.String("plan_id", planID),
	))
	defer span.End()

	state, err := m.states.FindBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	now := m.time.Now()
	from := state.Status
	if !state.MarkPaid(planID, now) {
		if state.Status == domain.StatusPaid {
			// Conversion is idempotent for billing retries.
			span.AddEvent("already paid")
			return &ConvertResult{}, nil
		}
		span.SetStatus(codes.Error, "conversion rejected")
		return nil, ErrConversionAfterSuspension
	}
	if err := m.states.Update(ctx, state); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persisting paid status for %s: %w", slug, err)
	}
	span.AddEvent("paid status persisted")

	m.publish(ctx, domain.TransitionEvent{
		TenantSlug: slug,
		From:       from,
		To:         domain.StatusPaid,
		PlanID:     planID,
		OccurredAt: now,
	})

	a, err := m.assignments.FindActiveBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("finding assignment for %s: %w", slug, err)
	}
	if !a.IsShared() {
		m.logger.Info(ctx, "converted tenant already on dedicated compute", "tenant_slug", slug)
		return &ConvertResult{}, nil
	}

	op, err := operation.New(ulid.Make().String(), operation.OpTenantMigrate, slug, map[string]any{
		"plan_id": planID,
	})
	if err != nil {
		return nil, err
	}
	if err := m.operations.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("persisting migrate operation: %w", err)
	}

	go m.migrateAsync(context.WithoutCancel(ctx), slug, op)

	m.logger.Info(ctx, "tenant converted, migration started",
		"tenant_slug", slug, "plan_id", planID, "operation_id", op.ID)
	return &ConvertResult{OperationID: op.ID, MigrationStarted: true}, nil
}

// migrateAsync drives the background migration and settles the tenant's
// infrastructure status around it. A failure leaves the tenant serving from
// its shared slot with the migration flag raised for operators.
func (m *Manager) migrateAsync(ctx context.Context, slug string, op *operation.Operation) {
	op.Start()
	if err := m.operations.Update(ctx, op); err != nil {
		m.logger.Error(ctx, "marking migrate operation in progress", "error", err)
	}

	if t, err := m.tenants.FindBySlug(ctx, slug); err == nil {
		t.MarkMigrating()
		if err := m.tenants.Update(ctx, t); err != nil {
			m.logger.Error(ctx, "marking tenant migrating", "tenant_slug", slug, "error", err)
		}
	}

	err := m.migrator.Run(ctx, slug)

	// Either way the tenant keeps serving: from dedicated compute on success,
	// from its shared slot on failure.
	if t, terr := m.tenants.FindBySlug(ctx, slug); terr == nil {
		t.Activate()
		if uerr := m.tenants.Update(ctx, t); uerr != nil {
			m.logger.Error(ctx, "settling tenant status after migration", "tenant_slug", slug, "error", uerr)
		}
	}

	if err != nil {
		m.logger.Error(ctx, "migration failed", "tenant_slug", slug, "error", err)
		if ferr := m.states.SetMigrationRequired(ctx, slug, true); ferr != nil {
			m.logger.Error(ctx, "raising migration flag", "tenant_slug", slug, "error", ferr)
		}
		op.Fail(err.Error())
		if uerr := m.operations.Update(ctx, op); uerr != nil {
			m.logger.Error(ctx, "failing migrate operation", "error", uerr)
		}
		return
	}

	if ferr := m.states.SetMigrationRequired(ctx, slug, false); ferr != nil {
		m.logger.Error(ctx, "clearing migration flag", "tenant_slug", slug, "error", ferr)
	}
	op.Complete(map[string]any{"tier": string(provision.TierDedicated)})
	if uerr := m.operations.Update(ctx, op); uerr != nil {
		m.logger.Error(ctx, "completing migrate operation", "error", uerr)
	}
	m.logger.Info(ctx, "migration completed", "tenant_slug", slug)
}

// RetryMigration reruns a previously failed migration for a paid tenant.
// Exposed to operators through the API.
func (m *Manager) RetryMigration(ctx context.Context, slug string) (*ConvertResult, error) {
	state, err := m.states.FindBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if state.Status != domain.StatusPaid {
		return nil, fmt.Errorf("tenant %s is not paid, nothing to migrate", slug)
	}

	op, err := operation.New(ulid.Make().String(), operation.OpTenantMigrate, slug, map[string]any{
		"retry": true,
	})
	if err != nil {
		return nil, err
	}
	if err := m.operations.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("persisting migrate operation: %w", err)
	}

	go m.migrateAsync(context.WithoutCancel(ctx), slug, op)
	return &ConvertResult{OperationID: op.ID, MigrationStarted: true}, nil
}

func (m *Manager) publish(ctx context.Context, event domain.TransitionEvent) {
	if err := m.publisher.PublishTransition(ctx, event); err != nil {
		// Events are advisory; consumers reconcile from state on reconnect.
		m.logger.Warn(ctx, "publishing lifecycle event",
			"tenant_slug", event.TenantSlug, "to", event.To, "error", err)
	}
}
