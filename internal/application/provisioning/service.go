// Package provisioning orchestrates the tenant provisioning pipeline:
// validation, resource acquisition, stack deployment and result recording.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/petalhost/petalhost/internal/application/workflow"
	"github.com/petalhost/petalhost/internal/domain/operation"
	"github.com/petalhost/petalhost/internal/domain/provision"
	"github.com/petalhost/petalhost/internal/domain/stack"
	"github.com/petalhost/petalhost/internal/domain/tenant"
	"github.com/petalhost/petalhost/pkg/common/logger"
)

// ResourceProvisioner acquires and releases the infrastructure behind one
// tenant stack. Implemented by internal/infra/provisioner.
type ResourceProvisioner interface {
	AssignCompute(ctx context.Context, slug string, tier provision.Tier) (*provision.ComputeAssignment, error)
	ReleaseCompute(ctx context.Context, a *provision.ComputeAssignment) error
	EnsureTenantBucket(ctx context.Context, slug string) (*provision.StorageRef, bool, error)
	DeleteTenantBucket(ctx context.Context, slug string) error
	PointDNS(ctx context.Context, hostname, target string) (*provision.DNSRef, error)
	RemoveDNSRecord(ctx context.Context, recordID string) error
	EnsureEmailIdentity(ctx context.Context) (*provision.EmailIdentityRef, error)
}

// StackDeployer renders and runs tenant stacks. Implemented by
// internal/infra/stacksvc.
type StackDeployer interface {
	Render(cfg tenant.Config) (*stack.Definition, error)
	Deploy(ctx context.Context, def *stack.Definition, address string) (*stack.DeployResult, error)
	AwaitHealthy(ctx context.Context, slug, address string, declared []stack.ServiceName) (*stack.HealthReport, error)
	ConfigureApps(ctx context.Context, def *stack.Definition, branding tenant.Branding, address string) error
	Stop(ctx context.Context, slug, address string) error
	Teardown(ctx context.Context, slug, address string) error
}

// TrialStarter opens the commercial trial window once provisioning succeeds.
type TrialStarter interface {
	StartTrial(ctx context.Context, slug string) error
}

// CredentialSink receives the one-time admin credentials of a freshly
// provisioned stack. Storage only ever sees the hash; the plaintext goes
// through this interface exactly once, to the customer messaging component.
type CredentialSink interface {
	DeliverCredentials(ctx context.Context, slug, hostname string, creds provision.Credentials) error
}

// NoopCredentialSink drops credentials. Used in tests.
type NoopCredentialSink struct{}

func (NoopCredentialSink) DeliverCredentials(context.Context, string, string, provision.Credentials) error {
	return nil
}

// ProvisionStart is the synchronous answer to a provisioning request. The
// pipeline itself runs in the background; its progress is visible through the
// operation.
type ProvisionStart struct {
	TenantID    int64
	OperationID string
	Hostname    string
	Workflow    workflow.Workflow
}

// StatusView aggregates what the dashboard shows for one tenant.
type StatusView struct {
	Tenant *tenant.Tenant
	Result *provision.Result
}

// Service orchestrates tenant provisioning end to end.
type Service struct {
	validator   *tenant.Validator
	tenants     tenant.Repository
	operations  operation.Repository
	results     provision.ResultRepository
	assignments provision.AssignmentRepository
	provisioner ResourceProvisioner
	stacks      StackDeployer
	trials      TrialStarter
	credentials CredentialSink
	metrics     Metrics

	baseDomain string

	// Track active workflows so operators can see in-flight pipelines.
	mu              sync.RWMutex
	activeWorkflows map[string]workflow.Workflow

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService wires the provisioning orchestrator.
func NewService(
	tenants tenant.Repository,
	operations operation.Repository,
	results provision.ResultRepository,
	assignments provision.AssignmentRepository,
	prov ResourceProvisioner,
	stacks StackDeployer,
	trials TrialStarter,
	credentials CredentialSink,
	metrics Metrics,
	baseDomain string,
	log *logger.Logger,
	tracer trace.Tracer,
) *Service {
	return &Service{
		validator:       tenant.NewValidator(),
		tenants:         tenants,
		operations:      operations,
		results:         results,
		assignments:     assignments,
		provisioner:     prov,
		stacks:          stacks,
		trials:          trials,
		credentials:     credentials,
		metrics:         metrics,
		baseDomain:      baseDomain,
		activeWorkflows: make(map[string]workflow.Workflow),
		logger:          log.With("component", "provisioning_service"),
		tracer:          tracer,
	}
}

// Provision validates the raw config and, if it passes, launches the
// asynchronous provisioning pipeline. Validation failures return before any
// resource is touched, with every violation listed.
func (s *Service) Provision(ctx context.Context, raw tenant.RawConfig) (*ProvisionStart, error) {
	ctx, span := s.tracer.Start(ctx, "provisioning.Provision", trace.WithAttributes(
		attribute.String("tenant_slug", raw.Slug),
	))
	defer span.End()

	s.metrics.IncProvisionStarted(ctx)

	cfg, err := s.validator.Validate(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid tenant config")
		return nil, err
	}
	span.AddEvent("config validated")

	if _, err := s.tenants.FindBySlug(ctx, cfg.Slug); err == nil {
		span.SetStatus(codes.Error, "tenant already exists")
		return nil, tenant.ErrTenantAlreadyExists
	} else if !errors.Is(err, tenant.ErrTenantNotFound) {
		span.RecordError(err)
		return nil, fmt.Errorf("checking existing tenant %s: %w", cfg.Slug, err)
	}

	newTenant := tenant.New(*cfg)
	tenantID, err := s.tenants.Create(ctx, newTenant)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persisting tenant")
		return nil, fmt.Errorf("persisting tenant %s: %w", cfg.Slug, err)
	}
	newTenant.ID = tenantID
	span.SetAttributes(attribute.Int64("tenant_id", tenantID))

	hostname := cfg.Hostname(s.baseDomain)
	op, err := operation.New(ulid.Make().String(), operation.OpTenantProvision, cfg.Slug, map[string]any{
		"tier":     string(provision.TierShared),
		"hostname": hostname,
	})
	if err != nil {
		return nil, err
	}
	if err := s.operations.Create(ctx, op); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persisting operation for %s: %w", cfg.Slug, err)
	}
	span.SetAttributes(attribute.String("operation_id", op.ID))

	run := &pipelineRun{
		cfg:      *cfg,
		tier:     provision.TierShared,
		hostname: hostname,
	}
	wf := workflow.NewBaseWorkflow(s.buildPipeline(run))

	s.mu.Lock()
	s.activeWorkflows[op.ID] = wf
	s.mu.Unlock()

	op.Start()
	if err := s.operations.Update(ctx, op); err != nil {
		s.logger.Error(ctx, "marking operation in progress", "error", err)
	}

	// The pipeline outlives the request; detach it from the caller's
	// cancellation while keeping trace context.
	bgCtx := context.WithoutCancel(ctx)
	wf.Start(bgCtx)
	go s.handleCompletion(bgCtx, newTenant, op, run, wf, time.Now())

	s.logger.Info(ctx, "provisioning pipeline started",
		"tenant_slug", cfg.Slug, "operation_id", op.ID, "hostname", hostname)

	return &ProvisionStart{
		TenantID:    tenantID,
		OperationID: op.ID,
		Hostname:    hostname,
		Workflow:    wf,
	}, nil
}

// handleCompletion finalizes a pipeline run: records the result row, settles
// tenant status, opens the trial and closes the operation.
func (s *Service) handleCompletion(
	ctx context.Context,
	t *tenant.Tenant,
	op *operation.Operation,
	run *pipelineRun,
	wf workflow.Workflow,
	startedAt time.Time,
) {
	res := <-wf.ResultChan()

	s.mu.Lock()
	delete(s.activeWorkflows, op.ID)
	s.mu.Unlock()

	s.metrics.ObservePipelineDuration(ctx, time.Since(startedAt))

	if res.Success {
		s.finalizeSuccess(ctx, t, op, run)
		return
	}
	s.finalizeFailure(ctx, t, op, run, res)
}

func (s *Service) finalizeSuccess(ctx context.Context, t *tenant.Tenant, op *operation.Operation, run *pipelineRun) {
	slug := run.cfg.Slug

	hash, err := bcrypt.GenerateFromPassword([]byte(run.def.Secrets.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		// A succeeded result must never carry an empty credential hash; the
		// stack stays up, the run surfaces as failed for operator follow-up.
		s.finalizeFailure(ctx, t, op, run, workflow.WorkflowResult{
			Error: fmt.Errorf("hashing admin password for %s: %w", slug, err),
		})
		return
	}

	result := &provision.Result{
		TenantSlug:        slug,
		Status:            provision.ResultSucceeded,
		Hostname:          run.hostname,
		AssignmentID:      run.assignment.ID,
		Tier:              run.tier,
		Bucket:            run.bucket,
		DNSRecordID:       run.dnsRef.RecordID,
		ServiceURLs:       run.def.ServiceURLs(),
		AdminUsername:     run.def.Secrets.AdminUsername,
		AdminPasswordHash: string(hash),
	}
	if _, err := s.results.Create(ctx, result); err != nil {
		s.logger.Error(ctx, "recording provisioning result", "tenant_slug", slug, "error", err)
	}

	if err := s.trials.StartTrial(ctx, slug); err != nil {
		s.logger.Error(ctx, "starting trial", "tenant_slug", slug, "error", err)
	}

	t.Activate()
	if err := s.tenants.Update(ctx, t); err != nil {
		s.logger.Error(ctx, "activating tenant", "tenant_slug", slug, "error", err)
	}

	if err := s.credentials.DeliverCredentials(ctx, slug, run.hostname, provision.Credentials{
		Username: run.def.Secrets.AdminUsername,
		Password: run.def.Secrets.AdminPassword,
	}); err != nil {
		// The credentials are recoverable through a manual reset; the stack
		// itself is fine.
		s.logger.Error(ctx, "delivering admin credentials", "tenant_slug", slug, "error", err)
	}

	op.Complete(map[string]any{
		"hostname":       run.hostname,
		"tier":           string(run.tier),
		"service_urls":   result.ServiceURLs,
		"admin_username": result.AdminUsername,
	})
	if err := s.operations.Update(ctx, op); err != nil {
		s.logger.Error(ctx, "completing operation", "operation_id", op.ID, "error", err)
	}

	s.metrics.IncProvisionSucceeded(ctx)
	s.logger.Info(ctx, "tenant provisioned", "tenant_slug", slug, "hostname", run.hostname)
}

func (s *Service) finalizeFailure(ctx context.Context, t *tenant.Tenant, op *operation.Operation, run *pipelineRun, res workflow.WorkflowResult) {
	slug := run.cfg.Slug
	kind := provision.KindOf(res.Error)

	for _, c := range res.Compensations {
		if !c.Success {
			s.logger.Error(ctx, "compensation failed, manual cleanup needed",
				"tenant_slug", slug, "step", c.StepName, "error", c.Error)
		}
	}

	result := &provision.Result{
		TenantSlug:  slug,
		Status:      provision.ResultFailed,
		Hostname:    run.hostname,
		Tier:        run.tier,
		FailureKind: &kind,
	}
	if run.assignment != nil {
		result.AssignmentID = run.assignment.ID
	}
	if _, err := s.results.Create(ctx, result); err != nil {
		s.logger.Error(ctx, "recording failed result", "tenant_slug", slug, "error", err)
	}

	t.MarkFailed()
	if err := s.tenants.Update(ctx, t); err != nil {
		s.logger.Error(ctx, "marking tenant failed", "tenant_slug", slug, "error", err)
	}

	op.Fail(res.Error.Error())
	if err := s.operations.Update(ctx, op); err != nil {
		s.logger.Error(ctx, "failing operation", "operation_id", op.ID, "error", err)
	}

	s.metrics.IncProvisionFailed(ctx, kind)
	s.logger.Error(ctx, "tenant provisioning failed",
		"tenant_slug", slug, "failure_kind", kind, "error", res.Error)
}

// Suspend stops a tenant's stack in place. Data, DNS and storage stay; only
// the containers halt.
func (s *Service) Suspend(ctx context.Context, slug string) error {
	ctx, span := s.tracer.Start(ctx, "provisioning.Suspend", trace.WithAttributes(
		attribute.String("tenant_slug", slug),
	))
	defer span.End()

	t, err := s.tenants.FindBySlug(ctx, slug)
	if err != nil {
		return err
	}

	op, err := operation.New(ulid.Make().String(), operation.OpTenantSuspend, slug, nil)
	if err != nil {
		return err
	}
	if err := s.operations.Create(ctx, op); err != nil {
		return fmt.Errorf("persisting suspend operation: %w", err)
	}
	op.Start()

	err = s.suspendStack(ctx, slug)
	if err != nil {
		span.RecordError(err)
		op.Fail(err.Error())
		if uerr := s.operations.Update(ctx, op); uerr != nil {
			s.logger.Error(ctx, "failing suspend operation", "error", uerr)
		}
		return err
	}

	t.Suspend()
	if err := s.tenants.Update(ctx, t); err != nil {
		return fmt.Errorf("marking tenant suspended: %w", err)
	}

	op.Complete(nil)
	if err := s.operations.Update(ctx, op); err != nil {
		s.logger.Error(ctx, "completing suspend operation", "error", err)
	}

	s.logger.Info(ctx, "tenant suspended", "tenant_slug", slug)
	return nil
}

func (s *Service) suspendStack(ctx context.Context, slug string) error {
	a, err := s.assignments.FindActiveBySlug(ctx, slug)
	if err != nil {
		return fmt.Errorf("finding assignment for %s: %w", slug, err)
	}
	return s.stacks.Stop(ctx, slug, a.Address)
}

// Status returns the tenant record and its latest non-superseded result.
// A missing result is normal while the first pipeline run is in flight.
func (s *Service) Status(ctx context.Context, slug string) (*StatusView, error) {
	t, err := s.tenants.FindBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	view := &StatusView{Tenant: t}

	res, err := s.results.FindLatestBySlug(ctx, slug)
	if err != nil && !errors.Is(err, provision.ErrResultNotFound) {
		return nil, err
	}
	view.Result = res
	return view, nil
}

// GetOperation returns the operation with the given ID.
func (s *Service) GetOperation(ctx context.Context, id string) (*operation.Operation, error) {
	return s.operations.FindByID(ctx, id)
}

// ListTenantOperations returns a tenant's operations, newest first.
func (s *Service) ListTenantOperations(ctx context.Context, slug string) ([]*operation.Operation, error) {
	return s.operations.FindByTenant(ctx, slug)
}

// ActiveWorkflowCount reports how many pipelines are currently running.
func (s *Service) ActiveWorkflowCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activeWorkflows)
}
