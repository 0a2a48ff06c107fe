package stacksvc

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petalhost/petalhost/internal/domain/provision"
	"github.com/petalhost/petalhost/internal/domain/stack"
	"github.com/petalhost/petalhost/internal/domain/tenant"
	"github.com/petalhost/petalhost/internal/infra/provisioner"
	"github.com/petalhost/petalhost/pkg/common/logger"
)

// Health polling defaults.
const (
	defaultHealthInterval = 10 * time.Second
	defaultHealthTimeout  = 5 * time.Minute
)

// crmPort is the CRM service's direct port, used for post-deploy seeding
// before DNS has propagated.
const crmPort = 8081

// Service deploys and supervises tenant stacks through the per-instance
// agent. It also satisfies the migrator's StackMover so a migrated stack is
// brought up on its new compute the same way a fresh one is.
type Service struct {
	agent    StackAgent
	renderer *Renderer

	healthInterval time.Duration
	healthTimeout  time.Duration

	// appClient talks to the deployed applications themselves, only for
	// best-effort post-deploy configuration.
	appClient *resty.Client

	logger *logger.Logger
	tracer trace.Tracer
}

var _ provisioner.StackMover = (*Service)(nil)

// NewService wires the stack service.
func NewService(agent StackAgent, renderer *Renderer, healthInterval, healthTimeout time.Duration, log *logger.Logger, tracer trace.Tracer) *Service {
	if healthInterval <= 0 {
		healthInterval = defaultHealthInterval
	}
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	return &Service{
		agent:          agent,
		renderer:       renderer,
		healthInterval: healthInterval,
		healthTimeout:  healthTimeout,
		appClient: resty.New().
			SetTimeout(15 * time.Second).
			SetRetryCount(2),
		logger: log.With("component", "stack_service"),
		tracer: tracer,
	}
}

// Renderer exposes the template renderer.
func (s *Service) Renderer() *Renderer { return s.renderer }

// Render produces the tenant's stack definition.
func (s *Service) Render(cfg tenant.Config) (*stack.Definition, error) {
	return s.renderer.Render(cfg)
}

// Deploy renders the definition into a compose document, ships it to the
// instance and starts it. Acceptance does not imply health; callers follow up
// with AwaitHealthy.
func (s *Service) Deploy(ctx context.Context, def *stack.Definition, address string) (*stack.DeployResult, error) {
	ctx, span := s.tracer.Start(ctx, "StackService.Deploy", trace.WithAttributes(
		attribute.String("tenant_slug", def.TenantSlug),
		attribute.String("address", address),
		attribute.Int("service_count", len(def.Services)),
	))
	defer span.End()

	composeYAML, err := def.Compose().YAML()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := s.agent.PushCompose(ctx, address, def.TenantSlug, composeYAML); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pushing compose file")
		return nil, err
	}
	result, err := s.agent.Up(ctx, address, def.TenantSlug)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "starting stack")
		return nil, err
	}

	s.logger.Info(ctx, "stack deployment accepted",
		"tenant_slug", def.TenantSlug, "services", len(def.Services))
	return result, nil
}

// AwaitHealthy polls the stack until every declared service reports healthy
// or the window closes. Services the agent has not reported yet count against
// health, so an empty or partial agent answer never passes. On expiry it
// returns the last report alongside stack.ErrNotHealthy so callers can log
// which services never came up.
func (s *Service) AwaitHealthy(ctx context.Context, slug, address string, declared []stack.ServiceName) (*stack.HealthReport, error) {
	ctx, span := s.tracer.Start(ctx, "StackService.AwaitHealthy", trace.WithAttributes(
		attribute.String("tenant_slug", slug),
		attribute.Int("declared_services", len(declared)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.healthTimeout)
	defer cancel()

	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	var last *stack.HealthReport
	for {
		report, err := s.checkHealth(ctx, slug, address, declared)
		if err == nil {
			last = report
			if report.AllHealthy() {
				span.SetAttributes(attribute.Int("healthy_services", len(report.Healthy)))
				return report, nil
			}
		}

		select {
		case <-ctx.Done():
			span.SetStatus(codes.Error, "health window expired")
			if last == nil {
				last = &stack.HealthReport{TenantSlug: slug, Missing: declared, CheckedAt: time.Now()}
			}
			return last, fmt.Errorf("stack %s unhealthy after %s (unhealthy: %v, unreported: %v): %w",
				slug, s.healthTimeout, last.Unhealthy, last.Missing, stack.ErrNotHealthy)
		case <-ticker.C:
		}
	}
}

func (s *Service) checkHealth(ctx context.Context, slug, address string, declared []stack.ServiceName) (*stack.HealthReport, error) {
	states, err := s.agent.Status(ctx, address, slug)
	if err != nil {
		return nil, err
	}
	report := &stack.HealthReport{TenantSlug: slug, CheckedAt: time.Now()}
	reported := make(map[stack.ServiceName]bool, len(states))
	for _, st := range states {
		name := stack.ServiceName(st.Service)
		reported[name] = true
		if st.Running && st.Healthy {
			report.Healthy = append(report.Healthy, name)
		} else {
			report.Unhealthy = append(report.Unhealthy, name)
		}
	}
	for _, name := range declared {
		if !reported[name] {
			report.Missing = append(report.Missing, name)
		}
	}
	return report, nil
}

// ConfigureApps seeds the freshly deployed applications: the CRM admin
// account and the tenant branding. Failures here leave the stack minimally
// usable, so callers run this step best-effort.
func (s *Service) ConfigureApps(ctx context.Context, def *stack.Definition, branding tenant.Branding, address string) error {
	ctx, span := s.tracer.Start(ctx, "StackService.ConfigureApps", trace.WithAttributes(
		attribute.String("tenant_slug", def.TenantSlug),
	))
	defer span.End()

	if !def.Has(stack.ServiceCRM) {
		return nil
	}

	payload := map[string]any{
		"admin_username": def.Secrets.AdminUsername,
		"admin_password": def.Secrets.AdminPassword,
		"branding": map[string]string{
			"display_name": branding.DisplayName,
			"theme_color":  branding.ThemeColor,
			"logo_url":     branding.LogoURL,
		},
	}
	resp, err := s.appClient.R().
		SetContext(ctx).
		SetAuthToken(def.Secrets.InterServiceKey).
		SetBody(payload).
		Post(fmt.Sprintf("http://%s:%d/api/setup", address, crmPort))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("seeding crm for %s: %w", def.TenantSlug, err)
	}
	if resp.IsError() {
		return fmt.Errorf("crm setup rejected for %s: %s", def.TenantSlug, resp.Status())
	}

	s.logger.Info(ctx, "applications configured", "tenant_slug", def.TenantSlug)
	return nil
}

// Stop halts a tenant's containers without destroying data. Used on
// suspension; the stack restarts from the same state on reactivation.
func (s *Service) Stop(ctx context.Context, slug, address string) error {
	ctx, span := s.tracer.Start(ctx, "StackService.Stop", trace.WithAttributes(
		attribute.String("tenant_slug", slug),
	))
	defer span.End()

	if err := s.agent.Stop(ctx, address, slug); err != nil {
		span.RecordError(err)
		return err
	}
	s.logger.Info(ctx, "stack stopped", "tenant_slug", slug)
	return nil
}

// Start brings a previously stopped stack back up and waits for health. The
// composition already lives on the instance, so the agent's reported set is
// the declared set; an empty report still never counts as healthy.
func (s *Service) Start(ctx context.Context, slug, address string) error {
	ctx, span := s.tracer.Start(ctx, "StackService.Start", trace.WithAttributes(
		attribute.String("tenant_slug", slug),
	))
	defer span.End()

	if _, err := s.agent.Up(ctx, address, slug); err != nil {
		span.RecordError(err)
		return err
	}
	_, err := s.AwaitHealthy(ctx, slug, address, nil)
	return err
}

// Teardown removes the tenant's containers, volumes and compose file from
// the instance.
func (s *Service) Teardown(ctx context.Context, slug, address string) error {
	ctx, span := s.tracer.Start(ctx, "StackService.Teardown", trace.WithAttributes(
		attribute.String("tenant_slug", slug),
	))
	defer span.End()

	if err := s.agent.Down(ctx, address, slug); err != nil {
		span.RecordError(err)
		return err
	}
	s.logger.Info(ctx, "stack torn down", "tenant_slug", slug)
	return nil
}

// Redeploy brings a migrated stack up on its new compute. The composition
// file arrived with the restored data, so this is a start plus health wait.
func (s *Service) Redeploy(ctx context.Context, slug string, target *provision.ComputeAssignment) error {
	return s.Start(ctx, slug, target.Address)
}

// Remove tears the stack down on the migration source.
func (s *Service) Remove(ctx context.Context, slug string, source *provision.ComputeAssignment) error {
	return s.Teardown(ctx, slug, source.Address)
}
