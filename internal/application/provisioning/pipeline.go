package provisioning

import (
	"context"
	"fmt"

	"github.com/petalhost/petalhost/internal/application/workflow"
	"github.com/petalhost/petalhost/internal/domain/provision"
	"github.com/petalhost/petalhost/internal/domain/stack"
	"github.com/petalhost/petalhost/internal/domain/tenant"
)

// pipelineRun carries the state a provisioning workflow accumulates while its
// steps execute. Compensating actions read it to undo exactly what this run
// created.
type pipelineRun struct {
	cfg      tenant.Config
	tier     provision.Tier
	hostname string

	def           *stack.Definition
	bucket        string
	bucketCreated bool
	assignment    *provision.ComputeAssignment
	dnsRef        *provision.DNSRef
	health        *stack.HealthReport
}

// buildPipeline assembles the ordered provisioning steps. Each step that
// creates a resource declares the compensating action releasing it; the
// workflow engine runs those in reverse order when a later step fails.
func (s *Service) buildPipeline(run *pipelineRun) []workflow.Step {
	return []workflow.Step{
		{
			Name:        "render-stack",
			Description: "Render the tenant's container composition from its feature flags",
			Execute: func(ctx context.Context) error {
				def, err := s.stacks.Render(run.cfg)
				if err != nil {
					return err
				}
				run.def = def
				return nil
			},
		},
		{
			Name:        "ensure-bucket",
			Description: "Create the tenant's versioned storage bucket",
			Execute: func(ctx context.Context) error {
				ref, created, err := s.provisioner.EnsureTenantBucket(ctx, run.cfg.Slug)
				if err != nil {
					return err
				}
				run.bucket = ref.Bucket
				run.bucketCreated = created
				return nil
			},
			Compensate: func(ctx context.Context) error {
				// A bucket that predates this run keeps its data.
				if !run.bucketCreated {
					return nil
				}
				return s.provisioner.DeleteTenantBucket(ctx, run.cfg.Slug)
			},
		},
		{
			Name:        "assign-compute",
			Description: "Place the tenant on its compute tier",
			Execute: func(ctx context.Context) error {
				a, err := s.provisioner.AssignCompute(ctx, run.cfg.Slug, run.tier)
				if err != nil {
					return err
				}
				run.assignment = a
				return nil
			},
			Compensate: func(ctx context.Context) error {
				return s.provisioner.ReleaseCompute(ctx, run.assignment)
			},
		},
		{
			Name:        "deploy-stack",
			Description: "Ship the composition to the instance and start it",
			Execute: func(ctx context.Context) error {
				_, err := s.stacks.Deploy(ctx, run.def, run.assignment.Address)
				return err
			},
			Compensate: func(ctx context.Context) error {
				return s.stacks.Teardown(ctx, run.cfg.Slug, run.assignment.Address)
			},
		},
		{
			Name:        "await-healthy",
			Description: "Wait for every declared service in the stack to report healthy",
			Execute: func(ctx context.Context) error {
				report, err := s.stacks.AwaitHealthy(ctx, run.cfg.Slug, run.assignment.Address, run.def.ServiceNames())
				run.health = report
				if err != nil {
					// A partially up stack is a different operator problem
					// than compute that never answered.
					kind := provision.KindProvisioningTimeout
					if report != nil && report.Phase() == stack.PhaseDegraded {
						kind = provision.KindDeploymentDegraded
					}
					return provision.NewError(kind, "stack.health", err)
				}
				return nil
			},
		},
		{
			Name:        "point-dns",
			Description: "Point the tenant hostname at its compute",
			Execute: func(ctx context.Context) error {
				ref, err := s.provisioner.PointDNS(ctx, run.hostname, run.assignment.Address)
				if err != nil {
					return err
				}
				run.dnsRef = ref
				return nil
			},
			Compensate: func(ctx context.Context) error {
				return s.provisioner.RemoveDNSRecord(ctx, run.dnsRef.RecordID)
			},
		},
		{
			Name:        "ensure-email-identity",
			Description: "Ensure the platform sending identity exists",
			Execute: func(ctx context.Context) error {
				// Platform-wide and shared; existing is the normal case and
				// nothing is compensated.
				if _, err := s.provisioner.EnsureEmailIdentity(ctx); err != nil {
					return fmt.Errorf("ensuring email identity: %w", err)
				}
				return nil
			},
		},
		{
			Name:        "configure-apps",
			Description: "Seed the deployed applications with branding and the admin account",
			BestEffort:  true,
			Execute: func(ctx context.Context) error {
				return s.stacks.ConfigureApps(ctx, run.def, run.cfg.Branding, run.assignment.Address)
			},
		},
	}
}
