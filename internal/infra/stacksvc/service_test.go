package stacksvc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/petalhost/petalhost/internal/domain/stack"
	"github.com/petalhost/petalhost/pkg/common/logger"
)

// fakeAgent is an in-memory StackAgent. Services become healthy after
// healthyAfter Status calls.
type fakeAgent struct {
	mu           sync.Mutex
	compose      map[string][]byte
	up           []string
	stopped      []string
	down         []string
	statusCalls  int
	healthyAfter int
	services     []string
	stuck        map[string]bool
}

func newFakeAgent(services ...string) *fakeAgent {
	return &fakeAgent{
		compose:  make(map[string][]byte),
		services: services,
		stuck:    make(map[string]bool),
	}
}

func (f *fakeAgent) PushCompose(_ context.Context, _, slug string, composeYAML []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compose[slug] = composeYAML
	return nil
}

func (f *fakeAgent) Up(_ context.Context, _, slug string) (*stack.DeployResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.up = append(f.up, slug)
	return &stack.DeployResult{TenantSlug: slug, InstanceID: "i-test", AcceptedAt: time.Now()}, nil
}

func (f *fakeAgent) Stop(_ context.Context, _, slug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, slug)
	return nil
}

func (f *fakeAgent) Down(_ context.Context, _, slug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = append(f.down, slug)
	return nil
}

func (f *fakeAgent) Status(_ context.Context, _, _ string) ([]ServiceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	states := make([]ServiceState, 0, len(f.services))
	for _, name := range f.services {
		healthy := f.statusCalls > f.healthyAfter && !f.stuck[name]
		states = append(states, ServiceState{Service: name, Running: true, Healthy: healthy})
	}
	return states, nil
}

func newTestService(agent StackAgent) *Service {
	return NewService(
		agent, NewRenderer("petalhost.app"),
		2*time.Millisecond, 100*time.Millisecond,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"),
	)
}

func TestDeployPushesComposeThenStarts(t *testing.T) {
	ctx := context.Background()
	agent := newFakeAgent("proxy", "website")
	svc := newTestService(agent)

	def, err := svc.Renderer().Render(baseConfig())
	require.NoError(t, err)

	result, err := svc.Deploy(ctx, def, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "acme", result.TenantSlug)
	assert.Contains(t, string(agent.compose["acme"]), "proxy")
	assert.Equal(t, []string{"acme"}, agent.up)
}

func TestAwaitHealthyEventuallyHealthy(t *testing.T) {
	ctx := context.Background()
	agent := newFakeAgent("proxy", "website", "crm")
	agent.healthyAfter = 3
	svc := newTestService(agent)

	declared := []stack.ServiceName{stack.ServiceProxy, stack.ServiceWebsite, stack.ServiceCRM}
	report, err := svc.AwaitHealthy(ctx, "acme", "10.0.0.1", declared)
	require.NoError(t, err)
	assert.True(t, report.AllHealthy())
	assert.Equal(t, stack.PhaseHealthy, report.Phase())
	assert.Len(t, report.Healthy, 3)
}

func TestAwaitHealthyTimesOutOnStuckService(t *testing.T) {
	ctx := context.Background()
	agent := newFakeAgent("proxy", "website", "crm")
	agent.stuck["crm"] = true
	svc := newTestService(agent)

	declared := []stack.ServiceName{stack.ServiceProxy, stack.ServiceWebsite, stack.ServiceCRM}
	report, err := svc.AwaitHealthy(ctx, "acme", "10.0.0.1", declared)
	require.ErrorIs(t, err, stack.ErrNotHealthy)
	require.NotNil(t, report)
	assert.Contains(t, report.Unhealthy, stack.ServiceCRM)
	assert.Contains(t, err.Error(), "crm", "failure must name the unhealthy service")
}

func TestAwaitHealthyRejectsEmptyAgentReport(t *testing.T) {
	ctx := context.Background()
	// An agent that has accepted the start but registered no containers yet
	// reports an empty service list. That is not a healthy stack.
	agent := newFakeAgent()
	svc := newTestService(agent)

	declared := []stack.ServiceName{stack.ServiceProxy, stack.ServiceWebsite}
	report, err := svc.AwaitHealthy(ctx, "acme", "10.0.0.1", declared)
	require.ErrorIs(t, err, stack.ErrNotHealthy)
	require.NotNil(t, report)
	assert.False(t, report.AllHealthy())
	assert.ElementsMatch(t, declared, report.Missing)
	assert.Empty(t, report.Healthy)
}

func TestAwaitHealthyRejectsUnreportedDeclaredService(t *testing.T) {
	ctx := context.Background()
	// The agent never created the crm container, so it reports only the
	// services it knows about. The declared set decides health.
	agent := newFakeAgent("proxy", "website")
	svc := newTestService(agent)

	declared := []stack.ServiceName{stack.ServiceProxy, stack.ServiceWebsite, stack.ServiceCRM}
	report, err := svc.AwaitHealthy(ctx, "acme", "10.0.0.1", declared)
	require.ErrorIs(t, err, stack.ErrNotHealthy)
	require.NotNil(t, report)
	assert.Equal(t, []stack.ServiceName{stack.ServiceCRM}, report.Missing)
	assert.Equal(t, stack.PhaseDegraded, report.Phase())
	assert.Contains(t, err.Error(), "crm", "failure must name the unreported service")
}

func TestStopAndTeardown(t *testing.T) {
	ctx := context.Background()
	agent := newFakeAgent("proxy")
	svc := newTestService(agent)

	require.NoError(t, svc.Stop(ctx, "acme", "10.0.0.1"))
	require.NoError(t, svc.Teardown(ctx, "acme", "10.0.0.1"))
	assert.Equal(t, []string{"acme"}, agent.stopped)
	assert.Equal(t, []string{"acme"}, agent.down)
}

func TestConfigureAppsSkipsWithoutCRM(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newFakeAgent("proxy"))

	cfg := baseConfig()
	cfg.Features.CRM = false
	def, err := svc.Renderer().Render(cfg)
	require.NoError(t, err)

	// No CRM rendered, nothing to seed, no network call attempted.
	assert.NoError(t, svc.ConfigureApps(ctx, def, cfg.Branding, "10.0.0.1"))
}
