package provisioning

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/crypto/bcrypt"

	"github.com/petalhost/petalhost/internal/domain/operation"
	"github.com/petalhost/petalhost/internal/domain/provision"
	"github.com/petalhost/petalhost/internal/domain/stack"
	"github.com/petalhost/petalhost/internal/domain/tenant"
	"github.com/petalhost/petalhost/internal/infra/provisioner/fake"
	"github.com/petalhost/petalhost/pkg/common/logger"
)

const testBaseDomain = "petalhost.app"

// fakeProvisioner records resource operations and fails on demand.
type fakeProvisioner struct {
	mu sync.Mutex

	bucketPreexists bool
	assignErr       error
	dnsErr          error

	nextAssignID   int64
	bucketsCreated []string
	bucketsDeleted []string
	assigned       []*provision.ComputeAssignment
	released       []int64
	dnsPointed     []string
	dnsRemoved     []string
}

func (p *fakeProvisioner) AssignCompute(_ context.Context, slug string, tier provision.Tier) (*provision.ComputeAssignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.assignErr != nil {
		return nil, p.assignErr
	}
	p.nextAssignID++
	a := &provision.ComputeAssignment{
		ID:         p.nextAssignID,
		TenantSlug: slug,
		Tier:       tier,
		InstanceID: "i-pool-1",
		Address:    "10.0.0.10",
	}
	p.assigned = append(p.assigned, a)
	return a, nil
}

func (p *fakeProvisioner) ReleaseCompute(_ context.Context, a *provision.ComputeAssignment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, a.ID)
	return nil
}

func (p *fakeProvisioner) EnsureTenantBucket(_ context.Context, slug string) (*provision.StorageRef, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref := &provision.StorageRef{Bucket: "ph-tenant-" + slug, Region: "eu-central"}
	if p.bucketPreexists {
		return ref, false, nil
	}
	p.bucketsCreated = append(p.bucketsCreated, ref.Bucket)
	return ref, true, nil
}

func (p *fakeProvisioner) DeleteTenantBucket(_ context.Context, slug string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bucketsDeleted = append(p.bucketsDeleted, "ph-tenant-"+slug)
	return nil
}

func (p *fakeProvisioner) PointDNS(_ context.Context, hostname, target string) (*provision.DNSRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dnsErr != nil {
		return nil, p.dnsErr
	}
	p.dnsPointed = append(p.dnsPointed, hostname)
	return &provision.DNSRef{Zone: testBaseDomain, Name: hostname, Target: target, RecordID: "rec-" + hostname}, nil
}

func (p *fakeProvisioner) RemoveDNSRecord(_ context.Context, recordID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dnsRemoved = append(p.dnsRemoved, recordID)
	return nil
}

func (p *fakeProvisioner) EnsureEmailIdentity(_ context.Context) (*provision.EmailIdentityRef, error) {
	return &provision.EmailIdentityRef{Domain: testBaseDomain, IdentityID: "ident-1"}, nil
}

// fakeDeployer renders a minimal definition and records stack operations.
type fakeDeployer struct {
	mu sync.Mutex

	healthErr    error
	partialUp    bool
	configureErr error
	longPassword bool

	deployed   []string
	declared   []stack.ServiceName
	configured []string
	stopped    []string
	tornDown   []string
}

func (d *fakeDeployer) Render(cfg tenant.Config) (*stack.Definition, error) {
	password := "generated-plaintext"
	if d.longPassword {
		password = strings.Repeat("x", 80)
	}
	return &stack.Definition{
		TenantSlug: cfg.Slug,
		Hostname:   cfg.Hostname(testBaseDomain),
		Services: map[stack.ServiceName]stack.Service{
			stack.ServiceProxy:   {Name: stack.ServiceProxy},
			stack.ServiceCRM:     {Name: stack.ServiceCRM},
			stack.ServiceWebsite: {Name: stack.ServiceWebsite},
		},
		Secrets: stack.Secrets{
			AdminUsername:   "admin",
			AdminPassword:   password,
			InterServiceKey: "interservice-key",
		},
		RenderedAt: time.Now(),
	}, nil
}

func (d *fakeDeployer) Deploy(_ context.Context, def *stack.Definition, _ string) (*stack.DeployResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deployed = append(d.deployed, def.TenantSlug)
	return &stack.DeployResult{TenantSlug: def.TenantSlug}, nil
}

func (d *fakeDeployer) AwaitHealthy(_ context.Context, slug, _ string, declared []stack.ServiceName) (*stack.HealthReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.declared = declared
	if d.partialUp {
		return &stack.HealthReport{
			TenantSlug: slug,
			Healthy:    []stack.ServiceName{stack.ServiceProxy, stack.ServiceWebsite},
			Unhealthy:  []stack.ServiceName{stack.ServiceCRM},
		}, stack.ErrNotHealthy
	}
	if d.healthErr != nil {
		return &stack.HealthReport{TenantSlug: slug, Missing: declared}, d.healthErr
	}
	return &stack.HealthReport{
		TenantSlug: slug,
		Healthy:    []stack.ServiceName{stack.ServiceProxy, stack.ServiceCRM, stack.ServiceWebsite},
	}, nil
}

func (d *fakeDeployer) ConfigureApps(_ context.Context, def *stack.Definition, _ tenant.Branding, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.configureErr != nil {
		return d.configureErr
	}
	d.configured = append(d.configured, def.TenantSlug)
	return nil
}

func (d *fakeDeployer) Stop(_ context.Context, slug, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, slug)
	return nil
}

func (d *fakeDeployer) Teardown(_ context.Context, slug, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tornDown = append(d.tornDown, slug)
	return nil
}

type trialRecorder struct {
	mu      sync.Mutex
	started []string
}

func (r *trialRecorder) StartTrial(_ context.Context, slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, slug)
	return nil
}

type credentialRecorder struct {
	mu        sync.Mutex
	delivered []provision.Credentials
	hostnames []string
}

func (r *credentialRecorder) DeliverCredentials(_ context.Context, _, hostname string, creds provision.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, creds)
	r.hostnames = append(r.hostnames, hostname)
	return nil
}

type serviceFixture struct {
	svc         *Service
	tenants     *fake.TenantRepo
	operations  *fake.OperationRepo
	results     *fake.ResultRepo
	assignments *fake.AssignmentRepo
	prov        *fakeProvisioner
	deployer    *fakeDeployer
	trials      *trialRecorder
	creds       *credentialRecorder
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		tenants:     fake.NewTenantRepo(),
		operations:  fake.NewOperationRepo(),
		results:     fake.NewResultRepo(),
		assignments: fake.NewAssignmentRepo(),
		prov:        &fakeProvisioner{},
		deployer:    &fakeDeployer{},
		trials:      &trialRecorder{},
		creds:       &credentialRecorder{},
	}
	f.svc = NewService(
		f.tenants, f.operations, f.results, f.assignments,
		f.prov, f.deployer, f.trials, f.creds, NoopMetrics{},
		testBaseDomain,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"),
	)
	return f
}

func validRaw(slug string) tenant.RawConfig {
	return tenant.RawConfig{
		Slug:         slug,
		ContactEmail: slug + "@example.com",
		HostnameMode: string(tenant.HostnameManaged),
		Features:     map[string]bool{"crm": true, "website": true},
		DisplayName:  "Test " + slug,
	}
}

// awaitOperation blocks until the operation reaches a terminal status.
func (f *serviceFixture) awaitOperation(t *testing.T, id string) *operation.Operation {
	t.Helper()
	var op *operation.Operation
	require.Eventually(t, func() bool {
		var err error
		op, err = f.operations.FindByID(context.Background(), id)
		return err == nil && op.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond, "operation never settled")
	return op
}

func TestProvisionHappyPath(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	start, err := f.svc.Provision(ctx, validRaw("acme"))
	require.NoError(t, err)
	assert.Equal(t, "acme.petalhost.app", start.Hostname)
	require.NotEmpty(t, start.OperationID)

	op := f.awaitOperation(t, start.OperationID)
	assert.Equal(t, operation.StatusCompleted, op.Status)
	assert.Equal(t, 100, op.Progress())

	tn, err := f.tenants.FindBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, tn.Status)

	res, err := f.results.FindLatestBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "acme.petalhost.app", res.Hostname)
	assert.Equal(t, "ph-tenant-acme", res.Bucket)
	assert.NotEmpty(t, res.ServiceURLs)

	assert.Equal(t, []string{"acme"}, f.trials.started)
	assert.Equal(t, []string{"acme"}, f.deployer.deployed)
	assert.ElementsMatch(t,
		[]stack.ServiceName{stack.ServiceProxy, stack.ServiceCRM, stack.ServiceWebsite},
		f.deployer.declared, "health is judged against the rendered service set")
	assert.Equal(t, []string{"acme"}, f.deployer.configured)
	assert.Equal(t, []string{"acme.petalhost.app"}, f.prov.dnsPointed)
	assert.Empty(t, f.prov.released, "nothing to roll back on success")
}

func TestProvisionDeliversPlaintextOnceAndStoresHash(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	start, err := f.svc.Provision(ctx, validRaw("acme"))
	require.NoError(t, err)
	op := f.awaitOperation(t, start.OperationID)

	require.Len(t, f.creds.delivered, 1)
	delivered := f.creds.delivered[0]
	assert.Equal(t, "generated-plaintext", delivered.Password)
	assert.Equal(t, []string{"acme.petalhost.app"}, f.creds.hostnames)

	res, err := f.results.FindLatestBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.NotContains(t, res.AdminPasswordHash, "generated-plaintext")
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(res.AdminPasswordHash), []byte(delivered.Password)))

	// The operation record is operator-visible and must not leak the password.
	for _, v := range op.Result {
		s, ok := v.(string)
		if ok {
			assert.NotEqual(t, "generated-plaintext", s)
		}
	}
	assert.Equal(t, "admin", op.Result["admin_username"])
}

func TestProvisionValidationFailsFast(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Provision(context.Background(), tenant.RawConfig{
		Slug:         "Bad_Slug!",
		ContactEmail: "not-an-email",
		HostnameMode: string(tenant.HostnameManaged),
		Features:     map[string]bool{"crm": true},
	})
	require.Error(t, err)

	var verrs tenant.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.GreaterOrEqual(t, len(verrs), 2, "every violation is reported at once")

	// No resource may be touched on validation failure.
	assert.Empty(t, f.prov.bucketsCreated)
	assert.Empty(t, f.prov.assigned)
	assert.Empty(t, f.deployer.deployed)
	tenants, _ := f.tenants.List(context.Background())
	assert.Empty(t, tenants)
}

func TestProvisionRejectsDuplicateSlug(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	start, err := f.svc.Provision(ctx, validRaw("acme"))
	require.NoError(t, err)
	f.awaitOperation(t, start.OperationID)

	_, err = f.svc.Provision(ctx, validRaw("acme"))
	assert.ErrorIs(t, err, tenant.ErrTenantAlreadyExists)
}

func TestProvisionFailureCompensatesInReverse(t *testing.T) {
	f := newServiceFixture(t)
	f.deployer.healthErr = errors.New("crm never became healthy")
	ctx := context.Background()

	start, err := f.svc.Provision(ctx, validRaw("acme"))
	require.NoError(t, err)

	op := f.awaitOperation(t, start.OperationID)
	assert.Equal(t, operation.StatusFailed, op.Status)
	require.NotNil(t, op.ErrorMessage)

	// The deployed containers, compute slot and bucket are all rolled back.
	assert.Equal(t, []string{"acme"}, f.deployer.tornDown)
	assert.Equal(t, []int64{1}, f.prov.released)
	assert.Equal(t, []string{"ph-tenant-acme"}, f.prov.bucketsDeleted)
	assert.Empty(t, f.prov.dnsPointed, "pipeline stops before DNS")

	tn, err := f.tenants.FindBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusFailed, tn.Status)

	res, err := f.results.FindLatestBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, provision.ResultFailed, res.Status)
	require.NotNil(t, res.FailureKind)
	assert.Equal(t, provision.KindProvisioningTimeout, *res.FailureKind)
}

func TestProvisionPartialStackRecordedAsDegraded(t *testing.T) {
	f := newServiceFixture(t)
	f.deployer.partialUp = true
	ctx := context.Background()

	start, err := f.svc.Provision(ctx, validRaw("acme"))
	require.NoError(t, err)

	op := f.awaitOperation(t, start.OperationID)
	assert.Equal(t, operation.StatusFailed, op.Status)

	// Some services came up, so the failure is a degraded deployment, not a
	// provisioning timeout. Rollback still runs in full.
	res, err := f.results.FindLatestBySlug(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, res.FailureKind)
	assert.Equal(t, provision.KindDeploymentDegraded, *res.FailureKind)
	assert.Equal(t, []string{"acme"}, f.deployer.tornDown)
	assert.Equal(t, []int64{1}, f.prov.released)
}

func TestProvisionNeverRecordsSuccessWithEmptyPasswordHash(t *testing.T) {
	f := newServiceFixture(t)
	f.deployer.longPassword = true
	ctx := context.Background()

	start, err := f.svc.Provision(ctx, validRaw("acme"))
	require.NoError(t, err)

	// bcrypt rejects passwords over 72 bytes; the run must surface as failed
	// rather than record a succeeded result without a credential hash.
	op := f.awaitOperation(t, start.OperationID)
	assert.Equal(t, operation.StatusFailed, op.Status)

	res, err := f.results.FindLatestBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, provision.ResultFailed, res.Status)
	assert.False(t, res.Succeeded())

	assert.Empty(t, f.creds.delivered, "credentials are only delivered off a recorded success")

	tn, err := f.tenants.FindBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusFailed, tn.Status)
}

func TestProvisionFailureKeepsPreexistingBucket(t *testing.T) {
	f := newServiceFixture(t)
	f.prov.bucketPreexists = true
	f.prov.assignErr = provision.NewError(provision.KindCapacityExhausted, "pool.acquire", errors.New("no instances"))
	ctx := context.Background()

	start, err := f.svc.Provision(ctx, validRaw("acme"))
	require.NoError(t, err)

	op := f.awaitOperation(t, start.OperationID)
	assert.Equal(t, operation.StatusFailed, op.Status)

	// The bucket predates this run; rollback must not delete customer data.
	assert.Empty(t, f.prov.bucketsDeleted)

	res, err := f.results.FindLatestBySlug(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, res.FailureKind)
	assert.Equal(t, provision.KindCapacityExhausted, *res.FailureKind)
}

func TestProvisionConfigureAppsFailureIsBestEffort(t *testing.T) {
	f := newServiceFixture(t)
	f.deployer.configureErr = errors.New("crm setup endpoint 500")
	ctx := context.Background()

	start, err := f.svc.Provision(ctx, validRaw("acme"))
	require.NoError(t, err)

	op := f.awaitOperation(t, start.OperationID)
	assert.Equal(t, operation.StatusCompleted, op.Status, "seeding failure must not fail the pipeline")

	tn, err := f.tenants.FindBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, tn.Status)
	assert.Empty(t, f.deployer.tornDown)
	assert.Empty(t, f.prov.released)
}

func TestSuspendStopsStackAndRecordsOperation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	start, err := f.svc.Provision(ctx, validRaw("acme"))
	require.NoError(t, err)
	f.awaitOperation(t, start.OperationID)

	// Suspend resolves the address through the assignment repository.
	_, err = f.assignments.Create(ctx, &provision.ComputeAssignment{
		TenantSlug: "acme",
		Tier:       provision.TierShared,
		InstanceID: "i-pool-1",
		Address:    "10.0.0.10",
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Suspend(ctx, "acme"))

	assert.Equal(t, []string{"acme"}, f.deployer.stopped)
	tn, err := f.tenants.FindBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusSuspended, tn.Status)

	ops, err := f.svc.ListTenantOperations(ctx, "acme")
	require.NoError(t, err)
	var found bool
	for _, op := range ops {
		if op.Type == operation.OpTenantSuspend {
			found = true
			assert.Equal(t, operation.StatusCompleted, op.Status)
		}
	}
	assert.True(t, found, "suspend operation recorded")
}

func TestStatusAggregatesTenantAndResult(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	start, err := f.svc.Provision(ctx, validRaw("acme"))
	require.NoError(t, err)
	f.awaitOperation(t, start.OperationID)

	view, err := f.svc.Status(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, view.Tenant.Status)
	require.NotNil(t, view.Result)
	assert.True(t, view.Result.Succeeded())

	_, err = f.svc.Status(ctx, "ghost")
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
}

func TestActiveWorkflowCountDrainsToZero(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	start, err := f.svc.Provision(ctx, validRaw("acme"))
	require.NoError(t, err)
	f.awaitOperation(t, start.OperationID)

	assert.Eventually(t, func() bool {
		return f.svc.ActiveWorkflowCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
