package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/petalhost/petalhost/internal/application/provisioning"
	"github.com/petalhost/petalhost/internal/application/trial"
	"github.com/petalhost/petalhost/internal/domain/provision"
	"github.com/petalhost/petalhost/internal/domain/stack"
	"github.com/petalhost/petalhost/internal/domain/tenant"
	"github.com/petalhost/petalhost/internal/infra/events"
	"github.com/petalhost/petalhost/internal/infra/provisioner/fake"
	"github.com/petalhost/petalhost/pkg/common/logger"
	"github.com/petalhost/petalhost/pkg/common/timeutil"
)

// stubProvisioner satisfies provisioning.ResourceProvisioner with canned
// answers; resource behavior is covered by the provisioner's own tests.
// Assignments are persisted so suspension can resolve the stack address.
type stubProvisioner struct {
	assignments *fake.AssignmentRepo
}

func (p *stubProvisioner) AssignCompute(ctx context.Context, slug string, tier provision.Tier) (*provision.ComputeAssignment, error) {
	a := &provision.ComputeAssignment{
		TenantSlug: slug, Tier: tier, InstanceID: "i-pool-1", Address: "10.0.0.10",
	}
	id, err := p.assignments.Create(ctx, a)
	if err != nil {
		return nil, err
	}
	a.ID = id
	return a, nil
}

func (p *stubProvisioner) ReleaseCompute(context.Context, *provision.ComputeAssignment) error {
	return nil
}

func (p *stubProvisioner) EnsureTenantBucket(_ context.Context, slug string) (*provision.StorageRef, bool, error) {
	return &provision.StorageRef{Bucket: "ph-tenant-" + slug}, true, nil
}

func (p *stubProvisioner) DeleteTenantBucket(context.Context, string) error { return nil }

func (p *stubProvisioner) PointDNS(_ context.Context, hostname, target string) (*provision.DNSRef, error) {
	return &provision.DNSRef{Name: hostname, Target: target, RecordID: "rec-1"}, nil
}

func (p *stubProvisioner) RemoveDNSRecord(context.Context, string) error { return nil }

func (p *stubProvisioner) EnsureEmailIdentity(context.Context) (*provision.EmailIdentityRef, error) {
	return &provision.EmailIdentityRef{Domain: "petalhost.app", IdentityID: "ident-1"}, nil
}

type stubDeployer struct{}

func (stubDeployer) Render(cfg tenant.Config) (*stack.Definition, error) {
	return &stack.Definition{
		TenantSlug: cfg.Slug,
		Hostname:   cfg.Hostname("petalhost.app"),
		Services: map[stack.ServiceName]stack.Service{
			stack.ServiceProxy:   {Name: stack.ServiceProxy},
			stack.ServiceWebsite: {Name: stack.ServiceWebsite},
		},
		Secrets: stack.Secrets{AdminUsername: "admin", AdminPassword: "pw"},
	}, nil
}

func (stubDeployer) Deploy(_ context.Context, def *stack.Definition, _ string) (*stack.DeployResult, error) {
	return &stack.DeployResult{TenantSlug: def.TenantSlug}, nil
}

func (stubDeployer) AwaitHealthy(_ context.Context, slug, _ string, declared []stack.ServiceName) (*stack.HealthReport, error) {
	return &stack.HealthReport{TenantSlug: slug, Healthy: declared}, nil
}

func (stubDeployer) ConfigureApps(context.Context, *stack.Definition, tenant.Branding, string) error {
	return nil
}

func (stubDeployer) Stop(context.Context, string, string) error     { return nil }
func (stubDeployer) Teardown(context.Context, string, string) error { return nil }

type stubMigrator struct{ err error }

func (m *stubMigrator) Run(context.Context, string) error { return m.err }

type okPinger struct{ err error }

func (p okPinger) Ping(context.Context) error { return p.err }

type apiFixture struct {
	router      http.Handler
	clock       *timeutil.Mock
	assignments *fake.AssignmentRepo
	operations  *fake.OperationRepo
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	log := logger.Noop()
	tracer := noop.NewTracerProvider().Tracer("test")

	tenants := fake.NewTenantRepo()
	operations := fake.NewOperationRepo()
	results := fake.NewResultRepo()
	assignments := fake.NewAssignmentRepo()
	states := fake.NewTrialRepo()
	clock := timeutil.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	prov := &stubProvisioner{assignments: assignments}

	var provSvc *provisioning.Service
	lifecycle := trial.NewManager(
		states, tenants, assignments, operations,
		suspenderFunc(func(ctx context.Context, slug string) error {
			return provSvc.Suspend(ctx, slug)
		}),
		&stubMigrator{}, events.NoopPublisher{},
		trial.Config{}, clock, log, tracer,
	)
	provSvc = provisioning.NewService(
		tenants, operations, results, assignments,
		prov, stubDeployer{}, lifecycle, provisioning.NoopCredentialSink{},
		provisioning.NoopMetrics{}, "petalhost.app", log, tracer,
	)

	router := NewRouter(RouterConfig{
		Provisioning: provSvc,
		Lifecycle:    lifecycle,
		DB:           okPinger{},
		Logger:       log,
	})
	return &apiFixture{router: router, clock: clock, assignments: assignments, operations: operations}
}

type suspenderFunc func(ctx context.Context, slug string) error

func (f suspenderFunc) Suspend(ctx context.Context, slug string) error { return f(ctx, slug) }

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func validPayload(slug string) map[string]any {
	return map[string]any{
		"slug":          slug,
		"contact_email": slug + "@example.com",
		"hostname_mode": "managed_subdomain",
		"features":      map[string]bool{"crm": true, "website": true},
		"display_name":  "Test " + slug,
	}
}

// provisionAndWait onboards a tenant and polls the operation endpoint until
// the pipeline settles.
func (f *apiFixture) provisionAndWait(t *testing.T, slug string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/tenants", validPayload(slug))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[map[string]any](t, rec)
	opID, _ := resp["operation_id"].(string)
	require.NotEmpty(t, opID)

	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/v1/operations/"+opID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		op := decode[map[string]any](t, rec)
		status, _ := op["status"].(string)
		return status == "completed" || status == "failed"
	}, 5*time.Second, 10*time.Millisecond, "operation never settled")
	return opID
}

func TestCreateTenantAccepted(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tenants", validPayload("acme"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decode[map[string]any](t, rec)
	assert.Equal(t, "acme.petalhost.app", resp["hostname"])
	assert.NotEmpty(t, resp["operation_id"])
}

func TestCreateTenantValidationErrors(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tenants", map[string]any{
		"slug":          "Bad Slug!",
		"contact_email": "nope",
		"hostname_mode": "managed_subdomain",
		"features":      map[string]bool{"crm": true},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Error  string `json:"error"`
		Fields []struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		} `json:"fields"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.GreaterOrEqual(t, len(body.Fields), 2, "all violations reported together")
}

func TestCreateTenantDuplicateConflict(t *testing.T) {
	f := newAPIFixture(t)
	f.provisionAndWait(t, "acme")

	rec := f.do(t, http.MethodPost, "/api/v1/tenants", validPayload("acme"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatusReportsTenantAndTrial(t *testing.T) {
	f := newAPIFixture(t)
	f.provisionAndWait(t, "acme")

	rec := f.do(t, http.MethodGet, "/api/v1/tenants/acme/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	status := decode[statusResponse](t, rec)
	assert.Equal(t, "active", status.Status)
	assert.Equal(t, "acme.petalhost.app", status.Hostname)
	assert.Equal(t, "succeeded", status.LastRun)
	require.NotNil(t, status.Trial)
	assert.Equal(t, "trial", status.Trial.Status)
	assert.Equal(t, 14, status.Trial.DaysRemaining)
}

func TestStatusUnknownTenant(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/tenants/ghost/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOperationShowsProgressFields(t *testing.T) {
	f := newAPIFixture(t)
	opID := f.provisionAndWait(t, "acme")

	rec := f.do(t, http.MethodGet, "/api/v1/operations/"+opID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	op := decode[operationResponse](t, rec)
	assert.Equal(t, "tenant.provision", op.Type)
	assert.Equal(t, "completed", op.Status)
	assert.Equal(t, 100, op.Progress)
	assert.NotEmpty(t, op.CompletedAt)
}

func TestOperationNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/operations/no-such-op", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConvertRequiresPlanID(t *testing.T) {
	f := newAPIFixture(t)
	f.provisionAndWait(t, "acme")

	rec := f.do(t, http.MethodPost, "/api/v1/tenants/acme/convert", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConvertAccepted(t *testing.T) {
	f := newAPIFixture(t)
	f.provisionAndWait(t, "acme")

	rec := f.do(t, http.MethodPost, "/api/v1/tenants/acme/convert", map[string]any{"plan_id": "plan-pro"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[convertResponse](t, rec)
	assert.Equal(t, "paid", resp.Status)
	assert.True(t, resp.MigrationStarted)
	assert.NotEmpty(t, resp.OperationID)
}

func TestSweepEndpointSuspendsExpiredTenant(t *testing.T) {
	f := newAPIFixture(t)
	f.provisionAndWait(t, "acme")

	f.clock.Advance(18 * 24 * time.Hour)
	rec := f.do(t, http.MethodPost, "/api/v1/lifecycle/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sweep := decode[sweepResponse](t, rec)
	assert.Equal(t, 1, sweep.Examined)
	assert.Equal(t, 1, sweep.ToSuspended)

	status := decode[statusResponse](t, f.do(t, http.MethodGet, "/api/v1/tenants/acme/status", nil))
	assert.Equal(t, "suspended", status.Status)
	require.NotNil(t, status.Trial)
	assert.Equal(t, "suspended", status.Trial.Status)
}

func TestConvertAfterSuspensionConflict(t *testing.T) {
	f := newAPIFixture(t)
	f.provisionAndWait(t, "acme")

	f.clock.Advance(18 * 24 * time.Hour)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/lifecycle/sweep", nil).Code)

	rec := f.do(t, http.MethodPost, "/api/v1/tenants/acme/convert", map[string]any{"plan_id": "plan-pro"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTenantOperationsListing(t *testing.T) {
	f := newAPIFixture(t)
	f.provisionAndWait(t, "acme")

	rec := f.do(t, http.MethodGet, "/api/v1/tenants/acme/operations", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ops := decode[[]operationResponse](t, rec)
	require.NotEmpty(t, ops)
	assert.Equal(t, "acme", ops[0].TenantSlug)
}

func TestHealthAndReadiness(t *testing.T) {
	f := newAPIFixture(t)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", nil).Code)
}

func TestReadinessFailsWhenDatabaseDown(t *testing.T) {
	log := logger.Noop()
	router := NewRouter(RouterConfig{
		Provisioning: nil,
		Lifecycle:    nil,
		DB:           okPinger{err: errors.New("connection refused")},
		Logger:       log,
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSuspendEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.provisionAndWait(t, "acme")

	rec := f.do(t, http.MethodPost, "/api/v1/tenants/acme/suspend", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	status := decode[statusResponse](t, f.do(t, http.MethodGet, "/api/v1/tenants/acme/status", nil))
	assert.Equal(t, "suspended", status.Status)
}
