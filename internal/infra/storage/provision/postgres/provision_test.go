package postgres

import (
	"context"
	"testing"

	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petalhost/petalhost/internal/domain/provision"
	"github.com/petalhost/petalhost/internal/infra/storage/testutil"
)

func setupProvisionTest(t *testing.T) (context.Context, provision.AssignmentRepository, provision.ResultRepository, func()) {
	t.Helper()

	pool, cleanup := testutil.SetupTestContainer(t)
	tracer := testutil.Tracer()
	return context.Background(), NewAssignmentStore(pool, tracer), NewResultStore(pool, tracer), cleanup
}

func TestAssignmentStore_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx, assignments, _, cleanup := setupProvisionTest(t)
	defer cleanup()

	id, err := assignments.Create(ctx, &provision.ComputeAssignment{
		TenantSlug: "acme",
		Tier:       provision.TierDedicated,
		InstanceID: "i-ded-1",
		Address:    "10.0.0.5",
	})
	require.NoError(t, err)

	active, err := assignments.FindActiveBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, id, active.ID)
	assert.Equal(t, provision.TierDedicated, active.Tier)
	assert.Nil(t, active.PoolInstanceID)

	require.NoError(t, assignments.Release(ctx, id))
	require.NoError(t, assignments.Release(ctx, id))

	_, err = assignments.FindActiveBySlug(ctx, "acme")
	assert.ErrorIs(t, err, provision.ErrAssignmentNotFound)

	released, err := assignments.FindByID(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, released.ReleasedAt)
}

func TestAssignmentStore_ActivePrefersNewest(t *testing.T) {
	t.Parallel()

	ctx, assignments, _, cleanup := setupProvisionTest(t)
	defer cleanup()

	_, err := assignments.Create(ctx, &provision.ComputeAssignment{
		TenantSlug: "acme", Tier: provision.TierShared, InstanceID: "i-old", Address: "10.0.0.1",
	})
	require.NoError(t, err)
	newest, err := assignments.Create(ctx, &provision.ComputeAssignment{
		TenantSlug: "acme", Tier: provision.TierDedicated, InstanceID: "i-new", Address: "10.0.0.2",
	})
	require.NoError(t, err)

	active, err := assignments.FindActiveBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, newest, active.ID)
}

func TestResultStore_Supersede(t *testing.T) {
	t.Parallel()

	ctx, _, results, cleanup := setupProvisionTest(t)
	defer cleanup()

	_, err := results.Create(ctx, &provision.Result{
		TenantSlug:    "acme",
		Status:        provision.ResultSucceeded,
		Hostname:      "acme.petalhost.app",
		Tier:          provision.TierShared,
		Bucket:        "ph-tenant-acme",
		ServiceURLs:   map[string]string{"website": "https://acme.petalhost.app"},
		AdminUsername: "admin",
	})
	require.NoError(t, err)

	require.NoError(t, results.Supersede(ctx, "acme"))

	newID, err := results.Create(ctx, &provision.Result{
		TenantSlug: "acme",
		Status:     provision.ResultSucceeded,
		Hostname:   "acme.petalhost.app",
		Tier:       provision.TierDedicated,
		Bucket:     "ph-tenant-acme",
	})
	require.NoError(t, err)

	latest, err := results.FindLatestBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, newID, latest.ID)
	assert.Equal(t, provision.TierDedicated, latest.Tier)
}

func TestResultStore_FailureKind(t *testing.T) {
	t.Parallel()

	ctx, _, results, cleanup := setupProvisionTest(t)
	defer cleanup()

	kind := provision.KindProvisioningTimeout
	_, err := results.Create(ctx, &provision.Result{
		TenantSlug:  "slow",
		Status:      provision.ResultFailed,
		Hostname:    "slow.petalhost.app",
		Tier:        provision.TierShared,
		FailureKind: &kind,
	})
	require.NoError(t, err)

	latest, err := results.FindLatestBySlug(ctx, "slow")
	require.NoError(t, err)
	require.NotNil(t, latest.FailureKind)
	assert.Equal(t, provision.KindProvisioningTimeout, *latest.FailureKind)

	_, err = results.FindLatestBySlug(ctx, "missing")
	assert.ErrorIs(t, err, provision.ErrResultNotFound)
}
