package postgres

import (
	"context"
	"testing"

	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petalhost/petalhost/internal/domain/tenant"
	"github.com/petalhost/petalhost/internal/infra/storage/testutil"
)

func setupTenantTest(t *testing.T) (context.Context, tenant.Repository, func()) {
	t.Helper()

	pool, cleanup := testutil.SetupTestContainer(t)
	store := NewTenantStore(pool, testutil.Tracer())
	return context.Background(), store, cleanup
}

func testTenant(slug string) *tenant.Tenant {
	return tenant.New(tenant.Config{
		Slug:         slug,
		ContactEmail: "owner@" + slug + ".example",
		HostnameMode: tenant.HostnameManaged,
		Features: tenant.FeatureSet{
			CRM:        true,
			FilePortal: true,
			Website:    true,
		},
		Branding: tenant.Branding{DisplayName: slug, ThemeColor: "#336699"},
	})
}

func TestTenantStore_CreateAndFind(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupTenantTest(t)
	defer cleanup()

	id, err := store.Create(ctx, testTenant("acme"))
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	found, err := store.FindBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusProvisioning, found.Status)
	assert.True(t, found.Config.Features.CRM)
	assert.False(t, found.Config.Features.Booking)
	assert.Equal(t, "#336699", found.Config.Branding.ThemeColor)
	assert.Equal(t, tenant.HostnameManaged, found.Config.HostnameMode)

	_, err = store.FindBySlug(ctx, "missing")
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
}

func TestTenantStore_DuplicateSlug(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupTenantTest(t)
	defer cleanup()

	_, err := store.Create(ctx, testTenant("acme"))
	require.NoError(t, err)

	_, err = store.Create(ctx, testTenant("acme"))
	assert.ErrorIs(t, err, tenant.ErrTenantAlreadyExists)
}

func TestTenantStore_Update(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupTenantTest(t)
	defer cleanup()

	tn := testTenant("acme")
	_, err := store.Create(ctx, tn)
	require.NoError(t, err)

	tn.Activate()
	tn.Config.Branding.DisplayName = "Acme GmbH"
	require.NoError(t, store.Update(ctx, tn))

	found, err := store.FindBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, found.Status)
	assert.Equal(t, "Acme GmbH", found.Config.Branding.DisplayName)
	assert.NotNil(t, found.UpdatedAt)
}

func TestTenantStore_List(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupTenantTest(t)
	defer cleanup()

	for _, slug := range []string{"alpha", "beta", "gamma"} {
		_, err := store.Create(ctx, testTenant(slug))
		require.NoError(t, err)
	}

	tenants, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, tenants, 3)
}
