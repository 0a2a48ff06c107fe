package tenant

import "context"

// Repository defines the interface for tenant data access operations.
// This interface abstracts the underlying storage mechanism to allow
// for different implementations (database, in-memory, etc.).
type Repository interface {
	// Create persists a new tenant and returns the assigned ID.
	// If a tenant with the same slug already exists, ErrTenantAlreadyExists
	// should be returned.
	Create(ctx context.Context, t *Tenant) (int64, error)

	// Update modifies an existing tenant's status and branding.
	// The tenant is identified by its slug; the slug itself is immutable.
	Update(ctx context.Context, t *Tenant) error

	// FindBySlug retrieves a tenant by its unique slug.
	// Returns ErrTenantNotFound if the tenant cannot be found.
	FindBySlug(ctx context.Context, slug string) (*Tenant, error)

	// List returns all tenants, most recently created first.
	List(ctx context.Context) ([]*Tenant, error)
}
