package operation

import "context"

// Repository defines the interface for operation data access.
// This interface abstracts the underlying storage mechanism to allow
// for different implementations (database, in-memory, etc.).
type Repository interface {
	// Create persists a new operation.
	Create(ctx context.Context, op *Operation) error

	// Update modifies an existing operation with the provided data.
	Update(ctx context.Context, op *Operation) error

	// FindByID retrieves an operation by its unique identifier.
	// Returns ErrOperationNotFound when absent.
	FindByID(ctx context.Context, id string) (*Operation, error)

	// FindByTenant retrieves all operations for a tenant, newest first.
	FindByTenant(ctx context.Context, slug string) ([]*Operation, error)

	// FindIncomplete retrieves all operations that haven't reached a
	// terminal status. Useful for finding work that needs attention after a
	// restart.
	FindIncomplete(ctx context.Context) ([]*Operation, error)
}
