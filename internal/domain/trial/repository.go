package trial

import "context"

// Repository persists per-tenant commercial state. States are never deleted.
type Repository interface {
	// Create persists a new state. Returns ErrStateAlreadyExists when the
	// tenant already has one.
	Create(ctx context.Context, s *State) error

	// Update persists a transition. Implementations must not overwrite a
	// paid status with a non-paid one; the paid gate also holds at the
	// storage layer so a racing sweep loses cleanly.
	Update(ctx context.Context, s *State) error

	// FindBySlug retrieves a tenant's state.
	// Returns ErrStateNotFound when absent.
	FindBySlug(ctx context.Context, slug string) (*State, error)

	// ListSweepable returns states the periodic sweep needs to examine:
	// everything not yet paid and not yet suspended.
	ListSweepable(ctx context.Context) ([]*State, error)

	// SetMigrationRequired flips the operator-facing migration flag.
	SetMigrationRequired(ctx context.Context, slug string, required bool) error
}
