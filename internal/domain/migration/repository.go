package migration

import "context"

// Repository persists migration plans so an interrupted migration resumes
// from its last completed step rather than restarting.
type Repository interface {
	// Create persists a new plan.
	Create(ctx context.Context, p *Plan) error

	// Update persists step completion markers and status changes.
	Update(ctx context.Context, p *Plan) error

	// FindOpenBySlug returns the tenant's unfinished plan, if any.
	// Returns ErrPlanNotFound when there is none.
	FindOpenBySlug(ctx context.Context, slug string) (*Plan, error)

	// Delete discards a plan once it has completed or been resolved by an
	// operator.
	Delete(ctx context.Context, id string) error
}
