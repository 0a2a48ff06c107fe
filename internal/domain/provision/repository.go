package provision

import "context"

// PoolRepository owns the shared-pool capacity counters. Implementations must
// make AcquireSlot atomic with respect to concurrent callers: two requests
// observing count = max-1 must never both succeed against the same instance.
type PoolRepository interface {
	// AcquireSlot atomically finds a running instance with free capacity and
	// increments its counter, returning the updated instance. Returns
	// ErrNoPoolCapacity when every running instance is full.
	AcquireSlot(ctx context.Context) (*SharedInstance, error)

	// ReleaseSlot decrements the counter for the given pool instance on
	// behalf of the released tenant. Idempotent per tenant so a retried
	// decommission step never double-decrements.
	ReleaseSlot(ctx context.Context, poolInstanceID int64, tenantSlug string) error

	// Create registers a freshly launched shared instance with its initial
	// tenant count.
	Create(ctx context.Context, inst *SharedInstance) (int64, error)

	// FindByID retrieves a pool instance.
	FindByID(ctx context.Context, id int64) (*SharedInstance, error)

	// List returns all pool instances.
	List(ctx context.Context) ([]*SharedInstance, error)
}

// AssignmentRepository persists compute assignments.
type AssignmentRepository interface {
	// Create persists a new assignment and returns its ID.
	Create(ctx context.Context, a *ComputeAssignment) (int64, error)

	// FindByID retrieves an assignment, released or not.
	FindByID(ctx context.Context, id int64) (*ComputeAssignment, error)

	// FindActiveBySlug returns the tenant's newest unreleased assignment.
	// Returns ErrAssignmentNotFound when the tenant has none.
	FindActiveBySlug(ctx context.Context, slug string) (*ComputeAssignment, error)

	// Release marks an assignment as released. Idempotent.
	Release(ctx context.Context, id int64) error
}

// ResultRepository persists pipeline run outcomes.
type ResultRepository interface {
	// Create persists a result and returns its ID.
	Create(ctx context.Context, r *Result) (int64, error)

	// FindLatestBySlug returns the most recent, non-superseded result for a
	// tenant. Returns ErrResultNotFound when the tenant has none.
	FindLatestBySlug(ctx context.Context, slug string) (*Result, error)

	// Supersede marks the tenant's current result as replaced by a newer run.
	Supersede(ctx context.Context, slug string) error
}
