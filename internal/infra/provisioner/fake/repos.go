package fake

import (
	"context"
	"sync"
	"time"

	"github.com/petalhost/petalhost/internal/domain/migration"
	"github.com/petalhost/petalhost/internal/domain/provision"
)

// PoolRepo is an in-memory provision.PoolRepository with the same atomicity
// guarantee as the SQL implementation: AcquireSlot never oversubscribes an
// instance under concurrent callers.
type PoolRepo struct {
	mu        sync.Mutex
	seq       int64
	instances map[int64]*provision.SharedInstance
	released  map[string]bool
}

var _ provision.PoolRepository = (*PoolRepo)(nil)

// NewPoolRepo creates an empty in-memory pool repository.
func NewPoolRepo() *PoolRepo {
	return &PoolRepo{
		instances: make(map[int64]*provision.SharedInstance),
		released:  make(map[string]bool),
	}
}

func (r *PoolRepo) AcquireSlot(_ context.Context) (*provision.SharedInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		if inst.HasCapacity() {
			inst.TenantCount++
			cp := *inst
			return &cp, nil
		}
	}
	return nil, provision.ErrNoPoolCapacity
}

func (r *PoolRepo) ReleaseSlot(_ context.Context, poolInstanceID int64, tenantSlug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tenantSlug
	if r.released[key] {
		return nil
	}
	inst, ok := r.instances[poolInstanceID]
	if !ok {
		return provision.ErrAssignmentNotFound
	}
	if inst.TenantCount > 0 {
		inst.TenantCount--
	}
	r.released[key] = true
	return nil
}

func (r *PoolRepo) Create(_ context.Context, inst *provision.SharedInstance) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	cp := *inst
	cp.ID = r.seq
	cp.CreatedAt = time.Now()
	r.instances[cp.ID] = &cp
	return cp.ID, nil
}

func (r *PoolRepo) FindByID(_ context.Context, id int64) (*provision.SharedInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, provision.ErrAssignmentNotFound
	}
	cp := *inst
	return &cp, nil
}

func (r *PoolRepo) List(_ context.Context) ([]*provision.SharedInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*provision.SharedInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out, nil
}

// AssignmentRepo is an in-memory provision.AssignmentRepository.
type AssignmentRepo struct {
	mu   sync.Mutex
	seq  int64
	rows map[int64]*provision.ComputeAssignment
}

var _ provision.AssignmentRepository = (*AssignmentRepo)(nil)

// NewAssignmentRepo creates an empty in-memory assignment repository.
func NewAssignmentRepo() *AssignmentRepo {
	return &AssignmentRepo{rows: make(map[int64]*provision.ComputeAssignment)}
}

func (r *AssignmentRepo) Create(_ context.Context, a *provision.ComputeAssignment) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	cp := *a
	cp.ID = r.seq
	cp.CreatedAt = time.Now()
	r.rows[cp.ID] = &cp
	return cp.ID, nil
}

func (r *AssignmentRepo) FindByID(_ context.Context, id int64) (*provision.ComputeAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return nil, provision.ErrAssignmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *AssignmentRepo) FindActiveBySlug(_ context.Context, slug string) (*provision.ComputeAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var newest *provision.ComputeAssignment
	for _, a := range r.rows {
		if a.TenantSlug != slug || a.ReleasedAt != nil {
			continue
		}
		if newest == nil || a.ID > newest.ID {
			newest = a
		}
	}
	if newest == nil {
		return nil, provision.ErrAssignmentNotFound
	}
	cp := *newest
	return &cp, nil
}

func (r *AssignmentRepo) Release(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return provision.ErrAssignmentNotFound
	}
	if a.ReleasedAt == nil {
		now := time.Now()
		a.ReleasedAt = &now
	}
	return nil
}

// ResultRepo is an in-memory provision.ResultRepository.
type ResultRepo struct {
	mu   sync.Mutex
	seq  int64
	rows []*provision.Result
}

var _ provision.ResultRepository = (*ResultRepo)(nil)

// NewResultRepo creates an empty in-memory result repository.
func NewResultRepo() *ResultRepo { return &ResultRepo{} }

func (r *ResultRepo) Create(_ context.Context, res *provision.Result) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	cp := *res
	cp.ID = r.seq
	cp.CreatedAt = time.Now()
	r.rows = append(r.rows, &cp)
	return cp.ID, nil
}

func (r *ResultRepo) FindLatestBySlug(_ context.Context, slug string) (*provision.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *provision.Result
	for _, res := range r.rows {
		if res.TenantSlug != slug || res.SupersededAt != nil {
			continue
		}
		if latest == nil || res.ID > latest.ID {
			latest = res
		}
	}
	if latest == nil {
		return nil, provision.ErrResultNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *ResultRepo) Supersede(_ context.Context, slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, res := range r.rows {
		if res.TenantSlug == slug && res.SupersededAt == nil {
			res.SupersededAt = &now
		}
	}
	return nil
}

// PlanRepo is an in-memory migration.Repository.
type PlanRepo struct {
	mu   sync.Mutex
	rows map[string]*migration.Plan
}

var _ migration.Repository = (*PlanRepo)(nil)

// NewPlanRepo creates an empty in-memory plan repository.
func NewPlanRepo() *PlanRepo {
	return &PlanRepo{rows: make(map[string]*migration.Plan)}
}

func (r *PlanRepo) Create(_ context.Context, p *migration.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := clonePlan(p)
	r.rows[p.ID] = cp
	return nil
}

func (r *PlanRepo) Update(_ context.Context, p *migration.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[p.ID]; !ok {
		return migration.ErrPlanNotFound
	}
	r.rows[p.ID] = clonePlan(p)
	return nil
}

func (r *PlanRepo) FindOpenBySlug(_ context.Context, slug string) (*migration.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.rows {
		if p.TenantSlug == slug && p.Status != migration.PlanCompleted {
			return clonePlan(p), nil
		}
	}
	return nil, migration.ErrPlanNotFound
}

func (r *PlanRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func clonePlan(p *migration.Plan) *migration.Plan {
	cp := *p
	cp.Steps = make([]migration.StepRecord, len(p.Steps))
	copy(cp.Steps, p.Steps)
	return &cp
}
