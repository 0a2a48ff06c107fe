package fake

import (
	"context"
	"sync"

	"github.com/petalhost/petalhost/internal/domain/operation"
	"github.com/petalhost/petalhost/internal/domain/tenant"
	"github.com/petalhost/petalhost/internal/domain/trial"
)

// TenantRepo is an in-memory tenant.Repository.
type TenantRepo struct {
	mu   sync.Mutex
	seq  int64
	rows map[string]*tenant.Tenant
}

var _ tenant.Repository = (*TenantRepo)(nil)

// NewTenantRepo creates an empty in-memory tenant repository.
func NewTenantRepo() *TenantRepo {
	return &TenantRepo{rows: make(map[string]*tenant.Tenant)}
}

func (r *TenantRepo) Create(_ context.Context, t *tenant.Tenant) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[t.Config.Slug]; ok {
		return 0, tenant.ErrTenantAlreadyExists
	}
	r.seq++
	cp := *t
	cp.ID = r.seq
	r.rows[t.Config.Slug] = &cp
	return cp.ID, nil
}

func (r *TenantRepo) Update(_ context.Context, t *tenant.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[t.Config.Slug]; !ok {
		return tenant.ErrTenantNotFound
	}
	cp := *t
	r.rows[t.Config.Slug] = &cp
	return nil
}

func (r *TenantRepo) FindBySlug(_ context.Context, slug string) (*tenant.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.rows[slug]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *TenantRepo) List(_ context.Context) ([]*tenant.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*tenant.Tenant, 0, len(r.rows))
	for _, t := range r.rows {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// OperationRepo is an in-memory operation.Repository.
type OperationRepo struct {
	mu   sync.Mutex
	rows map[string]*operation.Operation
}

var _ operation.Repository = (*OperationRepo)(nil)

// NewOperationRepo creates an empty in-memory operation repository.
func NewOperationRepo() *OperationRepo {
	return &OperationRepo{rows: make(map[string]*operation.Operation)}
}

func (r *OperationRepo) Create(_ context.Context, op *operation.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *op
	r.rows[op.ID] = &cp
	return nil
}

func (r *OperationRepo) Update(_ context.Context, op *operation.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *op
	r.rows[op.ID] = &cp
	return nil
}

func (r *OperationRepo) FindByID(_ context.Context, id string) (*operation.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.rows[id]
	if !ok {
		return nil, operation.ErrOperationNotFound
	}
	cp := *op
	return &cp, nil
}

func (r *OperationRepo) FindByTenant(_ context.Context, slug string) ([]*operation.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*operation.Operation
	for _, op := range r.rows {
		if op.TenantSlug == slug {
			cp := *op
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *OperationRepo) FindIncomplete(_ context.Context) ([]*operation.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*operation.Operation
	for _, op := range r.rows {
		if !op.IsTerminal() {
			cp := *op
			out = append(out, &cp)
		}
	}
	return out, nil
}

// TrialRepo is an in-memory trial.Repository enforcing the same paid gate as
// the SQL implementation.
type TrialRepo struct {
	mu   sync.Mutex
	rows map[string]*trial.State
}

var _ trial.Repository = (*TrialRepo)(nil)

// NewTrialRepo creates an empty in-memory trial state repository.
func NewTrialRepo() *TrialRepo {
	return &TrialRepo{rows: make(map[string]*trial.State)}
}

func (r *TrialRepo) Create(_ context.Context, s *trial.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[s.TenantSlug]; ok {
		return trial.ErrStateAlreadyExists
	}
	cp := *s
	r.rows[s.TenantSlug] = &cp
	return nil
}

func (r *TrialRepo) Update(_ context.Context, s *trial.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.rows[s.TenantSlug]
	if !ok {
		return trial.ErrStateNotFound
	}
	// paid never reverts, even when the caller read a stale row.
	if stored.Status == trial.StatusPaid && s.Status != trial.StatusPaid {
		return nil
	}
	cp := *s
	cp.MigrationRequired = stored.MigrationRequired
	r.rows[s.TenantSlug] = &cp
	return nil
}

func (r *TrialRepo) FindBySlug(_ context.Context, slug string) (*trial.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[slug]
	if !ok {
		return nil, trial.ErrStateNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *TrialRepo) ListSweepable(_ context.Context) ([]*trial.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*trial.State
	for _, s := range r.rows {
		if s.Status == trial.StatusTrial || s.Status == trial.StatusGrace {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *TrialRepo) SetMigrationRequired(_ context.Context, slug string, required bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[slug]
	if !ok {
		return trial.ErrStateNotFound
	}
	s.MigrationRequired = required
	return nil
}
