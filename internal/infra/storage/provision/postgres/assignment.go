// Package postgres implements the compute assignment and provisioning result
// repositories.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/petalhost/petalhost/internal/domain/provision"
	"github.com/petalhost/petalhost/internal/infra/storage"
)

var _ provision.AssignmentRepository = (*assignmentStore)(nil)

type assignmentStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewAssignmentStore creates a provision.AssignmentRepository backed by
// PostgreSQL.
func NewAssignmentStore(pool *pgxpool.Pool, tracer trace.Tracer) provision.AssignmentRepository {
	return &assignmentStore{pool: pool, tracer: tracer}
}

func (s *assignmentStore) Create(ctx context.Context, a *provision.ComputeAssignment) (int64, error) {
	var id int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "assignmentStore.Create", []attribute.KeyValue{
		attribute.String("tenant_slug", a.TenantSlug),
		attribute.String("tier", string(a.Tier)),
	}, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO compute_assignments (tenant_slug, tier, instance_id, address, pool_instance_id, tenant_count)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			a.TenantSlug, string(a.Tier), a.InstanceID, a.Address, a.PoolInstanceID, a.TenantCount)
		return row.Scan(&id)
	})
	return id, err
}

func (s *assignmentStore) FindByID(ctx context.Context, id int64) (*provision.ComputeAssignment, error) {
	var a provision.ComputeAssignment
	err := storage.ExecuteAndTrace(ctx, s.tracer, "assignmentStore.FindByID", []attribute.KeyValue{
		attribute.Int64("assignment_id", id),
	}, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT id, tenant_slug, tier, instance_id, address, pool_instance_id, tenant_count, created_at, released_at
			FROM compute_assignments WHERE id = $1`, id)
		err := scanAssignment(row, &a)
		if errors.Is(err, pgx.ErrNoRows) {
			return provision.ErrAssignmentNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *assignmentStore) FindActiveBySlug(ctx context.Context, slug string) (*provision.ComputeAssignment, error) {
	var a provision.ComputeAssignment
	err := storage.ExecuteAndTrace(ctx, s.tracer, "assignmentStore.FindActiveBySlug", []attribute.KeyValue{
		attribute.String("tenant_slug", slug),
	}, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT id, tenant_slug, tier, instance_id, address, pool_instance_id, tenant_count, created_at, released_at
			FROM compute_assignments
			WHERE tenant_slug = $1 AND released_at IS NULL
			ORDER BY id DESC
			LIMIT 1`, slug)
		err := scanAssignment(row, &a)
		if errors.Is(err, pgx.ErrNoRows) {
			return provision.ErrAssignmentNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *assignmentStore) Release(ctx context.Context, id int64) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "assignmentStore.Release", []attribute.KeyValue{
		attribute.Int64("assignment_id", id),
	}, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE compute_assignments
			SET released_at = now()
			WHERE id = $1 AND released_at IS NULL`, id)
		return err
	})
}

func scanAssignment(row pgx.Row, a *provision.ComputeAssignment) error {
	var tier string
	err := row.Scan(&a.ID, &a.TenantSlug, &tier, &a.InstanceID, &a.Address,
		&a.PoolInstanceID, &a.TenantCount, &a.CreatedAt, &a.ReleasedAt)
	if err != nil {
		return err
	}
	a.Tier = provision.Tier(tier)
	return nil
}
