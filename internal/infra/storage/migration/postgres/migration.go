// Package postgres implements the migration plan repository. Step records
// are stored as JSONB so the whole plan persists atomically after each step.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/petalhost/petalhost/internal/domain/migration"
	"github.com/petalhost/petalhost/internal/infra/storage"
)

var _ migration.Repository = (*planStore)(nil)

type planStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewPlanStore creates a migration.Repository backed by PostgreSQL.
func NewPlanStore(pool *pgxpool.Pool, tracer trace.Tracer) migration.Repository {
	return &planStore{pool: pool, tracer: tracer}
}

func (s *planStore) Create(ctx context.Context, p *migration.Plan) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "planStore.Create", []attribute.KeyValue{
		attribute.String("tenant_slug", p.TenantSlug),
		attribute.String("plan_id", p.ID),
	}, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO migration_plans
				(id, tenant_slug, status, source_assignment_id, target_assignment_id, backup_id, steps, created_at, updated_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			p.ID, p.TenantSlug, string(p.Status), p.SourceAssignmentID,
			p.TargetAssignmentID, p.BackupID, p.Steps, p.CreatedAt, p.UpdatedAt, p.CompletedAt)
		return err
	})
}

func (s *planStore) Update(ctx context.Context, p *migration.Plan) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "planStore.Update", []attribute.KeyValue{
		attribute.String("plan_id", p.ID),
		attribute.String("status", string(p.Status)),
	}, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE migration_plans
			SET status = $2, target_assignment_id = $3, backup_id = $4,
			    steps = $5, updated_at = $6, completed_at = $7
			WHERE id = $1`,
			p.ID, string(p.Status), p.TargetAssignmentID, p.BackupID,
			p.Steps, p.UpdatedAt, p.CompletedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return migration.ErrPlanNotFound
		}
		return nil
	})
}

func (s *planStore) FindOpenBySlug(ctx context.Context, slug string) (*migration.Plan, error) {
	var p migration.Plan
	err := storage.ExecuteAndTrace(ctx, s.tracer, "planStore.FindOpenBySlug", []attribute.KeyValue{
		attribute.String("tenant_slug", slug),
	}, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT id, tenant_slug, status, source_assignment_id, target_assignment_id,
			       backup_id, steps, created_at, updated_at, completed_at
			FROM migration_plans
			WHERE tenant_slug = $1 AND status <> 'completed'`, slug)

		var status string
		err := row.Scan(&p.ID, &p.TenantSlug, &status, &p.SourceAssignmentID,
			&p.TargetAssignmentID, &p.BackupID, &p.Steps, &p.CreatedAt,
			&p.UpdatedAt, &p.CompletedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return migration.ErrPlanNotFound
		}
		if err != nil {
			return err
		}
		p.Status = migration.PlanStatus(status)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *planStore) Delete(ctx context.Context, id string) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "planStore.Delete", []attribute.KeyValue{
		attribute.String("plan_id", id),
	}, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `DELETE FROM migration_plans WHERE id = $1`, id)
		return err
	})
}
