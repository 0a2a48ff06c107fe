// Package postgres implements the shared-pool repository. Slot accounting is
// done with single-statement conditional updates so concurrent signups can
// never oversubscribe an instance.
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

var _ provision.PoolRepository = (*poolStore)(nil)

type poolStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewPoolStore creates a provision.PoolRepository backed by PostgreSQL.
func NewPoolStore(pool *pgxpool.Pool, tracer trace.Tracer) provision.PoolRepository {
	return &poolStore{pool: pool, tracer: tracer}
}

// AcquireSlot finds a running instance with free capacity and increments its
// counter in one statement. FOR UPDATE SKIP LOCKED lets concurrent acquirers
// spread over instances instead of serializing on the fullest one.
func (s *poolStore) AcquireSlot(ctx context.Context) (*provision.SharedInstance, error) {
	var inst provision.SharedInstance
	err := storage.ExecuteAndTrace(ctx, s.tracer, "poolStore.AcquireSlot", nil,
		func(ctx context.Context) error {
			row := s.pool.QueryRow(ctx, `
				UPDATE shared_instances
				SET tenant_count = tenant_count + 1
				WHERE id = (
					SELECT id FROM shared_instances
					WHERE status = 'running' AND tenant_count < max_tenants
					ORDER BY tenant_count DESC, id
					LIMIT 1
					FOR UPDATE SKIP LOCKED
				)
				RETURNING id, instance_id, address, tenant_count, max_tenants, status, created_at`)
			err := row.Scan(&inst.ID, &inst.InstanceID, &inst.Address,
				&inst.TenantCount, &inst.MaxTenants, &inst.Status, &inst.CreatedAt)
			if errors.Is(err, pgx.ErrNoRows) {
				return provision.ErrNoPoolCapacity
			}
			return err
		})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// ReleaseSlot decrements the instance counter exactly once per tenant. The
// release marker insert and the decrement run in one transaction; a repeat
// call finds the marker and does nothing.
func (s *poolStore) ReleaseSlot(ctx context.Context, poolInstanceID int64, tenantSlug string) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "poolStore.ReleaseSlot", []attribute.KeyValue{
		attribute.Int64("pool_instance_id", poolInstanceID),
		attribute.String("tenant_slug", tenantSlug),
	}, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `
				INSERT INTO pool_releases (pool_instance_id, tenant_slug)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING`,
				poolInstanceID, tenantSlug)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				// Already released by an earlier attempt.
				return nil
			}
			_, err = tx.Exec(ctx, `
				UPDATE shared_instances
				SET tenant_count = tenant_count - 1
				WHERE id = $1 AND tenant_count > 0`,
				poolInstanceID)
			return err
		})
	})
}

func (s *poolStore) Create(ctx context.Context, inst *provision.SharedInstance) (int64, error) {
	var id int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "poolStore.Create", []attribute.KeyValue{
		attribute.String("instance_id", inst.InstanceID),
	}, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO shared_instances (instance_id, address, tenant_count, max_tenants, status)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			inst.InstanceID, inst.Address, inst.TenantCount, inst.MaxTenants, string(inst.Status))
		return row.Scan(&id)
	})
	return id, err
}

func (s *poolStore) FindByID(ctx context.Context, id int64) (*provision.SharedInstance, error) {
	var inst provision.SharedInstance
	err := storage.ExecuteAndTrace(ctx, s.tracer, "poolStore.FindByID", []attribute.KeyValue{
		attribute.Int64("pool_instance_id", id),
	}, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT id, instance_id, address, tenant_count, max_tenants, status, created_at
			FROM shared_instances WHERE id = $1`, id)
		err := row.Scan(&inst.ID, &inst.InstanceID, &inst.Address,
			&inst.TenantCount, &inst.MaxTenants, &inst.Status, &inst.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return provision.ErrAssignmentNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *poolStore) List(ctx context.Context) ([]*provision.SharedInstance, error) {
	var instances []*provision.SharedInstance
	err := storage.ExecuteAndTrace(ctx, s.tracer, "poolStore.List", nil,
		func(ctx context.Context) error {
			rows, err := s.pool.Query(ctx, `
				SELECT id, instance_id, address, tenant_count, max_tenants, status, created_at
				FROM shared_instances ORDER BY id`)
			if err != nil {
				return err
			}
			defer rows.Close()

			for rows.Next() {
				var inst provision.SharedInstance
				if err := rows.Scan(&inst.ID, &inst.InstanceID, &inst.Address,
					&inst.TenantCount, &inst.MaxTenants, &inst.Status, &inst.CreatedAt); err != nil {
					return err
				}
				instances = append(instances, &inst)
			}
			return rows.Err()
		})
	if err != nil {
		return nil, err
	}
	return instances, nil
}
