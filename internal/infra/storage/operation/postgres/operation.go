// Package postgres implements the operation repository.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/petalhost/petalhost/internal/domain/operation"
	"github.com/petalhost/petalhost/internal/infra/storage"
)

var _ operation.Repository = (*operationStore)(nil)

type operationStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewOperationStore creates an operation.Repository backed by PostgreSQL.
func NewOperationStore(pool *pgxpool.Pool, tracer trace.Tracer) operation.Repository {
	return &operationStore{pool: pool, tracer: tracer}
}

func (s *operationStore) Create(ctx context.Context, op *operation.Operation) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "operationStore.Create", []attribute.KeyValue{
		attribute.String("operation_id", op.ID),
		attribute.String("operation_type", op.Type.String()),
	}, func(ctx context.Context) error {
		params := op.Parameters
		if params == nil {
			params = map[string]any{}
		}
		_, err := s.pool.Exec(ctx, `
			INSERT INTO operations (id, op_type, status, tenant_slug, parameters, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			op.ID, op.Type.String(), string(op.Status), op.TenantSlug, params, op.CreatedAt)
		return err
	})
}

func (s *operationStore) Update(ctx context.Context, op *operation.Operation) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "operationStore.Update", []attribute.KeyValue{
		attribute.String("operation_id", op.ID),
		attribute.String("status", string(op.Status)),
	}, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE operations
			SET status = $2, result = $3, error_message = $4,
			    started_at = $5, completed_at = $6, updated_at = $7
			WHERE id = $1`,
			op.ID, string(op.Status), op.Result, op.ErrorMessage,
			op.StartedAt, op.CompletedAt, op.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return operation.ErrOperationNotFound
		}
		return nil
	})
}

func (s *operationStore) FindByID(ctx context.Context, id string) (*operation.Operation, error) {
	var op *operation.Operation
	err := storage.ExecuteAndTrace(ctx, s.tracer, "operationStore.FindByID", []attribute.KeyValue{
		attribute.String("operation_id", id),
	}, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, selectOperation+` WHERE id = $1`, id)
		var err error
		op, err = scanOperation(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (s *operationStore) FindByTenant(ctx context.Context, slug string) ([]*operation.Operation, error) {
	return s.findMany(ctx, "operationStore.FindByTenant",
		selectOperation+` WHERE tenant_slug = $1 ORDER BY created_at DESC`, slug)
}

func (s *operationStore) FindIncomplete(ctx context.Context) ([]*operation.Operation, error) {
	return s.findMany(ctx, "operationStore.FindIncomplete",
		selectOperation+` WHERE status IN ('pending', 'in_progress') ORDER BY created_at`)
}

const selectOperation = `
	SELECT id, op_type, status, tenant_slug, parameters, result, error_message,
	       created_at, started_at, completed_at, updated_at
	FROM operations`

func (s *operationStore) findMany(ctx context.Context, spanName, query string, args ...any) ([]*operation.Operation, error) {
	var ops []*operation.Operation
	err := storage.ExecuteAndTrace(ctx, s.tracer, spanName, nil,
		func(ctx context.Context) error {
			rows, err := s.pool.Query(ctx, query, args...)
			if err != nil {
				return err
			}
			defer rows.Close()

			for rows.Next() {
				op, err := scanOperation(rows)
				if err != nil {
					return err
				}
				ops = append(ops, op)
			}
			return rows.Err()
		})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

func scanOperation(row pgx.Row) (*operation.Operation, error) {
	var (
		op     operation.Operation
		opType string
		status string
	)
	err := row.Scan(&op.ID, &opType, &status, &op.TenantSlug, &op.Parameters,
		&op.Result, &op.ErrorMessage, &op.CreatedAt, &op.StartedAt,
		&op.CompletedAt, &op.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, operation.ErrOperationNotFound
		}
		return nil, err
	}
	op.Type = operation.Op(opType)
	op.Status = operation.Status(status)
	return &op, nil
}
