// Package postgres implements the trial state repository.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/petalhost/petalhost/internal/domain/trial"
	"github.com/petalhost/petalhost/internal/infra/storage"
)

var _ trial.Repository = (*trialStore)(nil)

type trialStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewTrialStore creates a trial.Repository backed by PostgreSQL.
func NewTrialStore(pool *pgxpool.Pool, tracer trace.Tracer) trial.Repository {
	return &trialStore{pool: pool, tracer: tracer}
}

func (s *trialStore) Create(ctx context.Context, st *trial.State) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "trialStore.Create", []attribute.KeyValue{
		attribute.String("tenant_slug", st.TenantSlug),
	}, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO trial_states (tenant_slug, status, trial_start, trial_end, grace_end, plan_id, migration_required, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			st.TenantSlug, string(st.Status), st.TrialStart, st.TrialEnd, st.GraceEnd,
			st.PlanID, st.MigrationRequired, st.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return trial.ErrStateAlreadyExists
			}
			return err
		}
		return nil
	})
}

// Update persists a transition. The WHERE clause carries the paid gate: a row
// already marked paid only accepts updates that keep it paid, so a sweep
// racing a conversion loses at the storage layer too.
func (s *trialStore) Update(ctx context.Context, st *trial.State) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "trialStore.Update", []attribute.KeyValue{
		attribute.String("tenant_slug", st.TenantSlug),
		attribute.String("status", string(st.Status)),
	}, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE trial_states
			SET status = $2, plan_id = $3, migration_required = $4, updated_at = $5
			WHERE tenant_slug = $1
			  AND NOT (status = 'paid' AND $2 <> 'paid')`,
			st.TenantSlug, string(st.Status), st.PlanID, st.MigrationRequired, st.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			// Either the row is missing or the paid gate rejected a demotion.
			// Distinguish so callers can treat the demotion as a silent no-op.
			var exists bool
			if err := s.pool.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM trial_states WHERE tenant_slug = $1)`,
				st.TenantSlug).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return trial.ErrStateNotFound
			}
		}
		return nil
	})
}

func (s *trialStore) FindBySlug(ctx context.Context, slug string) (*trial.State, error) {
	var st trial.State
	err := storage.ExecuteAndTrace(ctx, s.tracer, "trialStore.FindBySlug", []attribute.KeyValue{
		attribute.String("tenant_slug", slug),
	}, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT tenant_slug, status, trial_start, trial_end, grace_end, plan_id, migration_required, updated_at
			FROM trial_states WHERE tenant_slug = $1`, slug)
		err := scanState(row, &st)
		if errors.Is(err, pgx.ErrNoRows) {
			return trial.ErrStateNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *trialStore) ListSweepable(ctx context.Context) ([]*trial.State, error) {
	var states []*trial.State
	err := storage.ExecuteAndTrace(ctx, s.tracer, "trialStore.ListSweepable", nil,
		func(ctx context.Context) error {
			rows, err := s.pool.Query(ctx, `
				SELECT tenant_slug, status, trial_start, trial_end, grace_end, plan_id, migration_required, updated_at
				FROM trial_states
				WHERE status IN ('trial', 'grace')
				ORDER BY trial_end`)
			if err != nil {
				return err
			}
			defer rows.Close()

			for rows.Next() {
				var st trial.State
				if err := scanState(rows, &st); err != nil {
					return err
				}
				states = append(states, &st)
			}
			return rows.Err()
		})
	if err != nil {
		return nil, err
	}
	return states, nil
}

func (s *trialStore) SetMigrationRequired(ctx context.Context, slug string, required bool) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "trialStore.SetMigrationRequired", []attribute.KeyValue{
		attribute.String("tenant_slug", slug),
		attribute.Bool("required", required),
	}, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE trial_states
			SET migration_required = $2, updated_at = now()
			WHERE tenant_slug = $1`, slug, required)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return trial.ErrStateNotFound
		}
		return nil
	})
}

func scanState(row pgx.Row, st *trial.State) error {
	var status string
	err := row.Scan(&st.TenantSlug, &status, &st.TrialStart, &st.TrialEnd,
		&st.GraceEnd, &st.PlanID, &st.MigrationRequired, &st.UpdatedAt)
	if err != nil {
		return err
	}
	st.Status = trial.Status(status)
	return nil
}
