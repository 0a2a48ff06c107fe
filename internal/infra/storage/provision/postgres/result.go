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

var _ provision.ResultRepository = (*resultStore)(nil)

type resultStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewResultStore creates a provision.ResultRepository backed by PostgreSQL.
func NewResultStore(pool *pgxpool.Pool, tracer trace.Tracer) provision.ResultRepository {
	return &resultStore{pool: pool, tracer: tracer}
}

func (s *resultStore) Create(ctx context.Context, r *provision.Result) (int64, error) {
	var id int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "resultStore.Create", []attribute.KeyValue{
		attribute.String("tenant_slug", r.TenantSlug),
		attribute.String("status", string(r.Status)),
	}, func(ctx context.Context) error {
		var failureKind *string
		if r.FailureKind != nil {
			k := string(*r.FailureKind)
			failureKind = &k
		}
		urls := r.ServiceURLs
		if urls == nil {
			urls = map[string]string{}
		}
		row := s.pool.QueryRow(ctx, `
			INSERT INTO provisioning_results
				(tenant_slug, status, hostname, assignment_id, tier, bucket,
				 dns_record_id, service_urls, admin_username, admin_password_hash, failure_kind)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id`,
			r.TenantSlug, string(r.Status), r.Hostname, r.AssignmentID, string(r.Tier),
			r.Bucket, r.DNSRecordID, urls, r.AdminUsername, r.AdminPasswordHash, failureKind)
		return row.Scan(&id)
	})
	return id, err
}

func (s *resultStore) FindLatestBySlug(ctx context.Context, slug string) (*provision.Result, error) {
	var r provision.Result
	err := storage.ExecuteAndTrace(ctx, s.tracer, "resultStore.FindLatestBySlug", []attribute.KeyValue{
		attribute.String("tenant_slug", slug),
	}, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT id, tenant_slug, status, hostname, assignment_id, tier, bucket,
			       dns_record_id, service_urls, admin_username, admin_password_hash,
			       failure_kind, created_at, superseded_at
			FROM provisioning_results
			WHERE tenant_slug = $1 AND superseded_at IS NULL
			ORDER BY id DESC
			LIMIT 1`, slug)

		var status, tier string
		var failureKind *string
		err := row.Scan(&r.ID, &r.TenantSlug, &status, &r.Hostname, &r.AssignmentID,
			&tier, &r.Bucket, &r.DNSRecordID, &r.ServiceURLs, &r.AdminUsername,
			&r.AdminPasswordHash, &failureKind, &r.CreatedAt, &r.SupersededAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return provision.ErrResultNotFound
		}
		if err != nil {
			return err
		}
		r.Status = provision.ResultStatus(status)
		r.Tier = provision.Tier(tier)
		if failureKind != nil {
			k := provision.Kind(*failureKind)
			r.FailureKind = &k
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *resultStore) Supersede(ctx context.Context, slug string) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "resultStore.Supersede", []attribute.KeyValue{
		attribute.String("tenant_slug", slug),
	}, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE provisioning_results
			SET superseded_at = now()
			WHERE tenant_slug = $1 AND superseded_at IS NULL`, slug)
		return err
	})
}
