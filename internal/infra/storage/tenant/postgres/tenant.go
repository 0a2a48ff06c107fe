// Package postgres provides the PostgreSQL implementation of the tenant
// repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/petalhost/petalhost/internal/domain/tenant"
	"github.com/petalhost/petalhost/internal/infra/storage"
)

var _ tenant.Repository = (*tenantStore)(nil)

type tenantStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewTenantStore creates a tenant.Repository backed by PostgreSQL.
func NewTenantStore(pool *pgxpool.Pool, tracer trace.Tracer) tenant.Repository {
	return &tenantStore{pool: pool, tracer: tracer}
}

type featuresRow struct {
	CRM            bool `json:"crm"`
	FilePortal     bool `json:"file_portal"`
	Website        bool `json:"website"`
	Booking        bool `json:"booking"`
	EmailMarketing bool `json:"email_marketing"`
}

type brandingRow struct {
	DisplayName string `json:"display_name"`
	ThemeColor  string `json:"theme_color,omitempty"`
	LogoURL     string `json:"logo_url,omitempty"`
}

func (s *tenantStore) Create(ctx context.Context, t *tenant.Tenant) (int64, error) {
	var id int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "tenantStore.Create", []attribute.KeyValue{
		attribute.String("tenant_slug", t.Config.Slug),
	}, func(ctx context.Context) error {
		features, err := json.Marshal(featuresRow{
			CRM:            t.Config.Features.CRM,
			FilePortal:     t.Config.Features.FilePortal,
			Website:        t.Config.Features.Website,
			Booking:        t.Config.Features.Booking,
			EmailMarketing: t.Config.Features.EmailMarketing,
		})
		if err != nil {
			return fmt.Errorf("marshaling features: %w", err)
		}
		branding, err := json.Marshal(brandingRow{
			DisplayName: t.Config.Branding.DisplayName,
			ThemeColor:  t.Config.Branding.ThemeColor,
			LogoURL:     t.Config.Branding.LogoURL,
		})
		if err != nil {
			return fmt.Errorf("marshaling branding: %w", err)
		}

		row := s.pool.QueryRow(ctx, `
			INSERT INTO tenants (slug, contact_email, hostname_mode, custom_domain, features, branding, status)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
			RETURNING id`,
			t.Config.Slug, t.Config.ContactEmail, string(t.Config.HostnameMode),
			t.Config.CustomDomain, features, branding, string(t.Status),
		)
		if err := row.Scan(&id); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return tenant.ErrTenantAlreadyExists
			}
			return err
		}
		return nil
	})
	return id, err
}

func (s *tenantStore) Update(ctx context.Context, t *tenant.Tenant) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "tenantStore.Update", []attribute.KeyValue{
		attribute.String("tenant_slug", t.Config.Slug),
		attribute.String("status", string(t.Status)),
	}, func(ctx context.Context) error {
		branding, err := json.Marshal(brandingRow{
			DisplayName: t.Config.Branding.DisplayName,
			ThemeColor:  t.Config.Branding.ThemeColor,
			LogoURL:     t.Config.Branding.LogoURL,
		})
		if err != nil {
			return fmt.Errorf("marshaling branding: %w", err)
		}

		tag, err := s.pool.Exec(ctx, `
			UPDATE tenants
			SET status = $2, branding = $3, updated_at = now()
			WHERE slug = $1`,
			t.Config.Slug, string(t.Status), branding,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return tenant.ErrTenantNotFound
		}
		return nil
	})
}

func (s *tenantStore) FindBySlug(ctx context.Context, slug string) (*tenant.Tenant, error) {
	var t *tenant.Tenant
	err := storage.ExecuteAndTrace(ctx, s.tracer, "tenantStore.FindBySlug", []attribute.KeyValue{
		attribute.String("tenant_slug", slug),
	}, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT id, slug, contact_email, hostname_mode, COALESCE(custom_domain, ''),
			       features, branding, status, created_at, updated_at
			FROM tenants WHERE slug = $1`, slug)
		var err error
		t, err = scanTenant(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *tenantStore) List(ctx context.Context) ([]*tenant.Tenant, error) {
	var tenants []*tenant.Tenant
	err := storage.ExecuteAndTrace(ctx, s.tracer, "tenantStore.List", nil,
		func(ctx context.Context) error {
			rows, err := s.pool.Query(ctx, `
				SELECT id, slug, contact_email, hostname_mode, COALESCE(custom_domain, ''),
				       features, branding, status, created_at, updated_at
				FROM tenants ORDER BY created_at DESC`)
			if err != nil {
				return err
			}
			defer rows.Close()

			for rows.Next() {
				t, err := scanTenant(rows)
				if err != nil {
					return err
				}
				tenants = append(tenants, t)
			}
			return rows.Err()
		})
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

func scanTenant(row pgx.Row) (*tenant.Tenant, error) {
	var (
		t            tenant.Tenant
		hostnameMode string
		status       string
		features     featuresRow
		branding     brandingRow
	)
	err := row.Scan(
		&t.ID, &t.Config.Slug, &t.Config.ContactEmail, &hostnameMode,
		&t.Config.CustomDomain, &features, &branding, &status,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tenant.ErrTenantNotFound
		}
		return nil, err
	}
	t.Config.HostnameMode = tenant.HostnameMode(hostnameMode)
	t.Config.Features = tenant.FeatureSet{
		CRM:            features.CRM,
		FilePortal:     features.FilePortal,
		Website:        features.Website,
		Booking:        features.Booking,
		EmailMarketing: features.EmailMarketing,
	}
	t.Config.Branding = tenant.Branding{
		DisplayName: branding.DisplayName,
		ThemeColor:  branding.ThemeColor,
		LogoURL:     branding.LogoURL,
	}
	t.Status = tenant.Status(status)
	return &t, nil
}
