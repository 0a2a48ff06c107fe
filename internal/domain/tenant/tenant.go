package tenant

import (
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrTenantAlreadyExists = errors.New("tenant already exists")
)

// HostnameMode selects how a tenant's public hostname is resolved.
type HostnameMode string

// Predefined hostname modes.
const (
	// HostnameManaged derives a subdomain of the platform base domain
	// from the tenant slug, e.g. acme01.petalhost.app.
	HostnameManaged HostnameMode = "managed_subdomain"
	// HostnameCustomDomain uses a domain the customer owns.
	HostnameCustomDomain HostnameMode = "custom_domain"
)

// Feature identifies one of the services in a tenant stack.
type Feature string

// Features a tenant stack may carry.
const (
	FeatureCRM            Feature = "crm"
	FeatureFilePortal     Feature = "file_portal"
	FeatureWebsite        Feature = "website"
	FeatureBooking        Feature = "booking"
	FeatureEmailMarketing Feature = "email_marketing"
)

// FeatureSet records which services are enabled for a tenant.
type FeatureSet struct {
	CRM            bool
	FilePortal     bool
	Website        bool
	Booking        bool
	EmailMarketing bool
}

// Enabled reports whether the given feature is on.
func (f FeatureSet) Enabled(feature Feature) bool {
	switch feature {
	case FeatureCRM:
		return f.CRM
	case FeatureFilePortal:
		return f.FilePortal
	case FeatureWebsite:
		return f.Website
	case FeatureBooking:
		return f.Booking
	case FeatureEmailMarketing:
		return f.EmailMarketing
	default:
		return false
	}
}

// Branding carries the customer-supplied presentation fields seeded into the
// stack's applications after deployment.
type Branding struct {
	DisplayName string
	ThemeColor  string
	LogoURL     string
}

// Status represents the tenant's current infrastructure status.
type Status string

// Predefined tenant statuses.
const (
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusSuspended    Status = "suspended"
	StatusMigrating    Status = "migrating"
	StatusFailed       Status = "failed"
)

// Config is the validated, immutable input to the provisioning pipeline.
// The Slug is the primary key for every downstream resource name and must
// never change once resources have been created.
type Config struct {
	Slug         string
	ContactEmail string
	HostnameMode HostnameMode
	CustomDomain string
	Features     FeatureSet
	Branding     Branding
}

// Hostname resolves the tenant's public hostname against the platform base
// domain. For managed mode the slug becomes a subdomain.
func (c Config) Hostname(baseDomain string) string {
	if c.HostnameMode == HostnameCustomDomain {
		return c.CustomDomain
	}
	return fmt.Sprintf("%s.%s", c.Slug, baseDomain)
}

// Tenant is the persisted aggregate tying a validated config to its
// infrastructure status.
type Tenant struct {
	ID        int64
	Config    Config
	Status    Status
	CreatedAt time.Time
	UpdatedAt *time.Time
}

// New creates a tenant in the provisioning state.
func New(cfg Config) *Tenant {
	return &Tenant{
		Config:    cfg,
		Status:    StatusProvisioning,
		CreatedAt: time.Now(),
	}
}

// Activate marks the tenant as active.
func (t *Tenant) Activate() {
	t.Status = StatusActive
	now := time.Now()
	t.UpdatedAt = &now
}

// Suspend marks the tenant as suspended.
func (t *Tenant) Suspend() {
	t.Status = StatusSuspended
	now := time.Now()
	t.UpdatedAt = &now
}

// MarkMigrating flags the tenant while its stack moves to dedicated compute.
func (t *Tenant) MarkMigrating() {
	t.Status = StatusMigrating
	now := time.Now()
	t.UpdatedAt = &now
}

// MarkFailed records that the last provisioning run did not complete.
func (t *Tenant) MarkFailed() {
	t.Status = StatusFailed
	now := time.Now()
	t.UpdatedAt = &now
}

// IsActive checks if the tenant is active.
func (t *Tenant) IsActive() bool { return t.Status == StatusActive }
