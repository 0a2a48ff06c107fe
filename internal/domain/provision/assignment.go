package provision

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrAssignmentNotFound = errors.New("compute assignment not found")
	ErrPoolInstanceFull   = errors.New("shared instance at capacity")
	ErrNoPoolCapacity     = errors.New("no shared instance with free capacity")
)

// Tier selects the compute placement for a tenant stack.
type Tier string

// Predefined compute tiers.
const (
	// TierShared packs trial tenants onto pooled instances.
	TierShared Tier = "shared"
	// TierDedicated gives paying tenants their own instance.
	TierDedicated Tier = "dedicated"
)

// InstanceStatus tracks a pool instance through its lifetime.
type InstanceStatus string

// Predefined shared instance statuses.
const (
	InstanceStarting InstanceStatus = "starting"
	InstanceRunning  InstanceStatus = "running"
	InstanceDraining InstanceStatus = "draining"
	InstanceRetired  InstanceStatus = "retired"
)

// SharedInstance is one pooled compute instance hosting up to MaxTenants
// tenant stacks. TenantCount is the concurrency-sensitive counter; it is only
// ever moved through the repository's atomic acquire/release operations.
type SharedInstance struct {
	ID          int64
	InstanceID  string
	Address     string
	TenantCount int
	MaxTenants  int
	Status      InstanceStatus
	CreatedAt   time.Time
}

// HasCapacity reports whether another tenant fits on this instance.
func (s *SharedInstance) HasCapacity() bool {
	return s.Status == InstanceRunning && s.TenantCount < s.MaxTenants
}

// ComputeAssignment records where a tenant's stack runs. A shared assignment
// references its pool instance; a dedicated assignment's instance serves
// exactly one tenant for its lifetime.
type ComputeAssignment struct {
	ID         int64
	TenantSlug string
	Tier       Tier
	InstanceID string
	Address    string

	// PoolInstanceID is set only for shared assignments.
	PoolInstanceID *int64
	// TenantCount is the pool instance's count observed when the slot was
	// acquired. Informational; the authoritative counter lives in the pool.
	TenantCount int

	CreatedAt  time.Time
	ReleasedAt *time.Time
}

// IsShared reports whether the assignment lives on pooled compute.
func (a *ComputeAssignment) IsShared() bool { return a.Tier == TierShared }

// StorageRef identifies the tenant's versioned storage bucket.
type StorageRef struct {
	Bucket string
	Region string
}

// DNSRef identifies the record mapping the tenant hostname to its compute.
type DNSRef struct {
	Zone     string
	Name     string
	Target   string
	RecordID string
}

// EmailIdentityRef identifies the platform's outbound sending identity.
// Created once for the platform domain and reused across tenants.
type EmailIdentityRef struct {
	Domain     string
	IdentityID string
}

// Resources bundles everything ResourceProvisioner acquires for one tenant.
type Resources struct {
	Assignment ComputeAssignment
	Storage    StorageRef
	DNS        DNSRef
	Email      EmailIdentityRef
}
