// Package provisioner owns compute, storage, network and email resource
// lifecycle for tenant stacks: shared-pool placement, dedicated instances,
// per-tenant buckets, DNS records and the platform sending identity.
package provisioner

import (
	"context"

	"github.com/petalhost/petalhost/internal/domain/provision"
)

// InstanceState is the lifecycle state a compute provider reports.
type InstanceState string

// Provider-reported instance states.
const (
	InstancePending    InstanceState = "pending"
	InstanceRunning    InstanceState = "running"
	InstanceTerminated InstanceState = "terminated"
)

// Instance is a compute provider's view of one machine.
type Instance struct {
	ID      string
	Address string
	State   InstanceState
}

// LaunchSpec describes the instance to create.
type LaunchSpec struct {
	Name string
	Size string
}

// ComputeProvider launches and inspects compute instances. Implementations
// wrap the platform's cloud; tests use the in-memory fake.
type ComputeProvider interface {
	Launch(ctx context.Context, spec LaunchSpec) (*Instance, error)
	Describe(ctx context.Context, id string) (*Instance, error)
	Terminate(ctx context.Context, id string) error
}

// StorageProvider manages per-tenant buckets. EnsureBucket creates the bucket
// with versioning enabled and access restricted to the platform identity;
// when the bucket already exists it returns a provision.Error tagged
// KindAlreadyExists, which callers treat as success.
type StorageProvider interface {
	EnsureBucket(ctx context.Context, name string) (*provision.StorageRef, error)
	DeleteBucket(ctx context.Context, name string) error
}

// DNSProvider manages the platform zone and per-tenant records.
type DNSProvider interface {
	// EnsureZone creates the platform's base zone if missing. Idempotent.
	EnsureZone(ctx context.Context, zone string) error
	// UpsertRecord points name at target, replacing any previous target.
	UpsertRecord(ctx context.Context, zone, name, target string) (*provision.DNSRef, error)
	// DeleteRecord removes a record. Missing records are not an error.
	DeleteRecord(ctx context.Context, zone, recordID string) error
}

// EmailProvider manages the platform's outbound sending identity. The
// identity is created once for the platform domain and reused by every
// tenant stack's mailer.
type EmailProvider interface {
	EnsureIdentity(ctx context.Context, domain string) (*provision.EmailIdentityRef, error)
}

// BackupProvider snapshots tenant data during migration.
type BackupProvider interface {
	Backup(ctx context.Context, instanceID, tenantSlug string) (backupID string, err error)
	Restore(ctx context.Context, backupID, targetInstanceID string) error
}

// StackMover lets the migrator redeploy a tenant's composition on its new
// compute and remove it from the old one without the provisioner depending
// on the full container stack service.
type StackMover interface {
	Redeploy(ctx context.Context, slug string, target *provision.ComputeAssignment) error
	Remove(ctx context.Context, slug string, source *provision.ComputeAssignment) error
}

// Locker provides short-lived exclusive locks for actions that must not run
// concurrently platform-wide: creating a new shared instance, migrating one
// tenant. Backed by Redis SET NX in production.
type Locker interface {
	// Acquire returns a release function when the lock was obtained, or
	// ok=false when another holder has it.
	Acquire(ctx context.Context, key string) (release func(), ok bool, err error)
}
