// Package fake provides in-memory provider implementations for tests.
// Behavior knobs (failures, readiness delays) are plain exported fields set
// before use; the fakes are safe for concurrent calls.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/petalhost/petalhost/internal/domain/provision"
	"github.com/petalhost/petalhost/internal/infra/provisioner"
)

// Compute is an in-memory ComputeProvider. Instances become running after
// ReadyAfterPolls Describe calls (zero means immediately).
type Compute struct {
	mu        sync.Mutex
	seq       int
	instances map[string]*provisioner.Instance
	polls     map[string]int

	ReadyAfterPolls int
	LaunchErr       error
	// NeverReady keeps every instance pending so readiness waits time out.
	NeverReady bool
}

// NewCompute creates an empty fake compute provider.
func NewCompute() *Compute {
	return &Compute{
		instances: make(map[string]*provisioner.Instance),
		polls:     make(map[string]int),
	}
}

func (c *Compute) Launch(_ context.Context, spec provisioner.LaunchSpec) (*provisioner.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LaunchErr != nil {
		return nil, c.LaunchErr
	}
	c.seq++
	inst := &provisioner.Instance{
		ID:    fmt.Sprintf("i-%s-%04d", spec.Name, c.seq),
		State: provisioner.InstancePending,
	}
	c.instances[inst.ID] = inst
	return &provisioner.Instance{ID: inst.ID, State: inst.State}, nil
}

func (c *Compute) Describe(_ context.Context, id string) (*provisioner.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[id]
	if !ok {
		return nil, fmt.Errorf("no such instance: %s", id)
	}
	if inst.State == provisioner.InstancePending && !c.NeverReady {
		c.polls[id]++
		if c.polls[id] > c.ReadyAfterPolls {
			inst.State = provisioner.InstanceRunning
			inst.Address = "10.0.0." + id[len(id)-1:]
		}
	}
	cp := *inst
	return &cp, nil
}

func (c *Compute) Terminate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[id]
	if !ok {
		return fmt.Errorf("no such instance: %s", id)
	}
	inst.State = provisioner.InstanceTerminated
	return nil
}

// Launched returns how many instances were ever launched.
func (c *Compute) Launched() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Terminated reports whether the instance was terminated.
func (c *Compute) Terminated(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[id]
	return ok && inst.State == provisioner.InstanceTerminated
}

// Storage is an in-memory StorageProvider.
type Storage struct {
	mu      sync.Mutex
	buckets map[string]bool

	EnsureErr error
}

// NewStorage creates an empty fake storage provider.
func NewStorage() *Storage {
	return &Storage{buckets: make(map[string]bool)}
}

func (s *Storage) EnsureBucket(_ context.Context, name string) (*provision.StorageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EnsureErr != nil {
		return nil, s.EnsureErr
	}
	if s.buckets[name] {
		return nil, provision.NewError(provision.KindAlreadyExists, "storage.ensure",
			errors.New("bucket exists"))
	}
	s.buckets[name] = true
	return &provision.StorageRef{Bucket: name, Region: "eu-central"}, nil
}

func (s *Storage) DeleteBucket(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, name)
	return nil
}

// Has reports whether a bucket exists.
func (s *Storage) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[name]
}

// DNS is an in-memory DNSProvider keyed by record name.
type DNS struct {
	mu      sync.Mutex
	seq     int
	zones   map[string]bool
	records map[string]*provision.DNSRef

	UpsertErr error
}

// NewDNS creates an empty fake DNS provider.
func NewDNS() *DNS {
	return &DNS{zones: make(map[string]bool), records: make(map[string]*provision.DNSRef)}
}

func (d *DNS) EnsureZone(_ context.Context, zone string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.zones[zone] = true
	return nil
}

func (d *DNS) UpsertRecord(_ context.Context, zone, name, target string) (*provision.DNSRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.UpsertErr != nil {
		return nil, d.UpsertErr
	}
	ref, ok := d.records[name]
	if !ok {
		d.seq++
		ref = &provision.DNSRef{Zone: zone, Name: name, RecordID: fmt.Sprintf("rec-%04d", d.seq)}
		d.records[name] = ref
	}
	ref.Target = target
	cp := *ref
	return &cp, nil
}

func (d *DNS) DeleteRecord(_ context.Context, _ string, recordID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, ref := range d.records {
		if ref.RecordID == recordID {
			delete(d.records, name)
			return nil
		}
	}
	return nil
}

// Target returns the current target of a record name, empty when absent.
func (d *DNS) Target(name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ref, ok := d.records[name]; ok {
		return ref.Target
	}
	return ""
}

// Email is an in-memory EmailProvider.
type Email struct {
	mu         sync.Mutex
	identities map[string]string
}

// NewEmail creates an empty fake email provider.
func NewEmail() *Email {
	return &Email{identities: make(map[string]string)}
}

func (e *Email) EnsureIdentity(_ context.Context, domain string) (*provision.EmailIdentityRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.identities[domain]
	if !ok {
		id = "ident-" + domain
		e.identities[domain] = id
	}
	return &provision.EmailIdentityRef{Domain: domain, IdentityID: id}, nil
}

// Backup is an in-memory BackupProvider recording backup and restore calls.
type Backup struct {
	mu       sync.Mutex
	seq      int
	Restores map[string]string

	BackupErr  error
	RestoreErr error
}

// NewBackup creates an empty fake backup provider.
func NewBackup() *Backup {
	return &Backup{Restores: make(map[string]string)}
}

func (b *Backup) Backup(_ context.Context, instanceID, tenantSlug string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.BackupErr != nil {
		return "", b.BackupErr
	}
	b.seq++
	return fmt.Sprintf("bak-%s-%04d", tenantSlug, b.seq), nil
}

func (b *Backup) Restore(_ context.Context, backupID, targetInstanceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.RestoreErr != nil {
		return b.RestoreErr
	}
	b.Restores[backupID] = targetInstanceID
	return nil
}

// Mover is an in-memory StackMover.
type Mover struct {
	mu         sync.Mutex
	Redeployed []string
	Removed    []string

	RedeployErr error
	RemoveErr   error
}

// NewMover creates an empty fake stack mover.
func NewMover() *Mover { return &Mover{} }

func (m *Mover) Redeploy(_ context.Context, slug string, _ *provision.ComputeAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RedeployErr != nil {
		return m.RedeployErr
	}
	m.Redeployed = append(m.Redeployed, slug)
	return nil
}

func (m *Mover) Remove(_ context.Context, slug string, _ *provision.ComputeAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RemoveErr != nil {
		return m.RemoveErr
	}
	m.Removed = append(m.Removed, slug)
	return nil
}

// Locker is an in-process Locker built on per-key mutex ownership.
type Locker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocker creates an empty fake locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]bool)}
}

func (l *Locker) Acquire(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}
	return release, true, nil
}
