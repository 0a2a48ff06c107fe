package stack

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrStackNotFound   = errors.New("stack not found")
	ErrNotHealthy      = errors.New("stack is not healthy")
	ErrUnknownService  = errors.New("unknown stack service")
	ErrAlreadyDeployed = errors.New("stack already deployed")
)

// ServiceName identifies one containerized service inside a tenant stack.
type ServiceName string

// Services a tenant stack can be composed of. Proxy, website, CRM and the
// file portal are always present; booking and the mailer depend on feature
// flags.
const (
	ServiceProxy      ServiceName = "proxy"
	ServiceWebsite    ServiceName = "website"
	ServiceCRM        ServiceName = "crm"
	ServiceFilePortal ServiceName = "fileportal"
	ServiceBooking    ServiceName = "booking"
	ServiceMailer     ServiceName = "mailer"
)

// Phase is the deployment state a health report represents. A degraded stack
// (some services up, some not or never observed) is a distinct failure from
// one where nothing came up at all.
type Phase string

const (
	PhaseAwaitingHealth Phase = "awaiting_health"
	PhaseHealthy        Phase = "healthy"
	PhaseDegraded       Phase = "degraded"
)

// Service is one container block in the rendered composition.
type Service struct {
	Name        ServiceName
	Image       string
	Port        int
	HealthPath  string
	Environment map[string]string
	DependsOn   []ServiceName
}

// Definition is a concrete container composition for one tenant, produced by
// rendering the platform template against the tenant's feature flags.
// Services absent from the feature set are stripped entirely, not disabled.
type Definition struct {
	TenantSlug string
	Hostname   string
	Services   map[ServiceName]Service

	// Secrets are generated per tenant from a CSPRNG, never derived from
	// tenant-supplied data.
	Secrets Secrets

	RenderedAt time.Time
}

// Secrets holds the per-tenant generated credentials and shared keys.
type Secrets struct {
	AdminUsername    string
	AdminPassword    string
	InterServiceKey  string
	FilePortalSecret string
	CRMDatabaseKey   string
}

// Has reports whether the definition contains the named service.
func (d *Definition) Has(name ServiceName) bool {
	_, ok := d.Services[name]
	return ok
}

// ServiceNames returns the names of every rendered service.
func (d *Definition) ServiceNames() []ServiceName {
	names := make([]ServiceName, 0, len(d.Services))
	for name := range d.Services {
		names = append(names, name)
	}
	return names
}

// ServiceURLs maps every user-facing service to its URL under the tenant
// hostname. The proxy terminates TLS, so everything is https.
func (d *Definition) ServiceURLs() map[string]string {
	urls := make(map[string]string, len(d.Services))
	for name := range d.Services {
		switch name {
		case ServiceProxy:
			// The proxy is not itself user-facing.
		case ServiceWebsite:
			urls[string(name)] = "https://" + d.Hostname
		default:
			urls[string(name)] = "https://" + d.Hostname + "/" + string(name)
		}
	}
	return urls
}

// HealthReport is the outcome of polling a deployed stack against its
// declared service set.
type HealthReport struct {
	TenantSlug string
	Healthy    []ServiceName
	Unhealthy  []ServiceName
	// Missing lists declared services the agent did not report at all, which
	// happens before containers register and when creation failed outright.
	Missing   []ServiceName
	CheckedAt time.Time
}

// AllHealthy reports whether every declared service came up. An empty report
// is never healthy; a stack always declares at least the proxy.
func (r *HealthReport) AllHealthy() bool {
	return len(r.Healthy) > 0 && len(r.Unhealthy) == 0 && len(r.Missing) == 0
}

// Phase derives the deployment state this report represents.
func (r *HealthReport) Phase() Phase {
	switch {
	case r.AllHealthy():
		return PhaseHealthy
	case len(r.Healthy) > 0:
		return PhaseDegraded
	default:
		return PhaseAwaitingHealth
	}
}

// DeployResult is returned once a composition start has been accepted by the
// target compute. Acceptance says nothing about health; callers observe that
// separately.
type DeployResult struct {
	TenantSlug string
	InstanceID string
	AcceptedAt time.Time
}
