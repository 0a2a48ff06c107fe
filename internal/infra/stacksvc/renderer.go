// Package stacksvc renders, deploys and supervises tenant container stacks
// on their assigned compute.
package stacksvc

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/petalhost/petalhost/internal/domain/stack"
	"github.com/petalhost/petalhost/internal/domain/tenant"
)

// Image tags for the platform service images. The renderer pins every stack
// to these; per-tenant image overrides are not supported.
const (
	imageProxy      = "registry.petalhost.app/platform/proxy:1.9"
	imageWebsite    = "registry.petalhost.app/platform/website:2.4"
	imageCRM        = "registry.petalhost.app/platform/crm:3.1"
	imageFilePortal = "registry.petalhost.app/platform/fileportal:1.12"
	imageBooking    = "registry.petalhost.app/platform/booking:0.9"
	imageMailer     = "registry.petalhost.app/platform/mailer:1.3"
)

// Renderer turns a validated tenant config into a concrete stack definition.
// Services gated by a disabled feature are stripped entirely, not rendered
// disabled.
type Renderer struct {
	baseDomain string
}

// NewRenderer creates a renderer for the given platform base domain.
func NewRenderer(baseDomain string) *Renderer {
	return &Renderer{baseDomain: baseDomain}
}

// Render produces the tenant's stack definition with freshly generated
// secrets. Every call generates new secrets; re-rendering an existing stack
// is only done when rotating credentials deliberately.
func (r *Renderer) Render(cfg tenant.Config) (*stack.Definition, error) {
	secrets, err := generateSecrets()
	if err != nil {
		return nil, fmt.Errorf("generating stack secrets: %w", err)
	}

	hostname := cfg.Hostname(r.baseDomain)
	def := &stack.Definition{
		TenantSlug: cfg.Slug,
		Hostname:   hostname,
		Services:   make(map[stack.ServiceName]stack.Service),
		Secrets:    secrets,
		RenderedAt: time.Now(),
	}

	shared := map[string]string{
		"TENANT_SLUG":      cfg.Slug,
		"PUBLIC_HOSTNAME":  hostname,
		"INTERSERVICE_KEY": secrets.InterServiceKey,
	}

	def.Services[stack.ServiceProxy] = stack.Service{
		Name:       stack.ServiceProxy,
		Image:      imageProxy,
		Port:       80,
		HealthPath: "/healthz",
		Environment: mergeEnv(shared, map[string]string{
			"TLS_HOSTNAME": hostname,
		}),
	}

	if cfg.Features.Website {
		def.Services[stack.ServiceWebsite] = stack.Service{
			Name:        stack.ServiceWebsite,
			Image:       imageWebsite,
			Port:        8080,
			HealthPath:  "/healthz",
			Environment: mergeEnv(shared, nil),
			DependsOn:   []stack.ServiceName{stack.ServiceProxy},
		}
	}

	if cfg.Features.CRM {
		def.Services[stack.ServiceCRM] = stack.Service{
			Name:       stack.ServiceCRM,
			Image:      imageCRM,
			Port:       8081,
			HealthPath: "/api/health",
			Environment: mergeEnv(shared, map[string]string{
				"CRM_DB_KEY":     secrets.CRMDatabaseKey,
				"ADMIN_USERNAME": secrets.AdminUsername,
			}),
			DependsOn: []stack.ServiceName{stack.ServiceProxy},
		}
	}

	if cfg.Features.FilePortal {
		def.Services[stack.ServiceFilePortal] = stack.Service{
			Name:       stack.ServiceFilePortal,
			Image:      imageFilePortal,
			Port:       8082,
			HealthPath: "/healthz",
			Environment: mergeEnv(shared, map[string]string{
				"PORTAL_SECRET": secrets.FilePortalSecret,
			}),
			DependsOn: []stack.ServiceName{stack.ServiceProxy},
		}
	}

	if cfg.Features.Booking {
		def.Services[stack.ServiceBooking] = stack.Service{
			Name:        stack.ServiceBooking,
			Image:       imageBooking,
			Port:        8083,
			HealthPath:  "/healthz",
			Environment: mergeEnv(shared, nil),
			DependsOn:   []stack.ServiceName{stack.ServiceProxy, stack.ServiceCRM},
		}
	}

	if cfg.Features.EmailMarketing {
		def.Services[stack.ServiceMailer] = stack.Service{
			Name:        stack.ServiceMailer,
			Image:       imageMailer,
			Port:        8084,
			HealthPath:  "/healthz",
			Environment: mergeEnv(shared, nil),
			DependsOn:   []stack.ServiceName{stack.ServiceProxy},
		}
	}

	// Booking rides on the CRM's contact data; without CRM it cannot
	// function and is stripped even when its flag is on.
	if def.Has(stack.ServiceBooking) && !def.Has(stack.ServiceCRM) {
		delete(def.Services, stack.ServiceBooking)
	}

	return def, nil
}

// generateSecrets draws every per-tenant credential from crypto/rand. Nothing
// here may be derived from tenant-supplied data.
func generateSecrets() (stack.Secrets, error) {
	password, err := randomToken(18)
	if err != nil {
		return stack.Secrets{}, err
	}
	interKey, err := randomToken(32)
	if err != nil {
		return stack.Secrets{}, err
	}
	portalSecret, err := randomToken(32)
	if err != nil {
		return stack.Secrets{}, err
	}
	dbKey, err := randomToken(32)
	if err != nil {
		return stack.Secrets{}, err
	}
	return stack.Secrets{
		AdminUsername:    "admin",
		AdminPassword:    password,
		InterServiceKey:  interKey,
		FilePortalSecret: portalSecret,
		CRMDatabaseKey:   dbKey,
	}, nil
}

func randomToken(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func mergeEnv(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
