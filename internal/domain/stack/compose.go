package stack

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// ComposeDocument is the on-disk container composition written to the target
// compute. It marshals to standard docker-compose YAML.
type ComposeDocument struct {
	Name     string                    `yaml:"name"`
	Services map[string]ComposeService `yaml:"services"`
	Networks map[string]ComposeNetwork `yaml:"networks,omitempty"`
	Volumes  map[string]struct{}       `yaml:"volumes,omitempty"`
}

// ComposeService is one service block in the composition file.
type ComposeService struct {
	Image       string            `yaml:"image"`
	Restart     string            `yaml:"restart,omitempty"`
	Ports       []string          `yaml:"ports,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
	Networks    []string          `yaml:"networks,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty"`
	Healthcheck *ComposeHealth    `yaml:"healthcheck,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
}

// ComposeHealth is a docker healthcheck block.
type ComposeHealth struct {
	Test     []string `yaml:"test"`
	Interval string   `yaml:"interval,omitempty"`
	Timeout  string   `yaml:"timeout,omitempty"`
	Retries  int      `yaml:"retries,omitempty"`
}

// ComposeNetwork is a compose network block.
type ComposeNetwork struct {
	Driver string `yaml:"driver,omitempty"`
}

// Compose converts the rendered definition into a compose document for the
// stack agent. Only rendered services appear; a feature that was stripped at
// render time produces no block here.
func (d *Definition) Compose() *ComposeDocument {
	network := d.TenantSlug + "-net"
	doc := &ComposeDocument{
		Name:     d.TenantSlug,
		Services: make(map[string]ComposeService, len(d.Services)),
		Networks: map[string]ComposeNetwork{network: {Driver: "bridge"}},
		Volumes:  make(map[string]struct{}),
	}

	for name, svc := range d.Services {
		cs := ComposeService{
			Image:       svc.Image,
			Restart:     "unless-stopped",
			Environment: svc.Environment,
			Networks:    []string{network},
			Labels: map[string]string{
				"io.petalhost.tenant":  d.TenantSlug,
				"io.petalhost.service": string(name),
			},
		}
		if svc.HealthPath != "" {
			cs.Healthcheck = &ComposeHealth{
				Test:     []string{"CMD", "curl", "-sf", fmt.Sprintf("http://localhost:%d%s", svc.Port, svc.HealthPath)},
				Interval: "10s",
				Timeout:  "5s",
				Retries:  3,
			}
		}
		for _, dep := range svc.DependsOn {
			cs.DependsOn = append(cs.DependsOn, string(dep))
		}
		sort.Strings(cs.DependsOn)

		switch name {
		case ServiceProxy:
			cs.Ports = []string{"80:80", "443:443"}
		case ServiceCRM, ServiceFilePortal:
			vol := fmt.Sprintf("%s-%s-data", d.TenantSlug, name)
			cs.Volumes = []string{vol + ":/data"}
			doc.Volumes[vol] = struct{}{}
		}

		doc.Services[string(name)] = cs
	}

	if len(doc.Volumes) == 0 {
		doc.Volumes = nil
	}
	return doc
}

// YAML renders the compose document to YAML bytes.
func (c *ComposeDocument) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal compose document: %w", err)
	}
	return out, nil
}
