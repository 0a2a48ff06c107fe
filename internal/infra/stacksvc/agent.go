package stacksvc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/petalhost/petalhost/internal/domain/stack"
	"github.com/petalhost/petalhost/pkg/common/otel"
)

// agentPort is where the stack agent listens on every platform instance.
const agentPort = 9750

// ServiceState is one service's status as reported by a stack agent.
type ServiceState struct {
	Service string `json:"service"`
	Running bool   `json:"running"`
	Healthy bool   `json:"healthy"`
}

// StackAgent talks to the lightweight agent process running on each compute
// instance. The agent receives compose files and runs them; this client is
// the only component that speaks to tenant instances directly.
type StackAgent interface {
	// PushCompose uploads the tenant's composition file to the instance.
	PushCompose(ctx context.Context, address, slug string, composeYAML []byte) error
	// Up starts (or restarts) the tenant's composition.
	Up(ctx context.Context, address, slug string) (*stack.DeployResult, error)
	// Stop halts the tenant's containers, keeping volumes and files.
	Stop(ctx context.Context, address, slug string) error
	// Down removes the tenant's containers, volumes and composition file.
	Down(ctx context.Context, address, slug string) error
	// Status reports per-service state for the tenant's composition.
	Status(ctx context.Context, address, slug string) ([]ServiceState, error)
}

// HTTPStackAgent implements StackAgent over the agent's REST API.
type HTTPStackAgent struct {
	client *resty.Client
}

var _ StackAgent = (*HTTPStackAgent)(nil)

// NewHTTPStackAgent builds an agent client authenticated with the platform
// agent token.
func NewHTTPStackAgent(agentToken string, timeout time.Duration) *HTTPStackAgent {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetAuthToken(agentToken).
		SetHeader("Content-Type", "application/json").
		SetPreRequestHook(func(_ *resty.Client, r *http.Request) error {
			otel.AddTraceToRequest(r.Context(), r)
			return nil
		})
	return &HTTPStackAgent{client: client}
}

func (a *HTTPStackAgent) baseURL(address string) string {
	return fmt.Sprintf("http://%s:%d", address, agentPort)
}

func (a *HTTPStackAgent) PushCompose(ctx context.Context, address, slug string, composeYAML []byte) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-yaml").
		SetBody(composeYAML).
		Put(a.baseURL(address) + "/v1/stacks/" + slug + "/compose")
	if err != nil {
		return fmt.Errorf("pushing compose file to %s: %w", address, err)
	}
	if resp.IsError() {
		return fmt.Errorf("agent rejected compose file: %s", resp.Status())
	}
	return nil
}

func (a *HTTPStackAgent) Up(ctx context.Context, address, slug string) (*stack.DeployResult, error) {
	var result struct {
		InstanceID string    `json:"instance_id"`
		AcceptedAt time.Time `json:"accepted_at"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&result).
		Post(a.baseURL(address) + "/v1/stacks/" + slug + "/up")
	if err != nil {
		return nil, fmt.Errorf("starting stack on %s: %w", address, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("agent refused stack start: %s", resp.Status())
	}
	return &stack.DeployResult{
		TenantSlug: slug,
		InstanceID: result.InstanceID,
		AcceptedAt: result.AcceptedAt,
	}, nil
}

func (a *HTTPStackAgent) Stop(ctx context.Context, address, slug string) error {
	resp, err := a.client.R().
		SetContext(ctx).
		Post(a.baseURL(address) + "/v1/stacks/" + slug + "/stop")
	if err != nil {
		return fmt.Errorf("stopping stack on %s: %w", address, err)
	}
	if resp.IsError() {
		return fmt.Errorf("agent refused stack stop: %s", resp.Status())
	}
	return nil
}

func (a *HTTPStackAgent) Down(ctx context.Context, address, slug string) error {
	resp, err := a.client.R().
		SetContext(ctx).
		Delete(a.baseURL(address) + "/v1/stacks/" + slug)
	if err != nil {
		return fmt.Errorf("removing stack on %s: %w", address, err)
	}
	if resp.IsError() {
		return fmt.Errorf("agent refused stack removal: %s", resp.Status())
	}
	return nil
}

func (a *HTTPStackAgent) Status(ctx context.Context, address, slug string) ([]ServiceState, error) {
	var states []ServiceState
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&states).
		Get(a.baseURL(address) + "/v1/stacks/" + slug + "/status")
	if err != nil {
		return nil, fmt.Errorf("querying stack status on %s: %w", address, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("agent status query failed: %s", resp.Status())
	}
	return states, nil
}
