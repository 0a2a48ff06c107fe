package trial

import "time"

// TransitionEvent is emitted whenever a tenant's commercial status changes.
// An out-of-scope telemetry collaborator consumes these.
type TransitionEvent struct {
	TenantSlug string    `json:"tenant_slug"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	PlanID     string    `json:"plan_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
