package operation

import (
	"errors"
	"fmt"
	"time"
)

// Common errors that can be returned by operation functions.
var (
	ErrOperationNotFound  = errors.New("operation not found")
	ErrOperationCompleted = errors.New("operation completed")
)

// Op represents the operation type in the system.
type Op string

// Predefined operation types supported by the system.
const (
	OpTenantProvision Op = "tenant.provision"
	OpTenantMigrate   Op = "tenant.migrate"
	OpTenantSuspend   Op = "tenant.suspend"
	OpTenantTeardown  Op = "tenant.teardown"
)

// IsValid checks if the operation type is valid.
func (t Op) IsValid() bool {
	switch t {
	case OpTenantProvision, OpTenantMigrate, OpTenantSuspend, OpTenantTeardown:
		return true
	default:
		return false
	}
}

// String returns the string representation of the operation type.
func (t Op) String() string { return string(t) }

// Status represents the current state of an operation.
type Status string

// Predefined operation statuses that represent the lifecycle of an operation.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Operation tracks one asynchronous unit of work against a tenant: a
// provisioning pipeline run, a migration, a suspension. Operators and the
// dashboard read these records for deployment status.
type Operation struct {
	ID           string
	Type         Op
	Status       Status
	TenantSlug   string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	UpdatedAt    *time.Time
	ErrorMessage *string
	Parameters   map[string]any
	Result       map[string]any
}

// New creates an operation in the pending state.
func New(id string, opType Op, tenantSlug string, params map[string]any) (*Operation, error) {
	if !opType.IsValid() {
		return nil, fmt.Errorf("invalid operation type: %s", opType)
	}
	return &Operation{
		ID:         id,
		Type:       opType,
		TenantSlug: tenantSlug,
		Status:     StatusPending,
		Parameters: params,
		CreatedAt:  time.Now(),
	}, nil
}

// Start marks the operation as in progress and sets the start time.
func (o *Operation) Start() {
	o.Status = StatusInProgress
	now := time.Now()
	o.StartedAt = &now
	o.UpdatedAt = &now
}

// Complete marks the operation as completed and stores the result.
func (o *Operation) Complete(result map[string]any) {
	o.Status = StatusCompleted
	o.Result = result
	now := time.Now()
	o.CompletedAt = &now
	o.UpdatedAt = &now
}

// Fail marks the operation as failed with the provided error message.
func (o *Operation) Fail(errMsg string) {
	o.Status = StatusFailed
	o.ErrorMessage = &errMsg
	now := time.Now()
	o.CompletedAt = &now
	o.UpdatedAt = &now
}

// IsTerminal checks if the operation is in a terminal state.
// Terminal operations cannot transition to other states.
func (o *Operation) IsTerminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusFailed
}

// Duration returns the duration of the operation if it has both started and
// completed. Returns nil otherwise.
func (o *Operation) Duration() *time.Duration {
	if o.StartedAt == nil || o.CompletedAt == nil {
		return nil
	}
	d := o.CompletedAt.Sub(*o.StartedAt)
	return &d
}

// EstimateCompletionTime predicts when the operation will complete based on
// its type. Returns nil for operations already in a terminal state.
func (o *Operation) EstimateCompletionTime() *time.Time {
	if o.IsTerminal() {
		return nil
	}

	var estimate time.Duration
	switch o.Type {
	case OpTenantProvision:
		estimate = 8 * time.Minute
	case OpTenantMigrate:
		estimate = 15 * time.Minute
	default:
		estimate = 3 * time.Minute
	}

	start := o.CreatedAt
	if o.StartedAt != nil {
		start = *o.StartedAt
	}
	eta := start.Add(estimate)
	return &eta
}

// Progress returns an estimated progress percentage (0-100) based on elapsed
// time against the type's estimated duration. Completed operations report
// 100; running operations are clamped at 99.
func (o *Operation) Progress() int {
	if o.Status == StatusCompleted {
		return 100
	}
	if o.Status == StatusFailed {
		return 0
	}
	if o.StartedAt == nil {
		return 0
	}

	eta := o.EstimateCompletionTime()
	if eta == nil {
		return 99
	}
	total := eta.Sub(*o.StartedAt)
	if total <= 0 {
		return 99
	}
	elapsed := time.Since(*o.StartedAt)

	progress := int(float64(elapsed) / float64(total) * 100)
	if progress < 0 {
		progress = 0
	}
	if progress > 99 {
		progress = 99
	}
	return progress
}
