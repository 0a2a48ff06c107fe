package provision

import (
	"errors"
	"fmt"
)

// Kind tags a provisioning failure so the orchestrator can decide the next
// action without parsing error strings.
type Kind string

// Predefined failure kinds.
const (
	// KindCapacityExhausted means the shared pool is full and creating a new
	// shared instance also failed. Retried with backoff by callers.
	KindCapacityExhausted Kind = "capacity_exhausted"
	// KindProvisioningTimeout means a resource never reached its ready state.
	// Surfaced, never auto-retried, so partially created resources stay
	// diagnosable.
	KindProvisioningTimeout Kind = "provisioning_timeout"
	// KindDeploymentDegraded means the stack came up partially: some services
	// healthy, others not. Distinct from a timeout so operators know the
	// compute and composition are viable.
	KindDeploymentDegraded Kind = "deployment_degraded"
	// KindNetworkTimeout covers transient network failures against providers.
	KindNetworkTimeout Kind = "network_timeout"
	// KindPermissionDenied means the platform identity lacks access.
	KindPermissionDenied Kind = "permission_denied"
	// KindAlreadyExists marks idempotent re-entry; callers treat it as success.
	KindAlreadyExists Kind = "already_exists"
	// KindUnknown is everything else.
	KindUnknown Kind = "unknown"
)

// Error is a tagged provisioning failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error returns the error message, implementing the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds a tagged provisioning error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the failure kind, defaulting to KindUnknown for untagged
// errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsAlreadyExists reports whether err is an idempotent re-entry condition.
func IsAlreadyExists(err error) bool { return KindOf(err) == KindAlreadyExists }

// IsTimeout reports whether err is a provisioning timeout.
func IsTimeout(err error) bool { return KindOf(err) == KindProvisioningTimeout }
