package trial

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrStateNotFound      = errors.New("trial state not found")
	ErrStateAlreadyExists = errors.New("trial state already exists")
)

// Status is a tenant's commercial status.
type Status string

// Lifecycle statuses. trial moves to grace, then suspended; paid is reachable
// from trial or grace and is terminal for automatic transitions.
const (
	StatusTrial     Status = "trial"
	StatusGrace     Status = "grace"
	StatusSuspended Status = "suspended"
	StatusPaid      Status = "paid"
)

// Defaults for the commercial windows. Overridable through configuration.
const (
	DefaultTrialDuration = 14 * 24 * time.Hour
	DefaultGracePeriod   = 3 * 24 * time.Hour
	DefaultRetention     = 30 * 24 * time.Hour
)

// State is the per-tenant commercial record. It is created at first
// provisioning and retained forever as an audit trail; suspension and
// migration never delete it.
type State struct {
	TenantSlug string
	Status     Status

	TrialStart time.Time
	TrialEnd   time.Time
	GraceEnd   time.Time

	// PlanID is set on conversion.
	PlanID string

	// MigrationRequired stays set after a failed shared-to-dedicated
	// migration until an operator resolves it. Commercial status never
	// reverts because of it.
	MigrationRequired bool

	UpdatedAt time.Time
}

// NewState starts a trial at now with the given windows.
func NewState(slug string, now time.Time, trialDuration, gracePeriod time.Duration) *State {
	return &State{
		TenantSlug: slug,
		Status:     StatusTrial,
		TrialStart: now,
		TrialEnd:   now.Add(trialDuration),
		GraceEnd:   now.Add(trialDuration).Add(gracePeriod),
		UpdatedAt:  now,
	}
}

// Evaluate computes the status the stored state implies at the given time.
// It is a pure function of the stored timestamps: it never mutates the state
// and never consults the wall clock, so a delayed sweep still lands on the
// correct status. Once paid, the answer is always paid.
func (s *State) Evaluate(now time.Time) Status {
	if s.Status == StatusPaid {
		return StatusPaid
	}
	// Suspension is sticky until manual reactivation re-creates the trial.
	if s.Status == StatusSuspended {
		return StatusSuspended
	}
	switch {
	case now.Before(s.TrialEnd):
		return StatusTrial
	case now.Before(s.GraceEnd):
		return StatusGrace
	default:
		return StatusSuspended
	}
}

// DaysRemaining returns whole days left before trial end, floored at zero.
func (s *State) DaysRemaining(now time.Time) int {
	if s.Status == StatusPaid || !now.Before(s.TrialEnd) {
		return 0
	}
	return int(s.TrialEnd.Sub(now) / (24 * time.Hour))
}

// Transition records the computed status. Returns true when the status
// actually changed; re-applying the current status is a no-op.
func (s *State) Transition(status Status, now time.Time) bool {
	if s.Status == status {
		return false
	}
	// paid is a one-way gate; the sweep must never move a paying tenant.
	if s.Status == StatusPaid {
		return false
	}
	s.Status = status
	s.UpdatedAt = now
	return true
}

// MarkPaid converts the tenant regardless of its trial or grace position.
// Conversion after suspension requires manual reactivation first and is
// rejected here.
func (s *State) MarkPaid(planID string, now time.Time) bool {
	if s.Status == StatusSuspended || s.Status == StatusPaid {
		return false
	}
	s.Status = StatusPaid
	s.PlanID = planID
	s.UpdatedAt = now
	return true
}

// RetentionDeadline is when a suspended tenant's data may be reclaimed.
func (s *State) RetentionDeadline(retention time.Duration) time.Time {
	return s.GraceEnd.Add(retention)
}
