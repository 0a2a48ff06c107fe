package migration

import (
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrPlanNotFound   = errors.New("migration plan not found")
	ErrPlanInProgress = errors.New("migration already in progress")
	ErrPlanCompleted  = errors.New("migration plan already completed")
)

// Step is one ordered unit of the shared-to-dedicated move.
type Step string

// Migration steps in execution order. Decommissioning the source slot runs
// last and only after the repointed DNS record is confirmed live, so there is
// never a window with no reachable stack.
const (
	StepBackupSource       Step = "backup-source"
	StepProvisionDedicated Step = "provision-dedicated"
	StepRestoreBackup      Step = "restore-backup"
	StepRepointDNS         Step = "repoint-dns"
	StepDecommissionSource Step = "decommission-source"
)

// Steps returns the ordered step list.
func Steps() []Step {
	return []Step{
		StepBackupSource,
		StepProvisionDedicated,
		StepRestoreBackup,
		StepRepointDNS,
		StepDecommissionSource,
	}
}

// PlanStatus tracks the migration plan lifecycle.
type PlanStatus string

// Predefined plan statuses. needs_attention means a retry exhausted its
// budget and an operator has to intervene; the plan remains resumable.
const (
	PlanPending        PlanStatus = "pending"
	PlanInProgress     PlanStatus = "in_progress"
	PlanCompleted      PlanStatus = "completed"
	PlanNeedsAttention PlanStatus = "needs_attention"
)

// StepRecord marks one step's completion state inside a plan.
type StepRecord struct {
	Step        Step       `json:"step"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Plan describes one shared-to-dedicated move. The highest completed step is
// persisted after every step so a retry resumes where the last run stopped
// instead of restarting destructively.
type Plan struct {
	ID         string
	TenantSlug string
	Status     PlanStatus

	SourceAssignmentID int64
	TargetAssignmentID *int64
	BackupID           *string

	Steps []StepRecord

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// NewPlan creates a pending plan with all steps open.
func NewPlan(id, tenantSlug string, sourceAssignmentID int64) *Plan {
	steps := Steps()
	records := make([]StepRecord, len(steps))
	for i, s := range steps {
		records[i] = StepRecord{Step: s}
	}
	now := time.Now()
	return &Plan{
		ID:                 id,
		TenantSlug:         tenantSlug,
		Status:             PlanPending,
		SourceAssignmentID: sourceAssignmentID,
		Steps:              records,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// NextStep returns the first incomplete step, or false when the plan is done.
func (p *Plan) NextStep() (Step, bool) {
	for _, r := range p.Steps {
		if !r.Completed {
			return r.Step, true
		}
	}
	return "", false
}

// MarkCompleted records a step as done. Steps must complete in order; marking
// a step with an earlier one still open is a programming error.
func (p *Plan) MarkCompleted(step Step) error {
	for i := range p.Steps {
		r := &p.Steps[i]
		if r.Step == step {
			if !r.Completed {
				now := time.Now()
				r.Completed = true
				r.CompletedAt = &now
				r.Error = ""
				p.UpdatedAt = now
			}
			return nil
		}
		if !r.Completed {
			return fmt.Errorf("step %s completed out of order, %s still open", step, r.Step)
		}
	}
	return fmt.Errorf("unknown migration step: %s", step)
}

// RecordFailure notes the step that failed and flags the plan for attention.
func (p *Plan) RecordFailure(step Step, err error) {
	for i := range p.Steps {
		if p.Steps[i].Step == step {
			p.Steps[i].Error = err.Error()
			break
		}
	}
	p.Status = PlanNeedsAttention
	p.UpdatedAt = time.Now()
}

// Start flags the plan as running.
func (p *Plan) Start() {
	p.Status = PlanInProgress
	p.UpdatedAt = time.Now()
}

// Complete flags the plan as finished.
func (p *Plan) Complete() {
	now := time.Now()
	p.Status = PlanCompleted
	p.CompletedAt = &now
	p.UpdatedAt = now
}

// HighestCompleted returns the index of the last completed step, -1 when none.
func (p *Plan) HighestCompleted() int {
	highest := -1
	for i, r := range p.Steps {
		if r.Completed {
			highest = i
		}
	}
	return highest
}

// IsDone reports whether every step completed.
func (p *Plan) IsDone() bool {
	_, open := p.NextStep()
	return !open
}
