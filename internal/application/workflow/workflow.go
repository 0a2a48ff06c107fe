package workflow

import (
	"context"
	"fmt"
	"time"
)

// DefaultTimeout bounds a whole workflow run when the caller does not choose
// one.
const DefaultTimeout = 15 * time.Minute

// Step represents a single executable unit in a workflow.
// Each step has a name, an execution function, and an optional compensating
// action undoing whatever the execution created.
type Step struct {
	Name        string
	Description string
	Execute     func(ctx context.Context) error

	// Compensate is invoked during rollback, in reverse step order, for
	// every step that executed successfully before the failure. Steps whose
	// resources were never created leave it nil.
	Compensate func(ctx context.Context) error

	// BestEffort steps log their failure but never fail the workflow and
	// never trigger rollback.
	BestEffort bool
}

// WorkflowResult contains the consolidated outcome of a workflow execution:
// success status, timing, errors, per-step results, compensation outcomes and
// custom result data.
type WorkflowResult struct {
	Success     bool
	CompletedAt time.Time
	Error       error
	StepResults []StepResult
	// Compensations records the rollback actions run after a failure, in
	// the order they executed.
	Compensations []CompensationResult
	Result        map[string]any
}

// StepResult tracks the execution result of an individual workflow step.
type StepResult struct {
	StepName    string
	Success     bool
	BestEffort  bool
	Error       error
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
}

// CompensationResult tracks one rollback action.
type CompensationResult struct {
	StepName string
	Success  bool
	Error    error
}

// Workflow defines the common interface for all workflow implementations.
// Workflows are executed asynchronously and deliver results through a channel.
type Workflow interface {
	Start(ctx context.Context)
	ResultChan() <-chan WorkflowResult
}

// BaseWorkflow provides foundational workflow functionality that can be
// embedded in specific workflow implementations.
type BaseWorkflow struct {
	steps      []Step
	timeout    time.Duration
	resultChan chan WorkflowResult
}

// NewBaseWorkflow creates a new base workflow with the provided execution
// steps and the default timeout.
func NewBaseWorkflow(steps []Step) *BaseWorkflow {
	return NewBaseWorkflowWithTimeout(steps, DefaultTimeout)
}

// NewBaseWorkflowWithTimeout creates a base workflow with a caller-chosen
// overall timeout. Non-positive timeouts fall back to the default.
func NewBaseWorkflowWithTimeout(steps []Step, timeout time.Duration) *BaseWorkflow {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &BaseWorkflow{
		steps:      steps,
		timeout:    timeout,
		resultChan: make(chan WorkflowResult, 1),
	}
}

// ResultChan returns the channel that will receive the workflow execution
// result.
func (w *BaseWorkflow) ResultChan() <-chan WorkflowResult { return w.resultChan }

// Start executes the steps in a goroutine and delivers the result on the
// result channel.
func (w *BaseWorkflow) Start(ctx context.Context) {
	go func() {
		result := w.ExecuteSteps(ctx)
		w.resultChan <- result
		close(w.resultChan)
	}()
}

// ExecuteSteps runs all workflow steps in sequence and returns a consolidated
// result. Execution stops at the first failing non-best-effort step; the
// compensating actions of every previously completed step then run in
// reverse order. Compensation errors are recorded, not retried: partial
// state that cannot be cleaned safely is left for manual remediation.
func (w *BaseWorkflow) ExecuteSteps(ctx context.Context) WorkflowResult {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	result := WorkflowResult{
		Success:     true,
		StepResults: make([]StepResult, 0, len(w.steps)),
		Result:      make(map[string]any),
	}

	completed := make([]Step, 0, len(w.steps))

	for _, step := range w.steps {
		stepResult := StepResult{
			StepName:   step.Name,
			BestEffort: step.BestEffort,
			StartedAt:  time.Now(),
		}

		err := step.Execute(ctx)

		stepResult.CompletedAt = time.Now()
		stepResult.Duration = stepResult.CompletedAt.Sub(stepResult.StartedAt)

		if err != nil && step.BestEffort {
			// The stack is already minimally usable without this step.
			stepResult.Success = false
			stepResult.Error = err
			result.StepResults = append(result.StepResults, stepResult)
			continue
		}

		if err != nil {
			stepResult.Success = false
			stepResult.Error = err
			result.Success = false
			result.Error = fmt.Errorf("step %s failed: %w", step.Name, err)
			result.StepResults = append(result.StepResults, stepResult)
			result.Compensations = w.compensate(ctx, completed)
			break
		}

		stepResult.Success = true
		result.StepResults = append(result.StepResults, stepResult)
		completed = append(completed, step)
	}

	result.CompletedAt = time.Now()

	return result
}

// compensate runs rollback actions for completed steps in reverse order,
// skipping steps that declared none.
func (w *BaseWorkflow) compensate(ctx context.Context, completed []Step) []CompensationResult {
	results := make([]CompensationResult, 0, len(completed))
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		cr := CompensationResult{StepName: step.Name, Success: true}
		if err := step.Compensate(ctx); err != nil {
			cr.Success = false
			cr.Error = err
		}
		results = append(results, cr)
	}
	return results
}
