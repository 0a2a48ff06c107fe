package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func awaitResult(t *testing.T, wf Workflow) WorkflowResult {
	t.Helper()
	select {
	case res := <-wf.ResultChan():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("workflow never delivered a result")
		return WorkflowResult{}
	}
}

func TestWorkflowRunsStepsInOrder(t *testing.T) {
	var order []string
	step := func(name string) Step {
		return Step{
			Name: name,
			Execute: func(context.Context) error {
				order = append(order, name)
				return nil
			},
		}
	}

	wf := NewBaseWorkflow([]Step{step("first"), step("second"), step("third")})
	wf.Start(context.Background())
	res := awaitResult(t, wf)

	assert.True(t, res.Success)
	assert.Nil(t, res.Error)
	assert.Equal(t, []string{"first", "second", "third"}, order)
	require.Len(t, res.StepResults, 3)
	for _, sr := range res.StepResults {
		assert.True(t, sr.Success)
	}
}

func TestWorkflowStopsAtFirstFailure(t *testing.T) {
	var ran []string
	boom := errors.New("boom")

	wf := NewBaseWorkflow([]Step{
		{Name: "ok", Execute: func(context.Context) error { ran = append(ran, "ok"); return nil }},
		{Name: "fails", Execute: func(context.Context) error { return boom }},
		{Name: "never", Execute: func(context.Context) error { ran = append(ran, "never"); return nil }},
	})
	wf.Start(context.Background())
	res := awaitResult(t, wf)

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Error, boom)
	assert.Equal(t, []string{"ok"}, ran)
	require.Len(t, res.StepResults, 2)
	assert.False(t, res.StepResults[1].Success)
}

func TestWorkflowCompensatesCompletedStepsInReverse(t *testing.T) {
	var undone []string
	undo := func(name string) func(context.Context) error {
		return func(context.Context) error {
			undone = append(undone, name)
			return nil
		}
	}

	wf := NewBaseWorkflow([]Step{
		{Name: "a", Execute: func(context.Context) error { return nil }, Compensate: undo("a")},
		{Name: "b", Execute: func(context.Context) error { return nil }},
		{Name: "c", Execute: func(context.Context) error { return nil }, Compensate: undo("c")},
		{Name: "d", Execute: func(context.Context) error { return errors.New("boom") }, Compensate: undo("d")},
	})
	wf.Start(context.Background())
	res := awaitResult(t, wf)

	// The failing step's own resources were never created; only completed
	// steps roll back, newest first, skipping steps with no action.
	assert.Equal(t, []string{"c", "a"}, undone)
	require.Len(t, res.Compensations, 2)
	assert.Equal(t, "c", res.Compensations[0].StepName)
	assert.Equal(t, "a", res.Compensations[1].StepName)
	for _, c := range res.Compensations {
		assert.True(t, c.Success)
	}
}

func TestWorkflowRecordsCompensationFailures(t *testing.T) {
	cleanupErr := errors.New("cleanup failed")
	var secondRan bool

	wf := NewBaseWorkflow([]Step{
		{
			Name:       "a",
			Execute:    func(context.Context) error { return nil },
			Compensate: func(context.Context) error { secondRan = true; return nil },
		},
		{
			Name:       "b",
			Execute:    func(context.Context) error { return nil },
			Compensate: func(context.Context) error { return cleanupErr },
		},
		{Name: "c", Execute: func(context.Context) error { return errors.New("boom") }},
	})
	wf.Start(context.Background())
	res := awaitResult(t, wf)

	require.Len(t, res.Compensations, 2)
	assert.False(t, res.Compensations[0].Success)
	assert.ErrorIs(t, res.Compensations[0].Error, cleanupErr)
	assert.True(t, secondRan, "a failing compensation must not stop the rest of the rollback")
	assert.True(t, res.Compensations[1].Success)
}

func TestWorkflowBestEffortStepNeverFailsRun(t *testing.T) {
	var compensated bool

	wf := NewBaseWorkflow([]Step{
		{
			Name:       "required",
			Execute:    func(context.Context) error { return nil },
			Compensate: func(context.Context) error { compensated = true; return nil },
		},
		{
			Name:       "optional",
			BestEffort: true,
			Execute:    func(context.Context) error { return errors.New("optional failed") },
		},
		{Name: "after", Execute: func(context.Context) error { return nil }},
	})
	wf.Start(context.Background())
	res := awaitResult(t, wf)

	assert.True(t, res.Success)
	assert.False(t, compensated, "best-effort failure must not trigger rollback")
	require.Len(t, res.StepResults, 3)
	assert.False(t, res.StepResults[1].Success)
	assert.True(t, res.StepResults[1].BestEffort)
	assert.Error(t, res.StepResults[1].Error)
	assert.True(t, res.StepResults[2].Success, "execution continues past a best-effort failure")
}

func TestWorkflowHonorsTimeout(t *testing.T) {
	wf := NewBaseWorkflowWithTimeout([]Step{
		{
			Name: "slow",
			Execute: func(ctx context.Context) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(5 * time.Second):
					return nil
				}
			},
		},
	}, 50*time.Millisecond)
	wf.Start(context.Background())
	res := awaitResult(t, wf)

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Error, context.DeadlineExceeded)
}
