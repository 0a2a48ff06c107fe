package trial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTrialState(t *testing.T) (*State, time.Time) {
	t.Helper()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return NewState("acme", start, DefaultTrialDuration, DefaultGracePeriod), start
}

func TestEvaluateFollowsStoredTimestamps(t *testing.T) {
	state, start := newTrialState(t)

	assert.Equal(t, StatusTrial, state.Evaluate(start))
	assert.Equal(t, StatusTrial, state.Evaluate(start.Add(13*24*time.Hour)))
	assert.Equal(t, StatusGrace, state.Evaluate(start.Add(14*24*time.Hour)))
	assert.Equal(t, StatusGrace, state.Evaluate(start.Add(16*24*time.Hour)))
	assert.Equal(t, StatusSuspended, state.Evaluate(start.Add(17*24*time.Hour)))
}

func TestEvaluateDoesNotMutate(t *testing.T) {
	state, start := newTrialState(t)

	_ = state.Evaluate(start.Add(30 * 24 * time.Hour))
	assert.Equal(t, StatusTrial, state.Status, "Evaluate must not write the stored status")
}

func TestEvaluateSkipsGraceAfterLongOutage(t *testing.T) {
	// A sweeper that was down for the whole grace window lands directly on
	// suspended; the answer depends on the stored timestamps, not on how
	// often the sweep ran.
	state, start := newTrialState(t)

	assert.Equal(t, StatusSuspended, state.Evaluate(start.Add(60*24*time.Hour)))
}

func TestPaidIsTerminalForEvaluate(t *testing.T) {
	state, start := newTrialState(t)
	assert.True(t, state.MarkPaid("plan-basic", start.Add(24*time.Hour)))

	assert.Equal(t, StatusPaid, state.Evaluate(start.Add(100*24*time.Hour)))
	assert.False(t, state.Transition(StatusSuspended, start.Add(100*24*time.Hour)),
		"the sweep must never move a paying tenant")
	assert.Equal(t, StatusPaid, state.Status)
}

func TestMarkPaidFromGrace(t *testing.T) {
	state, start := newTrialState(t)
	inGrace := start.Add(15 * 24 * time.Hour)
	assert.True(t, state.Transition(StatusGrace, inGrace))

	assert.True(t, state.MarkPaid("plan-pro", inGrace))
	assert.Equal(t, StatusPaid, state.Status)
	assert.Equal(t, "plan-pro", state.PlanID)
}

func TestMarkPaidRejectedAfterSuspension(t *testing.T) {
	state, start := newTrialState(t)
	suspended := start.Add(20 * 24 * time.Hour)
	assert.True(t, state.Transition(StatusSuspended, suspended))

	assert.False(t, state.MarkPaid("plan-basic", suspended.Add(time.Hour)))
	assert.Equal(t, StatusSuspended, state.Status)
	assert.Empty(t, state.PlanID)
}

func TestMarkPaidIdempotent(t *testing.T) {
	state, start := newTrialState(t)
	assert.True(t, state.MarkPaid("plan-basic", start))
	assert.False(t, state.MarkPaid("plan-pro", start.Add(time.Hour)))
	assert.Equal(t, "plan-basic", state.PlanID, "first plan wins")
}

func TestTransitionSameStatusIsNoOp(t *testing.T) {
	state, start := newTrialState(t)
	assert.False(t, state.Transition(StatusTrial, start))
}

func TestSuspensionIsSticky(t *testing.T) {
	state, start := newTrialState(t)
	assert.True(t, state.Transition(StatusSuspended, start.Add(20*24*time.Hour)))

	// Evaluate keeps answering suspended even before the stored windows say
	// so; only manual reactivation leaves this state.
	assert.Equal(t, StatusSuspended, state.Evaluate(start))
}

func TestDaysRemaining(t *testing.T) {
	state, start := newTrialState(t)

	assert.Equal(t, 14, state.DaysRemaining(start))
	assert.Equal(t, 13, state.DaysRemaining(start.Add(12*time.Hour)))
	assert.Equal(t, 1, state.DaysRemaining(start.Add(13*24*time.Hour)))
	assert.Equal(t, 0, state.DaysRemaining(start.Add(14*24*time.Hour)))
	assert.Equal(t, 0, state.DaysRemaining(start.Add(20*24*time.Hour)))
}

func TestRetentionDeadline(t *testing.T) {
	state, _ := newTrialState(t)
	assert.Equal(t, state.GraceEnd.Add(DefaultRetention), state.RetentionDeadline(DefaultRetention))
}
