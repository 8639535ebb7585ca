package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_IsFinal(t *testing.T) {
	tests := []struct {
		status Status
		final  bool
	}{
		{StatusRunning, false},
		{StatusQueued, false},
		{StatusPaused, false},
		{StatusApprovalWaiting, false},
		{StatusSucceeded, true},
		{StatusFailed, true},
		{StatusAborted, true},
		{StatusExpired, true},
		{StatusIgnoreFailed, true},
		{StatusApprovalRejected, true},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.final, tt.status.IsFinal())
		})
	}
}

func TestExecutionStatusFor(t *testing.T) {
	assert.Equal(t, ExecutionStatusSuccess, ExecutionStatusFor(StatusSucceeded))
	assert.Equal(t, ExecutionStatusRunning, ExecutionStatusFor(StatusRunning))
	assert.Equal(t, ExecutionStatusNotStarted, ExecutionStatusFor(""))
	assert.Equal(t, ExecutionStatusNotStarted, ExecutionStatusFor("BOGUS"))
	assert.True(t, ExecutionStatusFailed.IsFinal())
	assert.False(t, ExecutionStatusPaused.IsFinal())
}

func TestNodeExecution_Helpers(t *testing.T) {
	root := &NodeExecution{ID: "a", StepCategory: StepCategoryPipeline}
	assert.True(t, root.IsRoot())
	assert.True(t, root.IsStageLike())

	child := &NodeExecution{ID: "b", ParentID: "a", StepCategory: StepCategoryStep}
	assert.False(t, child.IsRoot())
	assert.False(t, child.IsStageLike())
	assert.Equal(t, SkipNone, child.EffectiveSkipType())

	strategy := &NodeExecution{ID: "s", StepCategory: StepCategoryStrategy}
	assert.Equal(t, SkipNode, strategy.EffectiveSkipType())

	tree := &NodeExecution{ID: "t", SkipGraphType: SkipTree}
	assert.Equal(t, SkipTree, tree.EffectiveSkipType())
}

func TestNewOrchestrationEvent(t *testing.T) {
	ev, err := NewOrchestrationEvent(EventPlanExecutionStatusUpdate, "")
	require.NoError(t, err)
	assert.Equal(t, PlanStatusEvent{}, ev)

	ev, err = NewOrchestrationEvent(EventNodeStatusUpdate, "n1")
	require.NoError(t, err)
	assert.Equal(t, NodeStatusEvent{NodeExecutionID: "n1"}, ev)

	ev, err = NewOrchestrationEvent(EventStepDetailsUpdate, "n2")
	require.NoError(t, err)
	assert.Equal(t, StepDetailsEvent{NodeExecutionID: "n2"}, ev)

	ev, err = NewOrchestrationEvent(EventStepInputsUpdate, "n3")
	require.NoError(t, err)
	assert.Equal(t, EventStepInputsUpdate, ev.Type())

	_, err = NewOrchestrationEvent(EventNodeStatusUpdate, "")
	assert.True(t, HasCode(err, ErrCodeValidation))

	_, err = NewOrchestrationEvent("SOMETHING", "n1")
	assert.Error(t, err)
}
