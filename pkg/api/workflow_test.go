package api_test

import (
	"testing"

	"github.com/kode4food/sortie/internal/assert"
	"github.com/kode4food/sortie/pkg/api"
)

func makeWorkflow() *api.Workflow {
	return &api.Workflow{
		ID:   "release",
		Name: "Release",
		Steps: []api.WorkflowStep{
			{
				ID:        "implement",
				Name:      "Implement",
				Type:      api.StepTypeAgent,
				AgentID:   "coder",
				Output:    "changes.md",
				Isolation: api.IsolationSandbox,
			},
			{
				ID:   "final-review",
				Name: "Final Review",
				Type: api.StepTypeCodeReview,
			},
		},
	}
}

func TestWorkflowValidate(t *testing.T) {
	as := assert.New(t)
	as.WorkflowValid(makeWorkflow())
}

func TestWorkflowValidateErrors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*api.Workflow)
		expected error
	}{
		{
			name:     "empty workflow ID",
			mutate:   func(w *api.Workflow) { w.ID = "" },
			expected: api.ErrWorkflowIDEmpty,
		},
		{
			name:     "no steps",
			mutate:   func(w *api.Workflow) { w.Steps = nil },
			expected: api.ErrNoSteps,
		},
		{
			name:     "empty step ID",
			mutate:   func(w *api.Workflow) { w.Steps[0].ID = "" },
			expected: api.ErrStepIDEmpty,
		},
		{
			name:     "agent step without agent ID",
			mutate:   func(w *api.Workflow) { w.Steps[0].AgentID = "" },
			expected: api.ErrAgentIDMissing,
		},
		{
			name:     "unknown step type",
			mutate:   func(w *api.Workflow) { w.Steps[1].Type = "manual" },
			expected: api.ErrInvalidStepType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			as := assert.New(t)
			w := makeWorkflow()
			tt.mutate(w)
			err := w.Validate()
			as.ErrorIs(err, tt.expected)
		})
	}
}

func TestStepIsGate(t *testing.T) {
	as := assert.New(t)

	agent := &api.WorkflowStep{Type: api.StepTypeAgent}
	as.False(agent.IsGate())

	gate := &api.WorkflowStep{Type: api.StepTypeHumanGate}
	as.True(gate.IsGate())

	review := &api.WorkflowStep{Type: api.StepTypeCodeReview}
	as.True(review.IsGate())
}
