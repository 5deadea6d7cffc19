package workflow_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/sortie/internal/workflow"
	"github.com/kode4food/sortie/pkg/api"
)

func TestResolveKnownWorkflow(t *testing.T) {
	r := workflow.NewRegistry()

	w := r.Resolve(workflow.DefaultWorkflowID)
	require.NotNil(t, w)
	assert.Equal(t, workflow.DefaultWorkflowID, w.ID)
	assert.Len(t, w.Steps, 8)
	assert.NoError(t, w.Validate())

	rv := r.Resolve(workflow.ReviewWorkflowID)
	require.NotNil(t, rv)
	assert.Equal(t, api.StepTypeCodeReview, rv.Steps[len(rv.Steps)-1].Type)
	assert.NoError(t, rv.Validate())
}

func TestResolveUnknownFallsBackToDefault(t *testing.T) {
	r := workflow.NewRegistry()

	w := r.Resolve("retired-workflow")
	require.NotNil(t, w)
	assert.Equal(t, workflow.DefaultWorkflowID, w.ID)
}

func TestDefaultWorkflowAlternatesGates(t *testing.T) {
	r := workflow.NewRegistry()
	w := r.Resolve(workflow.DefaultWorkflowID)

	assert.Equal(t, api.StepID("cleanup"), w.Steps[0].ID)
	for i, step := range w.Steps {
		if i%2 == 0 {
			assert.Equal(t, api.StepTypeAgent, step.Type, "step %d", i)
		} else {
			assert.True(t, step.IsGate(), "step %d", i)
		}
	}
}

func TestStepName(t *testing.T) {
	r := workflow.NewRegistry()

	assert.Equal(t, "Cleanup Workspace",
		r.StepName(workflow.DefaultWorkflowID, 0))
	assert.Equal(t, "Final Review",
		r.StepName(workflow.DefaultWorkflowID, 7))
	assert.Equal(t, workflow.CompleteStepName,
		r.StepName(workflow.DefaultWorkflowID, 8))
	assert.Equal(t, workflow.CompleteStepName,
		r.StepName(workflow.DefaultWorkflowID, 100))
}

func TestParseWorkflow(t *testing.T) {
	doc := []byte(`{
		"id": "custom",
		"name": "Custom",
		"steps": [
			{"step_id": "plan", "name": "Plan", "type": "agent",
			 "agent_id": "planner", "output": "plan.md"},
			{"step_id": "approve", "name": "Approve", "type": "human-gate"}
		]
	}`)

	w, err := workflow.Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, api.WorkflowID("custom"), w.ID)
	require.Len(t, w.Steps, 2)
	assert.Equal(t, "planner", w.Steps[0].AgentID)
}

func TestParseWorkflowRejections(t *testing.T) {
	_, err := workflow.Parse([]byte(`{not json`))
	assert.ErrorIs(t, err, workflow.ErrWorkflowMalformed)

	_, err = workflow.Parse([]byte(`{"id": "x", "steps": "nope"}`))
	assert.ErrorIs(t, err, workflow.ErrWorkflowMalformed)

	_, err = workflow.Parse([]byte(`{"id": "x", "steps": []}`))
	assert.ErrorIs(t, err, api.ErrNoSteps)

	_, err = workflow.Parse([]byte(`{
		"id": "x",
		"steps": [{"step_id": "s", "name": "S", "type": "agent"}]
	}`))
	assert.ErrorIs(t, err, api.ErrAgentIDMissing)

	_, err = workflow.Parse([]byte(`{
		"id": "x",
		"steps": [{"step_id": "g", "name": "G", "type": "human-gate"}]
	}`))
	assert.NoError(t, err, "gates need no agent id")
}

func TestPromptFor(t *testing.T) {
	r := workflow.NewRegistry()
	w := r.Resolve(workflow.DefaultWorkflowID)
	step := &w.Steps[6]

	prompt := workflow.PromptFor(step)
	assert.Contains(t, prompt, "prd.md")
	assert.Contains(t, prompt, "tasks.md")
	assert.Contains(t, prompt, "implementation-report.md")
	assert.Contains(t, prompt, workflow.CompletionMarker)

	again := workflow.PromptFor(step)
	assert.Equal(t, prompt, again, "prompt rendering is deterministic")

	gate := workflow.PromptFor(&w.Steps[1])
	assert.False(t, strings.Contains(gate, "input artifacts"))
}
