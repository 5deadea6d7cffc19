package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/kode4food/sortie/pkg/api"
)

type (
	// Registry resolves workflow definitions by ID. Unknown IDs fall back
	// to the default workflow, keeping missions created against retired
	// IDs runnable
	Registry struct {
		workflows map[api.WorkflowID]*api.Workflow
	}
)

const (
	DefaultWorkflowID api.WorkflowID = "default"
	ReviewWorkflowID  api.WorkflowID = "code-review"

	// CompleteStepName is reported for any index at or past the end of a
	// workflow's step list
	CompleteStepName = "Complete"
)

var (
	ErrWorkflowMalformed = errors.New("workflow document malformed")
)

// NewRegistry creates a registry populated with the built-in workflows
func NewRegistry() *Registry {
	r := &Registry{
		workflows: map[api.WorkflowID]*api.Workflow{},
	}
	r.Register(defaultWorkflow())
	r.Register(reviewWorkflow())
	return r
}

// Register adds or replaces a workflow definition
func (r *Registry) Register(w *api.Workflow) {
	r.workflows[w.ID] = w
}

// Resolve returns the workflow for the given ID, or the default workflow
// when the ID is unknown
func (r *Registry) Resolve(id api.WorkflowID) *api.Workflow {
	if w, ok := r.workflows[id]; ok {
		return w
	}
	return r.workflows[DefaultWorkflowID]
}

// StepName returns the display name of the step at the given index, or
// CompleteStepName for any index at or past the step count
func (r *Registry) StepName(id api.WorkflowID, index int) string {
	w := r.Resolve(id)
	if index < 0 || index >= len(w.Steps) {
		return CompleteStepName
	}
	return w.Steps[index].Name
}

// Parse validates and decodes a dynamically supplied workflow document
func Parse(doc []byte) (*api.Workflow, error) {
	if !gjson.ValidBytes(doc) {
		return nil, ErrWorkflowMalformed
	}
	if steps := gjson.GetBytes(doc, "steps"); !steps.IsArray() {
		return nil, fmt.Errorf("%w: steps must be an array",
			ErrWorkflowMalformed)
	}
	var w api.Workflow
	if err := json.Unmarshal(doc, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkflowMalformed, err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

func defaultWorkflow() *api.Workflow {
	return &api.Workflow{
		ID:   DefaultWorkflowID,
		Name: "Default Mission",
		Steps: []api.WorkflowStep{
			{
				ID:        "cleanup",
				Name:      "Cleanup Workspace",
				Type:      api.StepTypeAgent,
				AgentID:   "janitor",
				Output:    "cleanup-report.md",
				Workspace: api.WorkspacePersistent,
				Isolation: api.IsolationSandbox,
			},
			{
				ID:   "cleanup-review",
				Name: "Cleanup Review",
				Type: api.StepTypeHumanGate,
			},
			{
				ID:        "generate-prd",
				Name:      "Generate PRD",
				Type:      api.StepTypeAgent,
				AgentID:   "planner",
				Inputs:    []string{"cleanup-report.md"},
				Output:    "prd.md",
				Workspace: api.WorkspacePersistent,
				Isolation: api.IsolationSandbox,
			},
			{
				ID:   "prd-review",
				Name: "PRD Review",
				Type: api.StepTypeHumanGate,
			},
			{
				ID:        "prepare-tasks",
				Name:      "Prepare Tasks",
				Type:      api.StepTypeAgent,
				AgentID:   "planner",
				Inputs:    []string{"prd.md"},
				Output:    "tasks.md",
				Workspace: api.WorkspacePersistent,
				Isolation: api.IsolationSandbox,
			},
			{
				ID:   "tasks-review",
				Name: "Tasks Review",
				Type: api.StepTypeHumanGate,
			},
			{
				ID:        "implement",
				Name:      "Implement Tasks",
				Type:      api.StepTypeAgent,
				AgentID:   "coder",
				Inputs:    []string{"prd.md", "tasks.md"},
				Output:    "implementation-report.md",
				Workspace: api.WorkspacePersistent,
				Isolation: api.IsolationSandbox,
			},
			{
				ID:   "final-review",
				Name: "Final Review",
				Type: api.StepTypeHumanGate,
			},
		},
	}
}

func reviewWorkflow() *api.Workflow {
	return &api.Workflow{
		ID:   ReviewWorkflowID,
		Name: "Implement and Review",
		Steps: []api.WorkflowStep{
			{
				ID:        "generate-prd",
				Name:      "Generate PRD",
				Type:      api.StepTypeAgent,
				AgentID:   "planner",
				Output:    "prd.md",
				Workspace: api.WorkspacePersistent,
				Isolation: api.IsolationSandbox,
			},
			{
				ID:   "prd-review",
				Name: "PRD Review",
				Type: api.StepTypeHumanGate,
			},
			{
				ID:        "implement",
				Name:      "Implement Tasks",
				Type:      api.StepTypeAgent,
				AgentID:   "coder",
				Inputs:    []string{"prd.md"},
				Output:    "implementation-report.md",
				Workspace: api.WorkspacePersistent,
				Isolation: api.IsolationLocal,
			},
			{
				ID:   "review",
				Name: "Code Review",
				Type: api.StepTypeCodeReview,
				QuickCommands: []api.QuickCommand{
					{Name: "Diff", Command: "git diff"},
					{Name: "Tests", Command: "make test"},
					{Name: "Lint", Command: "make lint"},
				},
			},
		},
	}
}
