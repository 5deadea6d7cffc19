package api

import (
	"errors"
	"fmt"
)

type (
	// StepType distinguishes autonomous agent steps from human approval
	// gates and code-review gates
	StepType string

	// Isolation selects the executor for an agent step
	Isolation string

	// WorkspaceMode controls whether a step sees the mission workspace
	// from previous steps or a fresh one
	WorkspaceMode string

	// Workflow is a reusable ordered definition of steps with artifact
	// wiring. Definitions are immutable once resolved
	Workflow struct {
		ID    WorkflowID     `json:"id"`
		Name  string         `json:"name"`
		Steps []WorkflowStep `json:"steps"`
	}

	// WorkflowStep is a single step definition within a workflow
	WorkflowStep struct {
		ID            StepID         `json:"step_id"`
		Name          string         `json:"name"`
		Type          StepType       `json:"type"`
		AgentID       string         `json:"agent_id,omitempty"`
		Inputs        []string       `json:"inputs,omitempty"`
		Output        string         `json:"output,omitempty"`
		Workspace     WorkspaceMode  `json:"workspace,omitempty"`
		Isolation     Isolation      `json:"isolation,omitempty"`
		QuickCommands []QuickCommand `json:"quick_commands,omitempty"`
	}

	// QuickCommand is a predefined ad-hoc command offered on code-review
	// steps
	QuickCommand struct {
		Name    string `json:"name"`
		Command string `json:"command"`
	}
)

const (
	StepTypeAgent      StepType = "agent"
	StepTypeHumanGate  StepType = "human-gate"
	StepTypeCodeReview StepType = "code-review"

	IsolationSandbox Isolation = "sandbox"
	IsolationLocal   Isolation = "local"

	WorkspacePersistent WorkspaceMode = "persistent"
	WorkspaceEphemeral  WorkspaceMode = "ephemeral"
)

var (
	ErrWorkflowIDEmpty = errors.New("workflow ID empty")
	ErrNoSteps         = errors.New("workflow has no steps")
	ErrStepIDEmpty     = errors.New("step ID empty")
	ErrInvalidStepType = errors.New("invalid step type")
	ErrAgentIDMissing  = errors.New("agent step requires an agent ID")
)

// IsGate returns whether the step pauses automatic progression until a
// human approves it
func (s *WorkflowStep) IsGate() bool {
	return s.Type == StepTypeHumanGate || s.Type == StepTypeCodeReview
}

// Validate checks a workflow definition. Human-gate and code-review steps
// need no agent ID; agent steps must name one
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return ErrWorkflowIDEmpty
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSteps, w.ID)
	}
	for i, step := range w.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: index %d", ErrStepIDEmpty, i)
		}
		switch step.Type {
		case StepTypeAgent:
			if step.AgentID == "" {
				return fmt.Errorf("%w: %s", ErrAgentIDMissing, step.ID)
			}
		case StepTypeHumanGate, StepTypeCodeReview:
			// no agent binding required
		default:
			return fmt.Errorf("%w: %q (%s)",
				ErrInvalidStepType, step.Type, step.ID)
		}
	}
	return nil
}
