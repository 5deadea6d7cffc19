package assert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/sortie/internal/config"
	"github.com/kode4food/sortie/pkg/api"
)

// Wrapper wraps testify assertions with Sortie-specific helpers
type Wrapper struct {
	*testing.T
	*assert.Assertions
	Require *require.Assertions
}

// DefaultRetryInterval is the default polling interval for Eventually checks
const DefaultRetryInterval = 100 * time.Millisecond

// New creates a new test assertion wrapper with both assert and require from
// testify plus Sortie-specific helpers
func New(t *testing.T) *Wrapper {
	return &Wrapper{
		T:          t,
		Assertions: assert.New(t),
		Require:    require.New(t),
	}
}

// StepValid asserts that a workflow step is well formed for its type
func (w *Wrapper) StepValid(s *api.WorkflowStep) {
	w.Helper()
	w.NotEmpty(s.ID)
	w.NotEmpty(s.Name)

	switch s.Type {
	case api.StepTypeAgent:
		w.NotEmpty(s.AgentID, "agent steps should name an agent")
	case api.StepTypeHumanGate, api.StepTypeCodeReview:
		w.True(s.IsGate())
	default:
		w.Fail("unexpected step type", "type: %s", s.Type)
	}
}

// WorkflowValid asserts that a workflow definition passes validation
func (w *Wrapper) WorkflowValid(wf *api.Workflow) {
	w.Helper()
	w.NoError(wf.Validate())
	w.NotEmpty(wf.ID)
	w.NotEmpty(wf.Steps)
	for i := range wf.Steps {
		w.StepValid(&wf.Steps[i])
	}
}

// WorkflowInvalid asserts that a workflow fails validation and returns the
// validation error
func (w *Wrapper) WorkflowInvalid(
	wf *api.Workflow, expectedErrorContains string,
) error {
	w.Helper()
	err := wf.Validate()
	w.Error(err)
	if err != nil && expectedErrorContains != "" {
		w.Contains(err.Error(), expectedErrorContains)
	}
	return err
}

// MissionStatus asserts the status of a mission
func (w *Wrapper) MissionStatus(m *api.Mission, expected api.MissionStatus) {
	w.Helper()
	w.Equal(expected, m.Status)
}

// MissionStage asserts the lifecycle stage of a mission
func (w *Wrapper) MissionStage(m *api.Mission, expected api.MissionStage) {
	w.Helper()
	w.Equal(expected, m.Stage)
}

// RunFinished asserts that a run recorded its completion with the expected
// exit code
func (w *Wrapper) RunFinished(r *api.Run, exitCode int) {
	w.Helper()
	w.True(r.Finished(), "run should be finished")
	if w.NotNil(r.ExitCode) {
		w.Equal(exitCode, *r.ExitCode)
	}
}

// ConfigValid asserts that a configuration is valid
func (w *Wrapper) ConfigValid(cfg *config.Config) {
	w.Helper()
	w.NoError(cfg.Validate())
	w.True(cfg.APIPort > 0 && cfg.APIPort <= config.MaxTCPPort)
	w.True(cfg.PollInterval > 0)
}

// ConfigInvalid asserts that a configuration is invalid
func (w *Wrapper) ConfigInvalid(cfg *config.Config, contains string) {
	w.Helper()
	err := cfg.Validate()
	w.Error(err)
	if contains != "" {
		w.Contains(err.Error(), contains)
	}
}

// Eventually runs a condition repeatedly until it passes or times out
func (w *Wrapper) Eventually(
	condition func() bool, timeout time.Duration, msg string, args ...any,
) {
	w.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(DefaultRetryInterval)
	}
	w.Fail(msg, args...)
}

// EventuallyWithError runs a condition that returns an error until it
// succeeds or times out
func (w *Wrapper) EventuallyWithError(
	condition func() error, timeout time.Duration, msg string, args ...any,
) {
	w.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		err := condition()
		if err == nil {
			return
		}
		lastErr = err
		time.Sleep(DefaultRetryInterval)
	}
	if lastErr != nil {
		w.Fail(msg+": last error: "+lastErr.Error(), args...)
		return
	}
	w.Fail(msg, args...)
}
