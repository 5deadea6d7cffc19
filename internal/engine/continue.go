package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kode4food/sortie/internal/engine/event"
	"github.com/kode4food/sortie/internal/sandbox"
	"github.com/kode4food/sortie/internal/workflow"
	"github.com/kode4food/sortie/pkg/api"
	"github.com/kode4food/sortie/pkg/log"
)

// ContinueMission advances the mission by exactly one logical step. A
// human-gate step resolves synchronously; an agent step is started and
// its completion observed by a poll loop. The state check and the act on
// it run under the mission's lock, so concurrent callers cannot both
// pass the in-flight check and start two runs
func (e *Engine) ContinueMission(
	ctx context.Context, id api.MissionID,
) (*api.Mission, error) {
	unlock := e.lockMission(id)
	defer unlock()

	m, err := e.store.GetMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status == api.StatusRunningCodeAgent {
		return nil, fmt.Errorf("%w: %s", ErrRunInFlight, id)
	}

	wf := e.registry.Resolve(m.WorkflowID)
	if m.CurrentStep >= len(wf.Steps) {
		return nil, fmt.Errorf("%w: %s", ErrMissionComplete, id)
	}
	step := wf.Steps[m.CurrentStep]

	if step.IsGate() {
		return e.resolveGate(ctx, m, wf)
	}
	return e.startStep(ctx, m, &step)
}

// resolveGate handles continuation while the mission sits at a human
// approval step. The last gate completes the mission; otherwise the
// mission advances and, when the next step is an agent step, executes it
func (e *Engine) resolveGate(
	ctx context.Context, m *api.Mission, wf *api.Workflow,
) (*api.Mission, error) {
	if m.CurrentStep == len(wf.Steps)-1 {
		updated, err := e.store.UpdateMeta(ctx, m.ID, api.MissionPatch{
			Status:      api.Ptr(api.StatusCompleted),
			CurrentStep: api.Ptr(len(wf.Steps)),
		})
		if err != nil {
			return nil, err
		}
		e.publishStatus(updated)
		e.logger.Info("mission completed", log.MissionID(m.ID))
		return updated, nil
	}

	next := m.CurrentStep + 1
	nextStep := wf.Steps[next]
	if nextStep.IsGate() {
		updated, err := e.store.UpdateMeta(ctx, m.ID, api.MissionPatch{
			Status:      api.Ptr(api.StatusWaitingHuman),
			CurrentStep: api.Ptr(next),
		})
		if err != nil {
			return nil, err
		}
		e.publishStatus(updated)
		return updated, nil
	}

	updated, err := e.store.UpdateMeta(ctx, m.ID, api.MissionPatch{
		CurrentStep: api.Ptr(next),
	})
	if err != nil {
		return nil, err
	}
	return e.startStep(ctx, updated, &nextStep)
}

// startStep creates a Run and launches the agent step on its declared
// executor. A synchronous start failure is captured into mission state,
// not returned as an error; the caller retries with a fresh call
func (e *Engine) startStep(
	ctx context.Context, m *api.Mission, step *api.WorkflowStep,
) (*api.Mission, error) {
	run := &api.Run{
		ID:        api.NewRunID(),
		MissionID: m.ID,
		StepID:    step.ID,
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	exec := e.newExecutor(step)
	spec := &ExecSpec{
		MissionID:    m.ID,
		RunID:        run.ID,
		StepID:       step.ID,
		Script:       e.buildScript(step),
		Env:          e.stepEnv(m, run, step),
		ArtifactsDir: e.missionDir(m.ID),
	}

	handle, err := exec.Start(ctx, spec)
	if err != nil {
		return e.failStart(ctx, m, run, err)
	}

	updated, err := e.store.UpdateMeta(ctx, m.ID, api.MissionPatch{
		Status:    api.Ptr(api.StatusRunningCodeAgent),
		LastError: api.Ptr(""),
	})
	if err != nil {
		return nil, err
	}

	ar := &activeRun{
		runID:  run.ID,
		stepID: step.ID,
		handle: handle,
		exec:   exec,
		done:   make(chan struct{}),
	}
	e.mu.Lock()
	e.active[m.ID] = ar
	e.mu.Unlock()

	e.publishStatus(updated)
	e.queue.Enqueue(event.Event{
		Type:    api.EventTypeRunStarted,
		Mission: m.ID,
		Run:     run.ID,
		Data:    &api.RunStartedEvent{StepID: step.ID, RunID: run.ID},
	})
	e.logger.Info("step started",
		log.MissionID(m.ID),
		log.RunID(run.ID),
		log.StepID(step.ID),
		log.Handle(handle))

	e.wg.Go(func() {
		e.pollRun(m.ID, run.ID, step, exec, handle, ar.done)
	})
	return updated, nil
}

func (e *Engine) failStart(
	ctx context.Context, m *api.Mission, run *api.Run, cause error,
) (*api.Mission, error) {
	_, _ = e.store.UpdateRun(ctx, m.ID, run.ID, api.RunPatch{
		FinishedAt: api.Ptr(time.Now().UTC()),
		ExitCode:   api.Ptr(-1),
	})
	updated, err := e.store.UpdateMeta(ctx, m.ID, api.MissionPatch{
		Status:    api.Ptr(api.StatusFailed),
		LastError: api.Ptr(cause.Error()),
	})
	if err != nil {
		return nil, err
	}
	e.publishStatus(updated)
	e.logger.Error("step start failed",
		log.MissionID(m.ID),
		log.RunID(run.ID),
		log.Error(cause))
	return updated, nil
}

// buildScript renders the shell command an agent step runs. Every token
// is quoted so the prompt always reaches the agent binary as one argument
func (e *Engine) buildScript(step *api.WorkflowStep) string {
	argv := sandbox.QuoteAll([]string{
		"sortie-agent", "--agent", step.AgentID,
		"--prompt", workflow.PromptFor(step),
	})
	return strings.Join(argv, " ")
}

func (e *Engine) stepEnv(
	m *api.Mission, run *api.Run, step *api.WorkflowStep,
) map[string]string {
	return map[string]string{
		"SORTIE_MISSION_ID": string(m.ID),
		"SORTIE_RUN_ID":     string(run.ID),
		"SORTIE_STEP_ID":    string(step.ID),
		"SORTIE_ARTIFACTS":  "/artifacts",
	}
}
