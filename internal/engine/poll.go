package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kode4food/sortie/internal/engine/event"
	"github.com/kode4food/sortie/pkg/api"
	"github.com/kode4food/sortie/pkg/log"
)

// pollRun watches one in-flight run until its execution exits, streaming
// log deltas along the way. Steps may run indefinitely; the loop imposes
// no timeout of its own and ends only on exit, on a bounded streak of
// unknown status probes, on cancellation, or at engine shutdown
func (e *Engine) pollRun(
	missionID api.MissionID, runID api.RunID, step *api.WorkflowStep,
	exec StepExecutor, handle api.Handle, done <-chan struct{},
) {
	ctx := context.Background()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	unknown := 0
	lastTail := ""
	for {
		select {
		case <-e.stop:
			return
		case <-done:
			return
		case <-ticker.C:
		}

		st := exec.Status(ctx, handle)
		switch st.State {
		case api.HandleRunning:
			unknown = 0
			lastTail = e.streamTail(ctx, missionID, runID, exec,
				handle, lastTail)

		case api.HandleUnknown:
			unknown++
			if unknown <= e.cfg.MaxUnknownPolls {
				continue
			}
			e.finishRun(ctx, missionID, runID, step, exec, handle, -1,
				"executor status unknown")
			return

		case api.HandleExited:
			code := -1
			if st.ExitCode != nil {
				code = *st.ExitCode
			}
			e.finishRun(ctx, missionID, runID, step, exec, handle,
				code, "")
			return
		}
	}
}

// streamTail persists newly observed output and publishes it to live
// subscribers. Probes are best-effort and never fail the run
func (e *Engine) streamTail(
	ctx context.Context, missionID api.MissionID, runID api.RunID,
	exec StepExecutor, handle api.Handle, lastTail string,
) string {
	tail := exec.LogTail(ctx, handle, e.cfg.LogTailBytes)
	if tail == "" || tail == lastTail {
		return lastTail
	}

	if delta := tailDelta(lastTail, tail); delta != "" {
		if err := e.store.AppendLog(
			ctx, missionID, runID, []byte(delta),
		); err != nil {
			e.logger.Debug("log append failed",
				log.RunID(runID), log.Error(err))
		}
	}

	e.queue.Enqueue(event.Event{
		Type:    api.EventTypeRunLog,
		Mission: missionID,
		Run:     runID,
		Data:    &api.RunLogEvent{RunID: runID, Tail: tail},
	})
	return tail
}

// tailDelta returns the portion of cur not already covered by prev. Both
// are bounded windows, so once output exceeds the window prev stops being
// a prefix of cur; the longest suffix of prev matching a prefix of cur
// marks the boundary instead
func tailDelta(prev, cur string) string {
	if prev == "" {
		return cur
	}
	if rest, ok := strings.CutPrefix(cur, prev); ok {
		return rest
	}
	for k := min(len(prev), len(cur)); k > 0; k-- {
		if prev[len(prev)-k:] == cur[:k] {
			return cur[k:]
		}
	}
	return cur
}

// finishRun records the run's terminal state, releases the execution,
// and advances or fails the mission. Failures are captured into mission
// state since the poll loop has no synchronous caller. The run must
// still be the mission's active one: a run already claimed by Cancel is
// left alone, keeping its recorded outcome and cancellation reason
func (e *Engine) finishRun(
	ctx context.Context, missionID api.MissionID, runID api.RunID,
	step *api.WorkflowStep, exec StepExecutor, handle api.Handle,
	exitCode int, reason string,
) {
	unlock := e.lockMission(missionID)
	defer unlock()

	e.mu.Lock()
	ar, ok := e.active[missionID]
	if ok && ar.runID == runID {
		delete(e.active, missionID)
	} else {
		ok = false
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	tail := exec.LogTail(ctx, handle, e.cfg.LogTailBytes)
	exec.Stop(ctx, handle)

	_, err := e.store.UpdateRun(ctx, missionID, runID, api.RunPatch{
		FinishedAt: api.Ptr(time.Now().UTC()),
		ExitCode:   api.Ptr(exitCode),
		LogTail:    api.Ptr(tail),
	})
	if err != nil {
		e.logger.Error("run update failed",
			log.RunID(runID), log.Error(err))
	}

	e.queue.Enqueue(event.Event{
		Type:    api.EventTypeRunFinished,
		Mission: missionID,
		Run:     runID,
		Data: &api.RunFinishedEvent{
			StepID:   step.ID,
			RunID:    runID,
			ExitCode: exitCode,
		},
	})

	if exitCode != 0 {
		if reason == "" {
			reason = fmt.Sprintf("step %s exited with code %d",
				step.ID, exitCode)
		}
		e.failMission(ctx, missionID, reason)
		return
	}

	e.saveStepOutput(ctx, missionID, step, tail)
	e.advanceMission(ctx, missionID, step)
}

// saveStepOutput copies the step's declared output artifact from the
// mission workspace into the artifact store, falling back to the
// terminal log tail when the file was never produced
func (e *Engine) saveStepOutput(
	ctx context.Context, missionID api.MissionID,
	step *api.WorkflowStep, tail string,
) {
	if step.Output == "" {
		return
	}
	content := tail
	path := filepath.Join(e.missionDir(missionID), step.Output)
	if data, err := os.ReadFile(path); err == nil {
		content = string(data)
	}
	if err := e.store.SaveArtifact(
		ctx, missionID, step.Output, content,
	); err != nil {
		e.logger.Error("artifact save failed",
			log.MissionID(missionID), log.Error(err))
	}
}

// advanceMission moves the mission past a successfully completed agent
// step. Ralph-mode missions re-run the same step while their iteration
// budget lasts, then fall through to the next gate
func (e *Engine) advanceMission(
	ctx context.Context, missionID api.MissionID, step *api.WorkflowStep,
) {
	m, err := e.store.GetMeta(ctx, missionID)
	if err != nil {
		e.logger.Error("mission reload failed",
			log.MissionID(missionID), log.Error(err))
		return
	}

	if e.ralphRerun(ctx, m, step) {
		return
	}

	wf := e.registry.Resolve(m.WorkflowID)
	next := m.CurrentStep + 1
	patch := api.MissionPatch{CurrentStep: api.Ptr(next)}
	switch {
	case next >= len(wf.Steps):
		patch.CurrentStep = api.Ptr(len(wf.Steps))
		patch.Status = api.Ptr(api.StatusCompleted)
	case wf.Steps[next].IsGate():
		patch.Status = api.Ptr(api.StatusWaitingHuman)
	default:
		patch.Status = api.Ptr(api.StatusReady)
	}

	updated, err := e.store.UpdateMeta(ctx, missionID, patch)
	if err != nil {
		e.logger.Error("mission advance failed",
			log.MissionID(missionID), log.Error(err))
		return
	}
	e.publishStatus(updated)
}

// ralphRerun re-executes the same step for a ralph-mode mission when the
// iteration budget allows, incrementing the counter. Returns false once
// the budget would be exceeded so normal advancement takes over
func (e *Engine) ralphRerun(
	ctx context.Context, m *api.Mission, step *api.WorkflowStep,
) bool {
	if !m.RalphMode || m.RalphCurrentIteration == nil {
		return false
	}
	iter := *m.RalphCurrentIteration
	if iter >= m.RalphMaxIterations {
		return false
	}

	updated, err := e.store.UpdateMeta(ctx, m.ID, api.MissionPatch{
		RalphCurrentIteration: api.Ptr(iter + 1),
	})
	if err != nil {
		e.logger.Error("ralph iteration update failed",
			log.MissionID(m.ID), log.Error(err))
		return false
	}

	e.logger.Info("ralph re-run",
		log.MissionID(m.ID),
		log.StepID(step.ID))
	if _, err := e.startStep(ctx, updated, step); err != nil {
		e.logger.Error("ralph re-run failed to start",
			log.MissionID(m.ID), log.Error(err))
	}
	return true
}

func (e *Engine) failMission(
	ctx context.Context, missionID api.MissionID, reason string,
) {
	updated, err := e.store.UpdateMeta(ctx, missionID, api.MissionPatch{
		Status:    api.Ptr(api.StatusFailed),
		LastError: api.Ptr(reason),
	})
	if err != nil {
		e.logger.Error("mission failure update failed",
			log.MissionID(missionID), log.Error(err))
		return
	}
	e.publishStatus(updated)
	e.logger.Warn("step failed",
		log.MissionID(missionID),
		log.ErrorString(reason))
}
