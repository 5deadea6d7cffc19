package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kode4food/sortie/internal/broadcast"
	"github.com/kode4food/sortie/internal/config"
	"github.com/kode4food/sortie/internal/engine/event"
	"github.com/kode4food/sortie/internal/procexec"
	"github.com/kode4food/sortie/internal/sandbox"
	"github.com/kode4food/sortie/internal/store"
	"github.com/kode4food/sortie/internal/util"
	"github.com/kode4food/sortie/internal/workflow"
	"github.com/kode4food/sortie/pkg/api"
	"github.com/kode4food/sortie/pkg/log"
)

type (
	// Engine drives mission continuation. Each ContinueMission call
	// advances exactly one logical step; agent step completion is observed
	// by an independent poll loop per in-flight run
	Engine struct {
		store       store.Store
		registry    *workflow.Registry
		sandbox     *sandbox.Provider
		procs       *procexec.Orchestrator
		broadcaster *broadcast.Broadcaster
		queue       *event.Queue
		cfg         *config.Config
		logger      *slog.Logger

		// newExecutor selects the executor for a step's declared
		// isolation. Replaceable in tests
		newExecutor func(*api.WorkflowStep) StepExecutor

		mu     sync.Mutex
		active map[api.MissionID]*activeRun
		lockMu sync.Mutex
		locks  map[api.MissionID]*sync.Mutex
		stop   chan struct{}
		wg     sync.WaitGroup
	}

	activeRun struct {
		runID  api.RunID
		stepID api.StepID
		handle api.Handle
		exec   StepExecutor
		done   chan struct{}
	}
)

var (
	ErrExecutorUnavailable = errors.New("executor unavailable")
	ErrInvalidTransition   = errors.New("invalid stage transition")
	ErrMissionComplete     = errors.New("mission already complete")
	ErrRunInFlight         = errors.New("mission has a run in flight")
)

const eventBatchSize = 64

// New creates an Engine over the given collaborators
func New(
	s store.Store, reg *workflow.Registry, sb *sandbox.Provider,
	procs *procexec.Orchestrator, b *broadcast.Broadcaster,
	cfg *config.Config, logger *slog.Logger,
) *Engine {
	e := &Engine{
		store:       s,
		registry:    reg,
		sandbox:     sb,
		procs:       procs,
		broadcaster: b,
		cfg:         cfg,
		logger:      logger,
		active:      map[api.MissionID]*activeRun{},
		locks:       map[api.MissionID]*sync.Mutex{},
		stop:        make(chan struct{}),
	}
	e.queue = event.NewQueue(e.distribute, eventBatchSize)
	e.newExecutor = e.executorFor
	return e
}

// Init probes the sandbox substrate and recovers resources left behind by
// a prior crash. An unavailable substrate is a warning, not a failure;
// process-backed steps remain usable
func (e *Engine) Init(ctx context.Context) error {
	e.queue.Start()
	if !e.sandbox.IsAvailable(ctx) {
		e.logger.Warn("sandbox substrate unavailable; " +
			"only local steps will run")
	}
	removed, err := e.sandbox.CleanupOrphaned(
		ctx, util.SetOf[api.Handle]())
	if err != nil {
		e.logger.Warn("orphan cleanup failed", log.Error(err))
		return nil
	}
	e.logger.Info("engine initialized",
		slog.Int("orphans_removed", removed))
	return nil
}

// SandboxAvailable reports whether the sandbox substrate responds
func (e *Engine) SandboxAvailable(ctx context.Context) bool {
	return e.sandbox.IsAvailable(ctx)
}

// Stop ends poll loops, terminates local processes, and flushes pending
// events
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
	if n := e.procs.KillAll(); n > 0 {
		e.logger.Info("local processes terminated", slog.Int("count", n))
	}
	e.queue.Flush()
	e.broadcaster.Cleanup()
}

// CreateMission registers a new mission in the draft stage. Missions
// created with ralph mode start their iteration counter at 1
func (e *Engine) CreateMission(
	ctx context.Context, req *api.CreateMissionRequest,
) (*api.Mission, error) {
	now := time.Now().UTC()
	m := &api.Mission{
		ID:          api.NewMissionID(),
		Title:       req.Title,
		WorkflowID:  req.WorkflowID,
		Stage:       api.StageDraft,
		Status:      api.StatusReady,
		CurrentStep: 0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if m.WorkflowID == "" {
		m.WorkflowID = workflow.DefaultWorkflowID
	}
	if req.RalphMode {
		m.RalphMode = true
		m.RalphMaxIterations = req.RalphMaxIterations
		m.RalphCurrentIteration = api.Ptr(1)
	}
	if err := e.store.CreateMission(ctx, m); err != nil {
		return nil, err
	}
	e.logger.Info("mission created",
		log.MissionID(m.ID),
		log.WorkflowID(m.WorkflowID))
	return m, nil
}

// GetMission returns the mission record
func (e *Engine) GetMission(
	ctx context.Context, id api.MissionID,
) (*api.Mission, error) {
	return e.store.GetMeta(ctx, id)
}

// ListMissions returns all missions ordered by creation time
func (e *Engine) ListMissions(ctx context.Context) ([]*api.Mission, error) {
	return e.store.ListMissions(ctx)
}

// GetRuns returns the mission's runs ordered by start time
func (e *Engine) GetRuns(
	ctx context.Context, id api.MissionID,
) ([]*api.Run, error) {
	if _, err := e.store.GetMeta(ctx, id); err != nil {
		return nil, err
	}
	return e.store.LoadRuns(ctx, id)
}

// GetArtifact returns a stored artifact's content
func (e *Engine) GetArtifact(
	ctx context.Context, id api.MissionID, name string,
) (string, error) {
	return e.store.GetArtifact(ctx, id, name)
}

// SaveArtifact stores an artifact for the mission
func (e *Engine) SaveArtifact(
	ctx context.Context, id api.MissionID, name, content string,
) error {
	if _, err := e.store.GetMeta(ctx, id); err != nil {
		return err
	}
	return e.store.SaveArtifact(ctx, id, name, content)
}

// GetLogTail returns the last maxBytes of a run's persisted log
func (e *Engine) GetLogTail(
	ctx context.Context, id api.MissionID, runID api.RunID, maxBytes int,
) (string, error) {
	if _, err := e.store.GetMeta(ctx, id); err != nil {
		return "", err
	}
	return e.store.GetLogTail(ctx, id, runID, maxBytes)
}

// GetRunningLogTail returns the live tail for an in-flight run, or false
// when none is in flight
func (e *Engine) GetRunningLogTail(
	ctx context.Context, id api.MissionID, runID api.RunID,
) (string, bool) {
	e.mu.Lock()
	ar, ok := e.active[id]
	e.mu.Unlock()
	if !ok || ar.runID != runID {
		return "", false
	}
	return ar.exec.LogTail(ctx, ar.handle, e.cfg.LogTailBytes), true
}

// Cancel stops the mission's active execution, if any, and transitions
// the mission to a failed state rather than letting it linger
func (e *Engine) Cancel(ctx context.Context, id api.MissionID) error {
	unlock := e.lockMission(id)
	defer unlock()

	m, err := e.store.GetMeta(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	ar, ok := e.active[id]
	if ok {
		delete(e.active, id)
	}
	e.mu.Unlock()

	if ok {
		close(ar.done)
		ar.exec.Stop(ctx, ar.handle)
		_, _ = e.store.UpdateRun(ctx, id, ar.runID, api.RunPatch{
			FinishedAt: api.Ptr(time.Now().UTC()),
			ExitCode:   api.Ptr(-1),
		})
	}

	patch := api.MissionPatch{
		Status:    api.Ptr(api.StatusFailed),
		LastError: api.Ptr("mission canceled"),
	}
	if stageTransitions.CanTransition(m.Stage, api.StageCompletedFailed) {
		patch.Stage = api.Ptr(api.StageCompletedFailed)
	}
	updated, err := e.store.UpdateMeta(ctx, id, patch)
	if err != nil {
		return err
	}
	e.publishStatus(updated)
	if patch.Stage != nil {
		e.publishStage(id, m.Stage, *patch.Stage)
	}
	e.logger.Info("mission canceled", log.MissionID(id))
	return nil
}

// RunQuickCommand executes an ad-hoc command in the mission's workspace,
// honoring the caller-supplied timeout. A timeout is reported as failure,
// not an error
func (e *Engine) RunQuickCommand(
	ctx context.Context, id api.MissionID, req *api.QuickCommandRequest,
) (*api.QuickCommandResponse, error) {
	if _, err := e.store.GetMeta(ctx, id); err != nil {
		return nil, err
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	proc, err := e.procs.Spawn(ctx, &procexec.SpawnOptions{
		Dir:    e.missionDir(id),
		Script: req.Command,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecutorUnavailable, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-proc.Output:
			if ok {
				continue
			}
			status := <-proc.Done
			return &api.QuickCommandResponse{
				Output:   proc.Tail(e.cfg.LogTailBytes),
				ExitCode: status.Code,
			}, nil
		case <-timer.C:
			e.procs.Kill(proc.PID)
			go func() {
				for range proc.Output {
				}
			}()
			return &api.QuickCommandResponse{
				Output:   proc.Tail(e.cfg.LogTailBytes),
				ExitCode: -1,
				TimedOut: true,
			}, nil
		}
	}
}

// lockMission serializes lifecycle mutations on a single mission. The
// HTTP layer admits concurrent callers, so every fresh-read-then-act
// sequence runs under the mission's lock
func (e *Engine) lockMission(id api.MissionID) func() {
	e.lockMu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.lockMu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) executorFor(step *api.WorkflowStep) StepExecutor {
	if step.Isolation == api.IsolationLocal {
		return NewProcessExecutor(e.procs)
	}
	return NewSandboxExecutor(e.sandbox)
}

func (e *Engine) missionDir(id api.MissionID) string {
	return e.cfg.DataDir + "/" + string(id)
}

func (e *Engine) publishStatus(m *api.Mission) {
	e.queue.Enqueue(event.Event{
		Type:    api.EventTypeStatusChanged,
		Mission: m.ID,
		Data: &api.StatusChangedEvent{
			Status:      m.Status,
			CurrentStep: m.CurrentStep,
			LastError:   m.LastError,
		},
	})
}

func (e *Engine) publishStage(id api.MissionID, from, to api.MissionStage) {
	e.queue.Enqueue(event.Event{
		Type:    api.EventTypeStageChanged,
		Mission: id,
		Data:    &api.StageChangedEvent{From: from, To: to},
	})
}

// distribute fans queued events out to live subscribers. Run-scoped
// events reach both the mission key and the run key, each with its own
// sequence counter
func (e *Engine) distribute(batch []event.Event) error {
	for _, ev := range batch {
		env := &api.MissionEvent{
			Type:      ev.Type,
			MissionID: ev.Mission,
			RunID:     ev.Run,
			Data:      ev.Data,
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return err
		}
		keys := []string{string(ev.Mission)}
		if ev.Run != "" {
			keys = append(keys, string(ev.Run))
		}
		for _, key := range keys {
			seq := e.broadcaster.NextEventID(key)
			e.broadcaster.Broadcast(key, seq, payload)
		}
	}
	return nil
}
