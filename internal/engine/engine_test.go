package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/kode4food/sortie/internal/broadcast"
	"github.com/kode4food/sortie/internal/config"
	"github.com/kode4food/sortie/internal/procexec"
	"github.com/kode4food/sortie/internal/sandbox"
	"github.com/kode4food/sortie/internal/store"
	"github.com/kode4food/sortie/internal/workflow"
	"github.com/kode4food/sortie/pkg/api"
	"github.com/kode4food/sortie/pkg/log"
)

const waitFor = 3 * time.Second

type (
	fakeExec struct {
		mu         sync.Mutex
		specs      []*ExecSpec
		startErr   error
		startDelay time.Duration
		status     api.HandleStatus
		tail       string
		stopped    int
	}

	okRunner struct{}

	// downRunner fails every substrate call, recording what was asked
	downRunner struct {
		mu    sync.Mutex
		calls [][]string
	}
)

func (r *okRunner) Run(context.Context, ...string) ([]byte, error) {
	return nil, nil
}

func (r *downRunner) Run(
	_ context.Context, args ...string,
) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, args)
	return nil, errors.New("daemon unreachable")
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		status: api.HandleStatus{State: api.HandleRunning},
	}
}

func (f *fakeExec) Start(
	_ context.Context, spec *ExecSpec,
) (api.Handle, error) {
	f.mu.Lock()
	if f.startErr != nil {
		f.mu.Unlock()
		return "", f.startErr
	}
	f.specs = append(f.specs, spec)
	delay := f.startDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return "fake-handle", nil
}

func (f *fakeExec) Status(context.Context, api.Handle) api.HandleStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeExec) LogTail(context.Context, api.Handle, int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tail
}

func (f *fakeExec) Stop(context.Context, api.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeExec) setExited(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = api.HandleStatus{
		State:    api.HandleExited,
		ExitCode: &code,
	}
}

func (f *fakeExec) setUnknown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = api.HandleStatus{State: api.HandleUnknown}
}

func (f *fakeExec) setTail(tail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tail = tail
}

func (f *fakeExec) startedSpecs() []*ExecSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ExecSpec{}, f.specs...)
}

func newTestEngine(t *testing.T) (*Engine, *fakeExec, store.Store) {
	t.Helper()
	return newTestEngineWithRunner(t, &okRunner{})
}

func newTestEngineWithRunner(
	t *testing.T, runner sandbox.Runner,
) (*Engine, *fakeExec, store.Store) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = bucket.Close() })
	st := store.NewRedisStore(client, bucket, "sortie-test")

	cfg := config.NewDefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MaxUnknownPolls = 2
	cfg.DataDir = t.TempDir()

	logger := log.New("sortie-test", "test", "0.0.0")
	sb := sandbox.NewProviderWithRunner(
		runner, logger, "test:latest", "sortie.owner")
	procs := procexec.NewOrchestrator(logger, cfg.LogTailBytes)
	b := broadcast.NewBroadcaster(logger)

	e := New(st, workflow.NewRegistry(), sb, procs, b, cfg, logger)
	fake := newFakeExec()
	e.newExecutor = func(*api.WorkflowStep) StepExecutor { return fake }
	require.NoError(t, e.Init(context.Background()))
	t.Cleanup(e.Stop)

	return e, fake, st
}

func createMission(
	t *testing.T, e *Engine, req *api.CreateMissionRequest,
) *api.Mission {
	t.Helper()
	if req == nil {
		req = &api.CreateMissionRequest{Title: "Test"}
	}
	m, err := e.CreateMission(context.Background(), req)
	require.NoError(t, err)
	return m
}

func waitForStatus(
	t *testing.T, e *Engine, id api.MissionID, want api.MissionStatus,
) *api.Mission {
	t.Helper()
	var m *api.Mission
	require.Eventually(t, func() bool {
		var err error
		m, err = e.GetMission(context.Background(), id)
		return err == nil && m.Status == want
	}, waitFor, 5*time.Millisecond,
		"mission never reached status %s", want)
	return m
}

func TestCreateMissionDefaults(t *testing.T) {
	e, _, _ := newTestEngine(t)

	m := createMission(t, e, nil)
	assert.Regexp(t, `^mission-[0-9a-f-]+$`, string(m.ID))
	assert.Equal(t, workflow.DefaultWorkflowID, m.WorkflowID)
	assert.Equal(t, api.StageDraft, m.Stage)
	assert.Equal(t, api.StatusReady, m.Status)
	assert.Nil(t, m.RalphCurrentIteration)
}

func TestCreateMissionRalphStartsAtOne(t *testing.T) {
	e, _, _ := newTestEngine(t)

	m := createMission(t, e, &api.CreateMissionRequest{
		Title:              "Ralph",
		RalphMode:          true,
		RalphMaxIterations: 3,
	})
	require.NotNil(t, m.RalphCurrentIteration)
	assert.Equal(t, 1, *m.RalphCurrentIteration)
}

func TestContinueStartsFirstStep(t *testing.T) {
	e, fake, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMission(t, e, nil)

	before := time.Now().UTC()
	updated, err := e.ContinueMission(ctx, m.ID)
	after := time.Now().UTC()
	require.NoError(t, err)
	assert.Equal(t, api.StatusRunningCodeAgent, updated.Status)

	specs := fake.startedSpecs()
	require.Len(t, specs, 1)
	assert.Equal(t, m.ID, specs[0].MissionID)
	assert.Equal(t, api.StepID("cleanup"), specs[0].StepID)
	assert.Contains(t, specs[0].Script, workflow.CompletionMarker)
	assert.Contains(t, specs[0].Script, "'--agent' 'janitor'")

	runs, err := e.GetRuns(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Regexp(t, api.RunIDPattern, string(runs[0].ID))
	assert.Equal(t, api.StepID("cleanup"), runs[0].StepID)
	assert.False(t, runs[0].StartedAt.Before(before))
	assert.False(t, runs[0].StartedAt.After(after))
}

func TestContinueMissionNotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)

	_, err := e.ContinueMission(context.Background(), "mission-none")
	assert.ErrorIs(t, err, store.ErrMissionNotFound)
}

func TestConcurrentContinueStartsOneRun(t *testing.T) {
	e, fake, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMission(t, e, nil)

	fake.mu.Lock()
	fake.startDelay = 100 * time.Millisecond
	fake.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.ContinueMission(ctx, m.ID)
		}()
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		if err == nil {
			started++
		} else {
			assert.ErrorIs(t, err, ErrRunInFlight)
		}
	}
	assert.Equal(t, 1, started, "exactly one caller starts the step")

	runs, err := e.GetRuns(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Len(t, fake.startedSpecs(), 1)
}

func TestContinueRejectedWhileRunInFlight(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMission(t, e, nil)

	_, err := e.ContinueMission(ctx, m.ID)
	require.NoError(t, err)

	_, err = e.ContinueMission(ctx, m.ID)
	assert.ErrorIs(t, err, ErrRunInFlight)
}

func TestStartFailureCapturedNotThrown(t *testing.T) {
	e, fake, _ := newTestEngine(t)
	fake.startErr = errors.New("image pull refused")
	m := createMission(t, e, nil)

	updated, err := e.ContinueMission(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailed, updated.Status)
	assert.Contains(t, updated.LastError, "image pull refused")

	// a fresh call retries with a fresh run
	fake.startErr = nil
	retried, err := e.ContinueMission(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusRunningCodeAgent, retried.Status)

	runs, err := e.GetRuns(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestSuccessfulStepAdvancesToGate(t *testing.T) {
	e, fake, st := newTestEngine(t)
	ctx := context.Background()
	m := createMission(t, e, nil)

	_, err := e.ContinueMission(ctx, m.ID)
	require.NoError(t, err)

	fake.setTail("agent output")
	fake.setExited(0)

	updated := waitForStatus(t, e, m.ID, api.StatusWaitingHuman)
	assert.Equal(t, 1, updated.CurrentStep)

	runs, err := e.GetRuns(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Finished())
	require.NotNil(t, runs[0].ExitCode)
	assert.Zero(t, *runs[0].ExitCode)
	assert.Equal(t, "agent output", runs[0].LogTail)

	artifact, err := st.GetArtifact(ctx, m.ID, "cleanup-report.md")
	require.NoError(t, err)
	assert.Equal(t, "agent output", artifact)
}

func TestFailedStepRecordsError(t *testing.T) {
	e, fake, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMission(t, e, nil)

	_, err := e.ContinueMission(ctx, m.ID)
	require.NoError(t, err)
	fake.setExited(2)

	updated := waitForStatus(t, e, m.ID, api.StatusFailed)
	assert.Contains(t, updated.LastError, "exited with code 2")
	assert.Zero(t, updated.CurrentStep, "step index does not advance")
}

func TestUnknownStatusStreakFailsRun(t *testing.T) {
	e, fake, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMission(t, e, nil)

	_, err := e.ContinueMission(ctx, m.ID)
	require.NoError(t, err)
	fake.setUnknown()

	updated := waitForStatus(t, e, m.ID, api.StatusFailed)
	assert.Contains(t, updated.LastError, "unknown")
}

func TestGateAdvancesToNextAgentStep(t *testing.T) {
	e, fake, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMission(t, e, nil)

	_, err := e.ContinueMission(ctx, m.ID)
	require.NoError(t, err)
	fake.setExited(0)
	waitForStatus(t, e, m.ID, api.StatusWaitingHuman)

	// approving the gate launches the next agent step
	fake.mu.Lock()
	fake.status = api.HandleStatus{State: api.HandleRunning}
	fake.mu.Unlock()
	updated, err := e.ContinueMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusRunningCodeAgent, updated.Status)
	assert.Equal(t, 2, updated.CurrentStep)

	specs := fake.startedSpecs()
	require.Len(t, specs, 2)
	assert.Equal(t, api.StepID("generate-prd"), specs[1].StepID)
}

func TestAdjacentGatesWaitForHuman(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	e.registry.Register(&api.Workflow{
		ID:   "gates",
		Name: "Gates",
		Steps: []api.WorkflowStep{
			{ID: "first", Name: "First", Type: api.StepTypeHumanGate},
			{ID: "second", Name: "Second", Type: api.StepTypeHumanGate},
			{ID: "third", Name: "Third", Type: api.StepTypeHumanGate},
		},
	})
	m := createMission(t, e, &api.CreateMissionRequest{
		Title:      "Gates",
		WorkflowID: "gates",
	})

	updated, err := e.ContinueMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusWaitingHuman, updated.Status)
	assert.Equal(t, 1, updated.CurrentStep)
}

func TestLastGateCompletesExactlyOnce(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMission(t, e, nil)

	_, err := e.store.UpdateMeta(ctx, m.ID, api.MissionPatch{
		Status:      api.Ptr(api.StatusWaitingHuman),
		CurrentStep: api.Ptr(7),
	})
	require.NoError(t, err)

	updated, err := e.ContinueMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, updated.Status)
	assert.Equal(t, 8, updated.CurrentStep)

	_, err = e.ContinueMission(ctx, m.ID)
	assert.ErrorIs(t, err, ErrMissionComplete)
}

func TestRalphRerunIncrementsIteration(t *testing.T) {
	e, fake, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMission(t, e, &api.CreateMissionRequest{
		Title:              "Ralph",
		RalphMode:          true,
		RalphMaxIterations: 3,
	})

	_, err := e.ContinueMission(ctx, m.ID)
	require.NoError(t, err)
	fake.setExited(0)

	// each successful exit re-runs the step until the budget is spent,
	// then the mission advances to the gate
	updated := waitForStatus(t, e, m.ID, api.StatusWaitingHuman)
	require.NotNil(t, updated.RalphCurrentIteration)
	assert.Equal(t, 3, *updated.RalphCurrentIteration)

	runs, err := e.GetRuns(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
	for _, run := range runs {
		assert.Equal(t, api.StepID("cleanup"), run.StepID)
	}
}

func TestGetRunningLogTail(t *testing.T) {
	e, fake, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMission(t, e, nil)

	_, missing := e.GetRunningLogTail(ctx, m.ID, "run-none")
	assert.False(t, missing)

	_, err := e.ContinueMission(ctx, m.ID)
	require.NoError(t, err)
	fake.setTail("live output")

	runs, err := e.GetRuns(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	tail, ok := e.GetRunningLogTail(ctx, m.ID, runs[0].ID)
	require.True(t, ok)
	assert.Equal(t, "live output", tail)

	_, ok = e.GetRunningLogTail(ctx, m.ID, "run-other")
	assert.False(t, ok)
}

func TestCancelStopsActiveRun(t *testing.T) {
	e, fake, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMission(t, e, nil)

	_, err := e.ContinueMission(ctx, m.ID)
	require.NoError(t, err)

	require.NoError(t, e.Cancel(ctx, m.ID))

	updated, err := e.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailed, updated.Status)
	assert.Equal(t, "mission canceled", updated.LastError)

	fake.mu.Lock()
	stopped := fake.stopped
	fake.mu.Unlock()
	assert.Positive(t, stopped)

	runs, err := e.GetRuns(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Finished())
}

func TestCancelOutcomeSurvivesLateExit(t *testing.T) {
	e, fake, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMission(t, e, nil)

	_, err := e.ContinueMission(ctx, m.ID)
	require.NoError(t, err)
	require.NoError(t, e.Cancel(ctx, m.ID))

	// the stopped container eventually reports its kill code; the poll
	// loop must not rewrite the cancellation outcome with it
	fake.setExited(137)
	time.Sleep(20 * e.cfg.PollInterval)

	updated, err := e.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailed, updated.Status)
	assert.Equal(t, "mission canceled", updated.LastError)

	runs, err := e.GetRuns(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].ExitCode)
	assert.Equal(t, -1, *runs[0].ExitCode)
}

func TestInitAlwaysAttemptsOrphanCleanup(t *testing.T) {
	runner := &downRunner{}
	newTestEngineWithRunner(t, runner)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	sawCleanup := false
	for _, call := range runner.calls {
		if len(call) > 0 && call[0] == "ps" {
			sawCleanup = true
		}
	}
	assert.True(t, sawCleanup,
		"orphan cleanup attempted even with the substrate down")
}

func TestTailDelta(t *testing.T) {
	tests := []struct {
		name     string
		prev     string
		cur      string
		expected string
	}{
		{"first window", "", "abc", "abc"},
		{"window grows in place", "abc", "abcdef", "def"},
		{"unchanged", "abc", "abc", ""},
		{"rolled window overlaps", "bcdef", "defgh", "gh"},
		{"disjoint windows", "abc", "xyz", "xyz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tailDelta(tt.prev, tt.cur))
		})
	}
}

func TestQuickCommand(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMission(t, e, nil)

	res, err := e.RunQuickCommand(ctx, m.ID, &api.QuickCommandRequest{
		Command: "printf reviewed",
	})
	require.NoError(t, err)
	assert.Zero(t, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "reviewed", res.Output)
}

func TestQuickCommandTimeout(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	m := createMission(t, e, nil)

	res, err := e.RunQuickCommand(ctx, m.ID, &api.QuickCommandRequest{
		Command:   "sleep 30",
		TimeoutMS: 50,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
}
