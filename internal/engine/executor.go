package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/kode4food/sortie/internal/procexec"
	"github.com/kode4food/sortie/internal/sandbox"
	"github.com/kode4food/sortie/pkg/api"
)

type (
	// StepExecutor abstracts where an agent step runs. Start is
	// fire-and-forget; completion is observed by polling Status. The
	// substrate is selected by the step's declared isolation, never by
	// runtime type inspection
	StepExecutor interface {
		// Start launches the step and returns an opaque handle
		Start(ctx context.Context, spec *ExecSpec) (api.Handle, error)

		// Status reports the execution's polled state. Idempotent and
		// side-effect-free
		Status(ctx context.Context, h api.Handle) api.HandleStatus

		// LogTail returns recent combined output, best-effort
		LogTail(ctx context.Context, h api.Handle, maxBytes int) string

		// Stop terminates the execution and releases its resources.
		// Idempotent on already-gone handles
		Stop(ctx context.Context, h api.Handle)
	}

	// ExecSpec describes one step execution
	ExecSpec struct {
		MissionID    api.MissionID
		RunID        api.RunID
		StepID       api.StepID
		Script       string
		Env          map[string]string
		ArtifactsDir string
	}

	sandboxExecutor struct {
		provider *sandbox.Provider
	}

	processExecutor struct {
		orch *procexec.Orchestrator
		mu   sync.Mutex
		live map[api.Handle]*procEntry
	}

	procEntry struct {
		proc *procexec.Proc
		mu   sync.Mutex
		exit *int
	}
)

// NewSandboxExecutor adapts the sandbox provider to the StepExecutor
// interface
func NewSandboxExecutor(p *sandbox.Provider) StepExecutor {
	return &sandboxExecutor{provider: p}
}

// NewProcessExecutor adapts the process orchestrator to the StepExecutor
// interface
func NewProcessExecutor(o *procexec.Orchestrator) StepExecutor {
	return &processExecutor{
		orch: o,
		live: map[api.Handle]*procEntry{},
	}
}

func (e *sandboxExecutor) Start(
	ctx context.Context, spec *ExecSpec,
) (api.Handle, error) {
	return e.provider.Start(ctx, &sandbox.StartOptions{
		MissionID:    spec.MissionID,
		RunID:        spec.RunID,
		StepID:       spec.StepID,
		Script:       spec.Script,
		Env:          spec.Env,
		ArtifactsDir: spec.ArtifactsDir,
	})
}

func (e *sandboxExecutor) Status(
	ctx context.Context, h api.Handle,
) api.HandleStatus {
	return e.provider.Status(ctx, h)
}

func (e *sandboxExecutor) LogTail(
	ctx context.Context, h api.Handle, maxBytes int,
) string {
	return e.provider.LogTail(ctx, h, maxBytes)
}

func (e *sandboxExecutor) Stop(ctx context.Context, h api.Handle) {
	e.provider.Stop(ctx, h)
	e.provider.Remove(ctx, h)
}

func (e *processExecutor) Start(
	_ context.Context, spec *ExecSpec,
) (api.Handle, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	proc, err := e.orch.Spawn(context.Background(), &procexec.SpawnOptions{
		Dir:    spec.ArtifactsDir,
		Script: spec.Script,
		Env:    env,
	})
	if err != nil {
		return "", err
	}
	entry := &procEntry{proc: proc}
	h := api.Handle(fmt.Sprintf("pid-%d", proc.PID))

	e.mu.Lock()
	e.live[h] = entry
	e.mu.Unlock()

	go func() {
		for range proc.Output {
			// tail retention happens inside the orchestrator
		}
		status := <-proc.Done
		entry.mu.Lock()
		entry.exit = &status.Code
		entry.mu.Unlock()
	}()
	return h, nil
}

func (e *processExecutor) Status(
	_ context.Context, h api.Handle,
) api.HandleStatus {
	entry := e.lookup(h)
	if entry == nil {
		return api.HandleStatus{State: api.HandleUnknown}
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.exit != nil {
		code := *entry.exit
		return api.HandleStatus{
			State:    api.HandleExited,
			ExitCode: &code,
		}
	}
	return api.HandleStatus{State: api.HandleRunning}
}

func (e *processExecutor) LogTail(
	_ context.Context, h api.Handle, maxBytes int,
) string {
	entry := e.lookup(h)
	if entry == nil {
		return ""
	}
	return entry.proc.Tail(maxBytes)
}

func (e *processExecutor) Stop(_ context.Context, h api.Handle) {
	entry := e.lookup(h)
	if entry == nil {
		return
	}
	e.orch.Kill(entry.proc.PID)
}

func (e *processExecutor) lookup(h api.Handle) *procEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live[h]
}
