package procexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/kode4food/sortie/pkg/log"
)

type (
	// Orchestrator launches unsandboxed local processes for agent steps
	// that declare local isolation. Spawned processes stream output and
	// termination through channels rather than callbacks
	Orchestrator struct {
		logger  *slog.Logger
		mu      sync.RWMutex
		procs   map[int]*Proc
		tailMax int
	}

	// Proc is the handle for one spawned process. Output carries chunks
	// of combined stdout and stderr; Done delivers exactly one ExitStatus
	// after Output is closed
	Proc struct {
		PID    int
		Output <-chan string
		Done   <-chan ExitStatus

		cmd  *exec.Cmd
		mu   sync.Mutex
		tail []byte
		max  int
	}

	// ExitStatus reports process termination. A nonzero code is data,
	// not an error; Err is set only when exit status could not be
	// determined
	ExitStatus struct {
		Code int
		Err  error
	}

	// SpawnOptions describes one local process launch
	SpawnOptions struct {
		Dir    string
		Script string
		Env    []string
	}
)

var ErrSpawnFailed = errors.New("process spawn failed")

// NewOrchestrator creates an Orchestrator. tailMax bounds the output
// retained per process for live tail queries
func NewOrchestrator(logger *slog.Logger, tailMax int) *Orchestrator {
	return &Orchestrator{
		logger:  logger,
		procs:   map[int]*Proc{},
		tailMax: tailMax,
	}
}

// Spawn launches the script immediately and returns its handle. The
// caller consumes Output until closed, then receives on Done
func (o *Orchestrator) Spawn(
	ctx context.Context, opts *SpawnOptions,
) (*Proc, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", opts.Script)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	output := make(chan string, 64)
	done := make(chan ExitStatus, 1)
	p := &Proc{
		PID:    cmd.Process.Pid,
		Output: output,
		Done:   done,
		cmd:    cmd,
		max:    o.tailMax,
	}

	o.mu.Lock()
	o.procs[p.PID] = p
	o.mu.Unlock()

	var wg sync.WaitGroup
	wg.Go(func() { p.stream(stdout, output) })
	wg.Go(func() { p.stream(stderr, output) })

	go func() {
		wg.Wait()
		close(output)
		status := ExitStatus{Code: exitCode(cmd.Wait())}
		o.mu.Lock()
		delete(o.procs, p.PID)
		o.mu.Unlock()
		done <- status
		o.logger.Debug("process exited",
			slog.Int("pid", p.PID), slog.Int("exit_code", status.Code))
	}()

	o.logger.Info("process spawned",
		slog.Int("pid", p.PID), slog.String("dir", opts.Dir))
	return p, nil
}

// Kill issues a termination signal to a tracked process. Returns false,
// not an error, when the pid is untracked
func (o *Orchestrator) Kill(pid int) bool {
	o.mu.RLock()
	p, ok := o.procs[pid]
	o.mu.RUnlock()
	if !ok {
		return false
	}
	if err := p.cmd.Process.Kill(); err != nil {
		o.logger.Debug("kill ignored",
			slog.Int("pid", pid), log.Error(err))
	}
	return true
}

// IsRunning reports whether the pid belongs to a tracked live process
func (o *Orchestrator) IsRunning(pid int) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.procs[pid]
	return ok
}

// Running returns the currently tracked processes
func (o *Orchestrator) Running() []*Proc {
	o.mu.RLock()
	defer o.mu.RUnlock()
	res := make([]*Proc, 0, len(o.procs))
	for _, p := range o.procs {
		res = append(res, p)
	}
	return res
}

// KillAll terminates every tracked process. Called at shutdown
func (o *Orchestrator) KillAll() int {
	killed := 0
	for _, p := range o.Running() {
		if o.Kill(p.PID) {
			killed++
		}
	}
	return killed
}

// Tail returns up to maxBytes of the most recent combined output
func (p *Proc) Tail(maxBytes int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.tail
	if len(t) > maxBytes {
		t = t[len(t)-maxBytes:]
	}
	return string(t)
}

func (p *Proc) stream(r io.Reader, out chan<- string) {
	br := bufio.NewReader(r)
	buf := make([]byte, 4096)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			p.appendTail(buf[:n])
			out <- chunk
		}
		if err != nil {
			return
		}
	}
}

func (p *Proc) appendTail(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tail = append(p.tail, b...)
	if len(p.tail) > p.max {
		p.tail = p.tail[len(p.tail)-p.max:]
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
