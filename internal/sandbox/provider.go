package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kode4food/sortie/internal/util"
	"github.com/kode4food/sortie/pkg/api"
	"github.com/kode4food/sortie/pkg/log"
)

type (
	// Runner executes an external container CLI invocation and returns
	// its combined output. Separated from the Provider so tests can
	// substitute a fake substrate
	Runner interface {
		Run(ctx context.Context, args ...string) ([]byte, error)
	}

	// Provider launches agent steps in isolated containers. Start is
	// fire-and-forget; completion is observed via Status polling so many
	// steps can be watched without one blocking thread each
	Provider struct {
		runner     Runner
		logger     *slog.Logger
		image      string
		ownerLabel string
	}

	// StartOptions describes a container launch for one step run
	StartOptions struct {
		MissionID    api.MissionID
		RunID        api.RunID
		StepID       api.StepID
		Script       string
		Env          map[string]string
		ArtifactsDir string
		Image        string
	}

	execRunner struct{}
)

var (
	ErrSandboxStart       = errors.New("sandbox start failed")
	ErrSandboxUnavailable = errors.New("sandbox substrate unavailable")
)

// NewProvider creates a Provider that shells out to the docker CLI
func NewProvider(logger *slog.Logger, image, ownerLabel string) *Provider {
	return NewProviderWithRunner(&execRunner{}, logger, image, ownerLabel)
}

// NewProviderWithRunner creates a Provider over the given Runner
func NewProviderWithRunner(
	r Runner, logger *slog.Logger, image, ownerLabel string,
) *Provider {
	return &Provider{
		runner:     r,
		logger:     logger,
		image:      image,
		ownerLabel: ownerLabel,
	}
}

// Start launches a detached container running the step's script and
// returns its handle immediately
func (p *Provider) Start(
	ctx context.Context, opts *StartOptions,
) (api.Handle, error) {
	image := opts.Image
	if image == "" {
		image = p.image
	}
	args := []string{
		"run", "-d",
		"--label", fmt.Sprintf("%s=%s", p.ownerLabel, opts.MissionID),
	}
	if opts.ArtifactsDir != "" {
		args = append(args, "-v", opts.ArtifactsDir+":/artifacts")
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}
	args = append(args, image)
	args = append(args, ShellScript(opts.Script)...)

	out, err := p.runner.Run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSandboxStart, err)
	}
	handle := api.Handle(strings.TrimSpace(string(out)))
	p.logger.Info("sandbox started",
		log.MissionID(opts.MissionID),
		log.RunID(opts.RunID),
		log.StepID(opts.StepID),
		log.Handle(handle),
	)
	return handle, nil
}

// Status reports the container's state. A missing or unreadable
// container reports HandleUnknown rather than an error since the
// probe feeds observability, not control flow
func (p *Provider) Status(
	ctx context.Context, h api.Handle,
) api.HandleStatus {
	out, err := p.runner.Run(ctx,
		"inspect", "--format", "{{json .State}}", string(h))
	if err != nil {
		return api.HandleStatus{State: api.HandleUnknown}
	}
	state := gjson.ParseBytes(out)
	res := api.HandleStatus{
		State:      api.HandleUnknown,
		StartedAt:  parseDockerTime(state.Get("StartedAt").String()),
		FinishedAt: parseDockerTime(state.Get("FinishedAt").String()),
	}
	switch state.Get("Status").String() {
	case "created", "running", "paused", "restarting":
		res.State = api.HandleRunning
	case "exited", "dead":
		res.State = api.HandleExited
		res.ExitCode = api.Ptr(int(state.Get("ExitCode").Int()))
	}
	return res
}

// LogTail returns up to maxBytes of the container's most recent combined
// output. Best-effort; an empty string is returned if the container is
// gone
func (p *Provider) LogTail(
	ctx context.Context, h api.Handle, maxBytes int,
) string {
	out, err := p.runner.Run(ctx, "logs", string(h))
	if err != nil {
		return ""
	}
	if len(out) > maxBytes {
		out = out[len(out)-maxBytes:]
	}
	return string(out)
}

// Stop sends a stop to the container. Idempotent; a missing container is
// not an error
func (p *Provider) Stop(ctx context.Context, h api.Handle) {
	if _, err := p.runner.Run(ctx, "stop", string(h)); err != nil {
		p.logger.Debug("sandbox stop ignored",
			log.Handle(h), log.Error(err))
	}
}

// Remove deletes the container. Idempotent; a missing container is not
// an error
func (p *Provider) Remove(ctx context.Context, h api.Handle) {
	if _, err := p.runner.Run(ctx, "rm", "-f", string(h)); err != nil {
		p.logger.Debug("sandbox remove ignored",
			log.Handle(h), log.Error(err))
	}
}

// IsAvailable probes the execution substrate
func (p *Provider) IsAvailable(ctx context.Context) bool {
	_, err := p.runner.Run(ctx, "version", "--format", "{{.Server.Version}}")
	return err == nil
}

// CleanupOrphaned removes containers carrying this system's ownership
// label that the current process is not tracking. Run once at startup to
// recover resources left behind by a prior crash
func (p *Provider) CleanupOrphaned(
	ctx context.Context, tracked util.Set[api.Handle],
) (int, error) {
	out, err := p.runner.Run(ctx,
		"ps", "-aq", "--filter", "label="+p.ownerLabel)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
	}
	removed := 0
	for _, line := range strings.Split(string(out), "\n") {
		h := api.Handle(strings.TrimSpace(line))
		if h == "" || tracked.Contains(h) {
			continue
		}
		p.Remove(ctx, h)
		removed++
	}
	if removed > 0 {
		p.logger.Info("orphaned sandboxes removed",
			slog.Int("count", removed))
	}
	return removed, nil
}

func (*execRunner) Run(
	ctx context.Context, args ...string,
) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("docker %s: %w: %s",
			args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func parseDockerTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.Unix() <= 0 {
		return time.Time{}
	}
	return t
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
