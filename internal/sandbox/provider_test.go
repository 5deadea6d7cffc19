package sandbox_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/sortie/internal/sandbox"
	"github.com/kode4food/sortie/internal/util"
	"github.com/kode4food/sortie/pkg/api"
	"github.com/kode4food/sortie/pkg/log"
)

type fakeRunner struct {
	calls   [][]string
	outputs map[string][]byte
	errs    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: map[string][]byte{},
		errs:    map[string]error{},
	}
}

func (f *fakeRunner) Run(
	_ context.Context, args ...string,
) ([]byte, error) {
	f.calls = append(f.calls, args)
	if err, ok := f.errs[args[0]]; ok {
		return nil, err
	}
	return f.outputs[args[0]], nil
}

func (f *fakeRunner) lastCall() []string {
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func newTestProvider(r sandbox.Runner) *sandbox.Provider {
	return sandbox.NewProviderWithRunner(
		r, log.New("sortie-test", "test", "0.0.0"), "sortie/agent:latest",
		"sortie.owner",
	)
}

func TestStartBuildsDetachedRun(t *testing.T) {
	r := newFakeRunner()
	r.outputs["run"] = []byte("abc123def\n")
	p := newTestProvider(r)

	h, err := p.Start(context.Background(), &sandbox.StartOptions{
		MissionID:    "mission-1",
		RunID:        "run-1",
		StepID:       "cleanup",
		Script:       "echo hi",
		Env:          map[string]string{"B": "2", "A": "1"},
		ArtifactsDir: "/data/mission-1",
	})
	require.NoError(t, err)
	assert.Equal(t, api.Handle("abc123def"), h)

	call := r.lastCall()
	assert.Equal(t, "run", call[0])
	assert.Contains(t, call, "-d")
	assert.Contains(t, call, "sortie.owner=mission-1")
	assert.Contains(t, call, "/data/mission-1:/artifacts")

	joined := strings.Join(call, " ")
	assert.Contains(t, joined, "-e A=1 -e B=2", "env sorted for determinism")
	assert.Contains(t, joined, "sortie/agent:latest sh -c echo hi")
}

func TestStartFailureWrapsError(t *testing.T) {
	r := newFakeRunner()
	r.errs["run"] = errors.New("no such image")
	p := newTestProvider(r)

	_, err := p.Start(context.Background(), &sandbox.StartOptions{
		MissionID: "mission-1",
		Script:    "true",
	})
	assert.ErrorIs(t, err, sandbox.ErrSandboxStart)
	assert.Contains(t, err.Error(), "no such image")
}

func TestStatusParsesState(t *testing.T) {
	r := newFakeRunner()
	p := newTestProvider(r)

	r.outputs["inspect"] = []byte(
		`{"Status":"running","ExitCode":0,` +
			`"StartedAt":"2026-08-29T10:00:00.5Z",` +
			`"FinishedAt":"0001-01-01T00:00:00Z"}`)
	st := p.Status(context.Background(), "abc123")
	assert.Equal(t, api.HandleRunning, st.State)
	assert.Nil(t, st.ExitCode)
	assert.False(t, st.StartedAt.IsZero())
	assert.True(t, st.FinishedAt.IsZero())

	r.outputs["inspect"] = []byte(
		`{"Status":"exited","ExitCode":3,` +
			`"StartedAt":"2026-08-29T10:00:00Z",` +
			`"FinishedAt":"2026-08-29T10:05:00Z"}`)
	st = p.Status(context.Background(), "abc123")
	assert.Equal(t, api.HandleExited, st.State)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 3, *st.ExitCode)

	r.errs["inspect"] = errors.New("no such container")
	st = p.Status(context.Background(), "gone")
	assert.Equal(t, api.HandleUnknown, st.State)
}

func TestLogTailBestEffort(t *testing.T) {
	r := newFakeRunner()
	p := newTestProvider(r)

	r.outputs["logs"] = []byte("0123456789")
	assert.Equal(t, "56789", p.LogTail(context.Background(), "h", 5))
	assert.Equal(t, "0123456789", p.LogTail(context.Background(), "h", 64))

	r.errs["logs"] = errors.New("no such container")
	assert.Empty(t, p.LogTail(context.Background(), "gone", 64))
}

func TestStopAndRemoveIdempotent(t *testing.T) {
	r := newFakeRunner()
	r.errs["stop"] = errors.New("no such container")
	r.errs["rm"] = errors.New("no such container")
	p := newTestProvider(r)

	assert.NotPanics(t, func() {
		p.Stop(context.Background(), "gone")
		p.Remove(context.Background(), "gone")
	})
}

func TestIsAvailable(t *testing.T) {
	r := newFakeRunner()
	p := newTestProvider(r)
	assert.True(t, p.IsAvailable(context.Background()))

	r.errs["version"] = errors.New("cannot connect to daemon")
	assert.False(t, p.IsAvailable(context.Background()))
}

func TestCleanupOrphaned(t *testing.T) {
	r := newFakeRunner()
	r.outputs["ps"] = []byte("aaa\nbbb\nccc\n")
	p := newTestProvider(r)

	removed, err := p.CleanupOrphaned(
		context.Background(), util.SetOf[api.Handle]("bbb"))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	var removedIDs []string
	for _, call := range r.calls {
		if call[0] == "rm" {
			removedIDs = append(removedIDs, call[len(call)-1])
		}
	}
	assert.ElementsMatch(t, []string{"aaa", "ccc"}, removedIDs)
}

func TestCleanupOrphanedSubstrateDown(t *testing.T) {
	r := newFakeRunner()
	r.errs["ps"] = errors.New("cannot connect to daemon")
	p := newTestProvider(r)

	_, err := p.CleanupOrphaned(
		context.Background(), util.SetOf[api.Handle]())
	assert.ErrorIs(t, err, sandbox.ErrSandboxUnavailable)
}

func TestQuoteArg(t *testing.T) {
	assert.Equal(t, `'plain'`, sandbox.QuoteArg("plain"))
	assert.Equal(t, `'with space'`, sandbox.QuoteArg("with space"))
	assert.Equal(t, `'it'\''s'`, sandbox.QuoteArg("it's"))

	quoted := sandbox.QuoteAll([]string{"a b", "c"})
	assert.Equal(t, []string{`'a b'`, `'c'`}, quoted)
}

func TestShellScript(t *testing.T) {
	args := sandbox.ShellScript("echo done && exit 0")
	assert.Equal(t, []string{"sh", "-c", "echo done && exit 0"}, args)
}
