package runner

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceplane/liteflow/internal/executor"
	"github.com/sourceplane/liteflow/internal/model"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func waitTerminal(t *testing.T, r *Runner, h executor.Handle) executor.Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := r.Status(context.Background(), h)
		require.NoError(t, err)
		if st.Terminal() {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", h.ID)
	return ""
}

func TestRunnerOutputs(t *testing.T) {
	requireShell(t)
	var stdout bytes.Buffer
	r := NewRunner(t.TempDir(), &stdout, &bytes.Buffer{})
	ctx := context.Background()

	h, err := r.Submit(ctx, &model.JobSpec{
		ID:      "build",
		Cmd:     `echo hello; echo "::set-output name=tag::v1.2"; echo "::set-output name=extra::x"`,
		Outputs: []string{"tag", "missing"},
	})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusSucceeded, waitTerminal(t, r, h))

	outputs, err := r.Outputs(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tag": "v1.2", "missing": ""}, outputs)
	assert.Contains(t, stdout.String(), "[build] hello")
	assert.NotContains(t, stdout.String(), "set-output")
}

func TestRunnerEnvAndWorkdir(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	r := NewRunner(root, &bytes.Buffer{}, &bytes.Buffer{})
	ctx := context.Background()

	h, err := r.Submit(ctx, &model.JobSpec{
		ID:      "env",
		Workdir: "sub",
		Env:     map[string]string{"GREETING": "hi"},
		Cmd:     `echo "::set-output name=dir::$(basename "$PWD")"; echo "::set-output name=greeting::$GREETING"`,
	})
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx, h))

	outputs, err := r.Outputs(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "sub", outputs["dir"])
	assert.Equal(t, "hi", outputs["greeting"])
}

func TestRunnerFailure(t *testing.T) {
	requireShell(t)
	var stderr bytes.Buffer
	r := NewRunner(t.TempDir(), &bytes.Buffer{}, &stderr)

	h, err := r.Submit(context.Background(), &model.JobSpec{ID: "broken", Cmd: "echo oops >&2; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusFailed, waitTerminal(t, r, h))

	reason, err := r.Reason(context.Background(), h)
	require.NoError(t, err)
	assert.Contains(t, reason, "exit status 3")
	assert.Contains(t, stderr.String(), "[broken] oops")
}

func TestRunnerCancel(t *testing.T) {
	requireShell(t)
	r := NewRunner(t.TempDir(), &bytes.Buffer{}, &bytes.Buffer{})
	ctx := context.Background()

	h, err := r.Submit(ctx, &model.JobSpec{ID: "slow", Cmd: "sleep 30"})
	require.NoError(t, err)
	st, err := r.Status(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, executor.StatusRunning, st)

	require.NoError(t, r.Cancel(ctx, h))
	assert.Equal(t, executor.StatusFailed, waitTerminal(t, r, h))
	reason, _ := r.Reason(ctx, h)
	assert.Contains(t, reason, "cancelled")
}

func TestRunnerRejects(t *testing.T) {
	r := NewRunner(t.TempDir(), nil, nil)
	_, err := r.Submit(context.Background(), &model.JobSpec{ID: "empty"})
	assert.Error(t, err)

	_, err = r.Status(context.Background(), executor.Handle{ID: "nope"})
	assert.ErrorIs(t, err, executor.ErrUnknownJob)
}

func TestDryRun(t *testing.T) {
	var out bytes.Buffer
	d := NewDryRun(&out)
	ctx := context.Background()

	h, err := d.Submit(ctx, &model.JobSpec{ID: "deploy", Image: "alpine", Cmd: "deploy.sh", Outputs: []string{"url"}})
	require.NoError(t, err)
	_, err = d.Submit(ctx, &model.JobSpec{ID: "notify", Image: "alpine"})
	require.NoError(t, err)

	st, err := d.Status(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, executor.StatusSucceeded, st)
	outputs, err := d.Outputs(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"url": ""}, outputs)
	assert.Equal(t, []string{"deploy", "notify"}, d.Submitted())
	assert.Contains(t, out.String(), "→ deploy (alpine)")
	assert.Contains(t, out.String(), "deploy.sh")
}

func TestRunnerListsJobsAcrossRunners(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	ctx := context.Background()
	owner := NewRunner(t.TempDir(), &bytes.Buffer{}, &bytes.Buffer{})
	owner.JobsDir = dir
	other := NewRunner(t.TempDir(), &bytes.Buffer{}, &bytes.Buffer{})
	other.JobsDir = dir

	h, err := owner.Submit(ctx, &model.JobSpec{ID: "serve", Cmd: "sleep 30", Tags: []string{"project:demo", "job:serve"}})
	require.NoError(t, err)

	jobs, err := owner.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, h, jobs[0].Handle)

	jobs, err = other.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, h.ID, jobs[0].Handle.ID)
	assert.True(t, jobs[0].HasTag("job:serve"))
	st, err := other.Status(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, executor.StatusRunning, st)

	require.NoError(t, other.Cancel(ctx, h))
	assert.Equal(t, executor.StatusFailed, waitTerminal(t, owner, h))
	assert.Equal(t, executor.StatusFailed, waitTerminal(t, other, h))

	jobs, err = other.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRunnerRecordsOutputsForOtherRunners(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	ctx := context.Background()
	owner := NewRunner(t.TempDir(), &bytes.Buffer{}, &bytes.Buffer{})
	owner.JobsDir = dir

	h, err := owner.Submit(ctx, &model.JobSpec{ID: "build", Cmd: `echo "::set-output name=tag::v2"`})
	require.NoError(t, err)
	require.NoError(t, owner.Wait(ctx, h))

	other := NewRunner(t.TempDir(), nil, nil)
	other.JobsDir = dir
	assert.Equal(t, executor.StatusSucceeded, waitTerminal(t, other, h))
	outputs, err := other.Outputs(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tag": "v2"}, outputs)
}

func TestRunnerReportsExitedJobs(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	gone := exec.Command("sh", "-c", "exit 0")
	require.NoError(t, gone.Run())

	reg := registry{dir: dir}
	require.NoError(t, reg.put(&entry{Handle: "serve#dead", PID: gone.Process.Pid, Started: time.Now(), Status: executor.StatusRunning}))

	r := NewRunner(t.TempDir(), nil, nil)
	r.JobsDir = dir
	h := executor.Handle{ID: "serve#dead"}
	st, err := r.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, executor.StatusExited, st)
	reason, err := r.Reason(context.Background(), h)
	require.NoError(t, err)
	assert.Contains(t, reason, "without recording its result")

	jobs, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
	_, err = r.Status(context.Background(), h)
	assert.ErrorIs(t, err, executor.ErrUnknownJob)
}

func TestRunnerDetachedJobLogsToFile(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	var stdout bytes.Buffer
	r := NewRunner(t.TempDir(), &stdout, &bytes.Buffer{})
	r.JobsDir = dir

	h, err := r.Submit(context.Background(), &model.JobSpec{ID: "serve", Cmd: "echo listening", Detach: true})
	require.NoError(t, err)
	require.NoError(t, r.Wait(context.Background(), h))

	logPath := strings.TrimSuffix(registry{dir: dir}.path(h.ID), ".json") + ".log"
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "listening\n", string(data))
	assert.Empty(t, stdout.String())
}
