package live

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceplane/liteflow/internal/executor"
	"github.com/sourceplane/liteflow/internal/expr"
	"github.com/sourceplane/liteflow/internal/flowctx"
	"github.com/sourceplane/liteflow/internal/loader"
	"github.com/sourceplane/liteflow/internal/model"
)

const flow = `
kind: live
defaults:
  env:
    MODE: dev
jobs:
  train:
    image: pytorch
    cmd: python train.py --lr ${{ params.lr }}
    params:
      lr: "0.1"
    http-port: "8080"
  shell:
    image: ubuntu
    multi: true
    cmd: bash ${{ multi.args }}
  serve:
    image: nginx
    name: my-server
    detach: ${{ true }}
    browse: true
    port-forward: ["8080:80"]
`

// fakeExecutor finishes jobs after a number of polls, or never when block is set
type fakeExecutor struct {
	mu        sync.Mutex
	polls     int
	block     bool
	seen      int
	cancelled bool
	specs     []*model.JobSpec
}

func (f *fakeExecutor) Submit(_ context.Context, spec *model.JobSpec) (executor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	return executor.Handle{ID: "job-1", Name: spec.Name}, nil
}

func (f *fakeExecutor) Status(context.Context, executor.Handle) (executor.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return executor.StatusFailed, nil
	}
	if f.block || f.seen < f.polls {
		f.seen++
		return executor.StatusRunning, nil
	}
	return executor.StatusSucceeded, nil
}

func (f *fakeExecutor) Cancel(context.Context, executor.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

func (f *fakeExecutor) Outputs(context.Context, executor.Handle) (map[string]string, error) {
	return map[string]string{}, nil
}

func newRunner(t *testing.T, exec executor.Executor) *Runner {
	t.Helper()
	f, err := loader.ParseLive("live.yml", []byte(flow))
	require.NoError(t, err)
	r, err := New(context.Background(), f, flowctx.Inputs{Workspace: t.TempDir(), Project: model.Project{ID: "my_project"}}, exec)
	require.NoError(t, err)
	return r
}

func TestResolve(t *testing.T) {
	r := newRunner(t, &fakeExecutor{})
	assert.Equal(t, []string{"serve", "shell", "train"}, r.Jobs())

	spec, suffix, err := r.Resolve("train", Options{Params: map[string]string{"lr": "0.01"}})
	require.NoError(t, err)
	assert.Empty(t, suffix)
	assert.Equal(t, "python train.py --lr 0.01", spec.Cmd)
	assert.Equal(t, "my-project-train", spec.Name)
	assert.Equal(t, 8080, spec.HTTPPort)
	assert.Equal(t, map[string]string{"MODE": "dev"}, spec.Env)
	assert.Contains(t, spec.Tags, "job:train")
	assert.False(t, spec.Detach)

	spec, _, err = r.Resolve("train", Options{})
	require.NoError(t, err)
	assert.Equal(t, "python train.py --lr 0.1", spec.Cmd)

	spec, _, err = r.Resolve("serve", Options{})
	require.NoError(t, err)
	assert.Equal(t, "my-server", spec.Name)
	assert.True(t, spec.Detach)
	assert.True(t, spec.Browse)
	assert.Equal(t, []string{"8080:80"}, spec.PortForward)
}

func TestResolveErrors(t *testing.T) {
	r := newRunner(t, &fakeExecutor{})

	_, _, err := r.Resolve("missing", Options{})
	assert.ErrorIs(t, err, ErrUnknownJob)
	_, _, err = r.Resolve("train", Options{Suffix: "abc"})
	assert.ErrorIs(t, err, ErrNotMulti)
	_, _, err = r.Resolve("train", Options{Args: []string{"x"}})
	assert.ErrorIs(t, err, ErrNotMulti)
	_, _, err = r.Resolve("train", Options{Params: map[string]string{"epochs": "3"}})
	assert.ErrorIs(t, err, expr.ErrUnknownParameter)
}

func TestResolveMulti(t *testing.T) {
	r := newRunner(t, &fakeExecutor{})

	spec, suffix, err := r.Resolve("shell", Options{Args: []string{"-c", "ls"}})
	require.NoError(t, err)
	assert.Len(t, suffix, 10)
	assert.Equal(t, "my-project-shell-"+suffix, spec.Name)
	assert.Equal(t, `bash ["-c","ls"]`, spec.Cmd)
	assert.Contains(t, spec.Tags, "multi:"+suffix)

	spec, suffix, err = r.Resolve("shell", Options{Suffix: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", suffix)
	assert.Equal(t, "my-project-shell-fixed", spec.Name)
	assert.Equal(t, "bash []", spec.Cmd)
}

func TestRunWaits(t *testing.T) {
	exec := &fakeExecutor{polls: 2}
	res, err := newRunner(t, exec).Run(context.Background(), "train", Options{PollInterval: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusSucceeded, res.Status)
	assert.Equal(t, 2, exec.seen)
}

func TestRunDetached(t *testing.T) {
	exec := &fakeExecutor{block: true}
	res, err := newRunner(t, exec).Run(context.Background(), "serve", Options{})
	require.NoError(t, err)
	assert.Equal(t, executor.StatusRunning, res.Status)
	assert.Equal(t, "job-1", res.Handle.ID)
	assert.Equal(t, 0, exec.seen)
}

func TestRunCancel(t *testing.T) {
	exec := &fakeExecutor{block: true}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newRunner(t, exec).Run(ctx, "train", Options{PollInterval: time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, exec.cancelled)
}

func TestJobName(t *testing.T) {
	tests := []struct {
		project, job, suffix, want string
	}{
		{"my_project", "train", "", "my-project-train"},
		{"Demo__App", "job_x", "ab12", "demo-app-job-x-ab12"},
		{"a_very_long_project_identifier_that_goes_on", "train", "", "a-very-long-project-identifier-tha-train"},
		{"_p_", "_j_", "", "p-j"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := JobName(tt.project, tt.job, tt.suffix)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), MaxNameLength)
		})
	}
}

// trackingExecutor lists a fixed set of jobs and records kills
type trackingExecutor struct {
	*fakeExecutor
	jobs   []executor.Job
	killed []string
}

func (f *trackingExecutor) List(context.Context) ([]executor.Job, error) {
	return f.jobs, nil
}

func (f *trackingExecutor) Cancel(ctx context.Context, h executor.Handle) error {
	f.killed = append(f.killed, h.ID)
	return f.fakeExecutor.Cancel(ctx, h)
}

func running(handle string, tags ...string) executor.Job {
	return executor.Job{Handle: executor.Handle{ID: handle}, Status: executor.StatusRunning, Tags: tags}
}

func projectJobs() []executor.Job {
	return []executor.Job{
		running("train#1", "project:my_project", "flow:live", "job:train"),
		running("shell#1", "project:my_project", "flow:live", "job:shell", "multi:ab"),
		running("shell#2", "project:my_project", "flow:live", "job:shell", "multi:cd"),
		running("train#2", "project:other", "flow:live", "job:train"),
		{Handle: executor.Handle{ID: "train#0"}, Status: executor.StatusSucceeded, Tags: []string{"project:my_project", "flow:live", "job:train"}},
	}
}

func TestRunAttachesToRunningJob(t *testing.T) {
	exec := &trackingExecutor{fakeExecutor: &fakeExecutor{polls: 1}, jobs: projectJobs()}
	res, err := newRunner(t, exec).Run(context.Background(), "train", Options{PollInterval: time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.Attached)
	assert.Equal(t, "train#1", res.Handle.ID)
	assert.Equal(t, executor.StatusSucceeded, res.Status)
	assert.Empty(t, exec.specs)
}

func TestRunSubmitsNewMultiInstance(t *testing.T) {
	exec := &trackingExecutor{fakeExecutor: &fakeExecutor{}, jobs: projectJobs()}
	res, err := newRunner(t, exec).Run(context.Background(), "shell", Options{PollInterval: time.Millisecond})
	require.NoError(t, err)
	assert.False(t, res.Attached)
	assert.Len(t, exec.specs, 1)
}

func TestRunLeavesAttachedJobRunningOnCancel(t *testing.T) {
	exec := &trackingExecutor{fakeExecutor: &fakeExecutor{block: true}, jobs: projectJobs()}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := newRunner(t, exec).Run(ctx, "train", Options{PollInterval: time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, res.Attached)
	assert.Empty(t, exec.killed)
}

func TestPs(t *testing.T) {
	r := newRunner(t, &trackingExecutor{fakeExecutor: &fakeExecutor{}, jobs: projectJobs()})
	all, err := r.Ps(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "train", all[0].JobID)
	assert.Equal(t, "", all[0].Suffix)
	assert.Equal(t, "ab", all[1].Suffix)

	shells, err := r.Ps(context.Background(), "shell")
	require.NoError(t, err)
	assert.Len(t, shells, 2)

	_, err = newRunner(t, &fakeExecutor{}).Ps(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestStatus(t *testing.T) {
	r := newRunner(t, &trackingExecutor{fakeExecutor: &fakeExecutor{}, jobs: projectJobs()})
	ctx := context.Background()

	_, err := r.Status(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrUnknownJob)
	_, err = r.Status(ctx, "train", "ab")
	assert.ErrorIs(t, err, ErrNotMulti)

	got, err := r.Status(ctx, "shell", "cd")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "shell#2", got[0].Handle.ID)

	got, err = r.Status(ctx, "shell", "zz")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestKill(t *testing.T) {
	exec := &trackingExecutor{fakeExecutor: &fakeExecutor{}, jobs: projectJobs()}
	r := newRunner(t, exec)
	ctx := context.Background()

	killed, err := r.Kill(ctx, "shell", "ab")
	require.NoError(t, err)
	assert.Len(t, killed, 1)
	assert.Equal(t, []string{"shell#1"}, exec.killed)

	exec.killed = nil
	_, err = r.Kill(ctx, "shell", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"shell#1", "shell#2"}, exec.killed)

	exec.killed = nil
	killed, err = r.KillAll(ctx)
	require.NoError(t, err)
	assert.Len(t, killed, 3)
	assert.Equal(t, []string{"train#1", "shell#1", "shell#2"}, exec.killed)
}
