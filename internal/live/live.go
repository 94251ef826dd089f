// Package live resolves and runs the interactive jobs of a live flow.
package live

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sourceplane/liteflow/internal/contexts"
	"github.com/sourceplane/liteflow/internal/ctxlog"
	"github.com/sourceplane/liteflow/internal/executor"
	"github.com/sourceplane/liteflow/internal/flowctx"
	"github.com/sourceplane/liteflow/internal/model"
	"github.com/sourceplane/liteflow/internal/normalize"
)

var (
	// ErrUnknownJob is returned for job ids the live flow does not declare
	ErrUnknownJob = errors.New("unknown job")
	// ErrNotMulti is returned when a suffix or arguments are given to a plain job
	ErrNotMulti = errors.New("suffix and arguments are supported by multi-jobs only")
	// ErrNotTracked is returned when the executor cannot list running jobs
	ErrNotTracked = errors.New("executor does not track running jobs")
)

// MaxNameLength bounds derived job names
const MaxNameLength = 40

const defaultPollInterval = time.Second

// Options select what to run
type Options struct {
	Suffix string
	Args   []string
	Params map[string]string
	// PollInterval applies while waiting for an attached job
	PollInterval time.Duration
}

// Result describes a submitted job
type Result struct {
	Spec    *model.JobSpec
	Handle  executor.Handle
	Suffix  string
	Status  executor.Status
	Outputs map[string]string
	// Attached is set when an already running instance was reused
	Attached bool
}

// Instance is a running job of the live flow
type Instance struct {
	executor.Job
	JobID  string
	Suffix string
}

// Runner runs jobs of one live flow
type Runner struct {
	flow    *model.LiveFlow
	scope   *flowctx.Scope
	exec    executor.Executor
	project string
}

// New normalizes flow and prepares its contexts
func New(ctx context.Context, flow *model.LiveFlow, in flowctx.Inputs, exec executor.Executor) (*Runner, error) {
	if err := normalize.Live(flow); err != nil {
		return nil, fmt.Errorf("failed to normalize %s: %w", flow.Path, err)
	}
	return &Runner{
		flow:    flow,
		scope:   flowctx.ForLive(ctx, flow, in),
		exec:    exec,
		project: in.Project.ID,
	}, nil
}

// Jobs returns the job ids of the flow, sorted
func (r *Runner) Jobs() []string {
	ids := make([]string, 0, len(r.flow.Jobs))
	for id := range r.flow.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve evaluates job jobID into a spec without submitting it. The returned
// suffix is generated for multi-jobs run without one.
func (r *Runner) Resolve(jobID string, opts Options) (*model.JobSpec, string, error) {
	job, ok := r.flow.Jobs[jobID]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	res := r.scope.Resolver()
	suffix := opts.Suffix
	var systemTags []string
	if job.Multi {
		if suffix == "" {
			var err error
			if suffix, err = NewSuffix(); err != nil {
				return nil, "", err
			}
		}
		args := opts.Args
		if args == nil {
			args = []string{}
		}
		res.Define("multi", contexts.MultiContext(suffix, args))
		systemTags = append(systemTags, "multi:"+suffix)
	} else if suffix != "" || len(opts.Args) > 0 {
		return nil, "", fmt.Errorf("%w: %s", ErrNotMulti, jobID)
	}
	systemTags = append(systemTags, "job:"+jobID)

	params, err := contexts.ParamsContext(flowctx.DeclaredParams(job.Params), opts.Params)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve %s.params: %w", jobID, err)
	}
	res.Define("params", params)
	r.scope.Layer(res, &job.ExecUnit, systemTags...)

	spec, err := r.scope.Resolve(res, jobID, &job.ExecUnit)
	if err != nil {
		return nil, "", err
	}
	if spec.Detach, err = flowctx.Bool(res, job.Detach); err != nil {
		return nil, "", fmt.Errorf("failed to resolve %s.detach: %w", jobID, err)
	}
	if spec.Browse, err = flowctx.Bool(res, job.Browse); err != nil {
		return nil, "", fmt.Errorf("failed to resolve %s.browse: %w", jobID, err)
	}
	if spec.PortForward, err = flowctx.Strings(res, job.PortForward); err != nil {
		return nil, "", fmt.Errorf("failed to resolve %s.port-forward: %w", jobID, err)
	}
	if spec.Name == "" {
		nameSuffix := ""
		if job.Multi {
			nameSuffix = suffix
		}
		spec.Name = JobName(r.project, jobID, nameSuffix)
	}
	if !job.Multi {
		suffix = ""
	}
	return spec, suffix, nil
}

// Run resolves and submits jobID, then waits for it unless the job detaches.
// Cancelling ctx while waiting cancels the job.
func (r *Runner) Run(ctx context.Context, jobID string, opts Options) (*Result, error) {
	spec, suffix, err := r.Resolve(jobID, opts)
	if err != nil {
		return nil, err
	}
	logger := ctxlog.FromContext(ctx).With(slog.String("job", jobID), slog.String("name", spec.Name))

	if !r.flow.Jobs[jobID].Multi {
		running, err := r.Ps(ctx, jobID)
		if err != nil && !errors.Is(err, ErrNotTracked) {
			return nil, err
		}
		if len(running) > 0 {
			h := running[0].Handle
			logger.Info("attached to running job", slog.String("handle", h.ID))
			res := &Result{Spec: spec, Handle: h, Status: executor.StatusRunning, Attached: true}
			if spec.Detach {
				return res, nil
			}
			return res, r.wait(ctx, logger, res, opts)
		}
	}

	h, err := r.exec.Submit(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to submit %s: %w", jobID, err)
	}
	logger.Info("job submitted", slog.String("handle", h.ID))
	res := &Result{Spec: spec, Handle: h, Suffix: suffix, Status: executor.StatusRunning}
	if spec.Detach {
		return res, nil
	}
	return res, r.wait(ctx, logger, res, opts)
}

// wait polls until res finishes. Cancelling ctx cancels jobs this call
// submitted; attached jobs keep running.
func (r *Runner) wait(ctx context.Context, logger *slog.Logger, res *Result, opts Options) error {
	jobID, h := res.Spec.ID, res.Handle
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := r.exec.Status(ctx, h)
		if err != nil {
			return fmt.Errorf("failed to get status of %s: %w", jobID, err)
		}
		if status.Terminal() {
			res.Status = status
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			if !res.Attached {
				if err := r.exec.Cancel(context.WithoutCancel(ctx), h); err != nil {
					logger.Warn("failed to cancel job", slog.Any("error", err))
				}
			}
			return ctx.Err()
		}
	}

	logger.Info("job finished", slog.String("status", string(res.Status)))
	if res.Status == executor.StatusSucceeded {
		var err error
		if res.Outputs, err = r.exec.Outputs(ctx, h); err != nil {
			return fmt.Errorf("failed to fetch outputs of %s: %w", jobID, err)
		}
	}
	return nil
}

// Ps lists the running jobs of the flow, or of job jobID when it is set
func (r *Runner) Ps(ctx context.Context, jobID string) ([]Instance, error) {
	l, ok := r.exec.(executor.Lister)
	if !ok {
		return nil, ErrNotTracked
	}
	jobs, err := l.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	var out []Instance
	for _, j := range jobs {
		if j.Status != executor.StatusRunning || !j.HasTag("project:"+r.project) || !j.HasTag("flow:"+r.flow.ID) {
			continue
		}
		inst := Instance{Job: j}
		for _, tag := range j.Tags {
			if v, ok := strings.CutPrefix(tag, "job:"); ok {
				inst.JobID = v
			} else if v, ok := strings.CutPrefix(tag, "multi:"); ok {
				inst.Suffix = v
			}
		}
		if inst.JobID == "" || (jobID != "" && inst.JobID != jobID) {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// Status lists the running instances of jobID. An empty suffix selects every
// instance of a multi-job.
func (r *Runner) Status(ctx context.Context, jobID, suffix string) ([]Instance, error) {
	job, ok := r.flow.Jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if suffix != "" && !job.Multi {
		return nil, fmt.Errorf("%w: %s", ErrNotMulti, jobID)
	}
	running, err := r.Ps(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if suffix == "" {
		return running, nil
	}
	var out []Instance
	for _, inst := range running {
		if inst.Suffix == suffix {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Kill cancels the running instances of jobID selected like Status does and
// returns them
func (r *Runner) Kill(ctx context.Context, jobID, suffix string) ([]Instance, error) {
	running, err := r.Status(ctx, jobID, suffix)
	if err != nil {
		return nil, err
	}
	return running, r.cancel(ctx, running)
}

// KillAll cancels every running job of the flow
func (r *Runner) KillAll(ctx context.Context) ([]Instance, error) {
	running, err := r.Ps(ctx, "")
	if err != nil {
		return nil, err
	}
	return running, r.cancel(ctx, running)
}

func (r *Runner) cancel(ctx context.Context, running []Instance) error {
	var errs []error
	for _, inst := range running {
		if err := r.exec.Cancel(ctx, inst.Handle); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill %s: %w", inst.Handle.ID, err))
		}
	}
	return errors.Join(errs...)
}

// NewSuffix returns a random multi-job suffix of ten hex characters
func NewSuffix() (string, error) {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate suffix: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// JobName derives the platform name of a job: the project id shortened to fit,
// then the job id and suffix
func JobName(projectID, jobID, suffix string) string {
	second := jobID
	if suffix != "" {
		second += "-" + suffix
	}
	second = clean(second)
	first := clean(projectID)
	if keep := MaxNameLength - len(second) - 1; keep < len(first) {
		if keep < 0 {
			keep = 0
		}
		first = first[:keep]
	}
	name := clean(first + "-" + second)
	if len(name) > MaxNameLength {
		name = strings.TrimRight(name[:MaxNameLength], "-")
	}
	return name
}

func clean(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "_", "-"))
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return strings.Trim(s, "-")
}
