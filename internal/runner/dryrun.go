package runner

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/sourceplane/liteflow/internal/executor"
	"github.com/sourceplane/liteflow/internal/model"
)

// DryRun prints what would be executed and reports every job as succeeded
type DryRun struct {
	out *lockedWriter

	mu    sync.Mutex
	order []string
	jobs  map[string]*model.JobSpec
}

// NewDryRun creates a dry-run executor writing to w
func NewDryRun(w io.Writer) *DryRun {
	return &DryRun{out: &lockedWriter{w: w}, jobs: make(map[string]*model.JobSpec)}
}

// Submit implements executor.Executor
func (d *DryRun) Submit(_ context.Context, spec *model.JobSpec) (executor.Handle, error) {
	if spec == nil {
		return executor.Handle{}, fmt.Errorf("job spec cannot be nil")
	}
	d.mu.Lock()
	d.order = append(d.order, spec.ID)
	h := executor.Handle{ID: spec.ID + "#" + strconv.Itoa(len(d.order)), Name: spec.Name}
	d.jobs[h.ID] = spec
	d.mu.Unlock()

	d.out.WriteLine(fmt.Sprintf("→ %s (%s)", spec.ID, spec.Image))
	if cmd := commandLine(spec); cmd != "" {
		d.out.WriteLine("    " + cmd)
	}
	return h, nil
}

// Status implements executor.Executor
func (d *DryRun) Status(_ context.Context, h executor.Handle) (executor.Status, error) {
	if _, err := d.spec(h); err != nil {
		return "", err
	}
	return executor.StatusSucceeded, nil
}

// Cancel implements executor.Executor
func (d *DryRun) Cancel(_ context.Context, h executor.Handle) error {
	_, err := d.spec(h)
	return err
}

// Outputs implements executor.Executor. Declared outputs are reported empty.
func (d *DryRun) Outputs(_ context.Context, h executor.Handle) (map[string]string, error) {
	spec, err := d.spec(h)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(spec.Outputs))
	for _, name := range spec.Outputs {
		out[name] = ""
	}
	return out, nil
}

// Submitted returns the ids of submitted jobs in submission order
func (d *DryRun) Submitted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...)
}

func (d *DryRun) spec(h executor.Handle) (*model.JobSpec, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	spec, ok := d.jobs[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", executor.ErrUnknownJob, h.ID)
	}
	return spec, nil
}
