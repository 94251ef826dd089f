package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sourceplane/liteflow/internal/executor"
	"github.com/sourceplane/liteflow/internal/model"
)

// waitDelay bounds how long a cancelled job may hold its output streams open
const waitDelay = 2 * time.Second

var setOutputRe = regexp.MustCompile(`^::set-output name=([A-Za-z_][A-Za-z0-9_-]*)::(.*)$`)

// keepFinished is how long finished jobs stay in the jobs directory for attached readers
const keepFinished = time.Minute

// Runner executes jobs as local shell commands. The image is not used; the
// command runs on the host in the job's working directory.
type Runner struct {
	WorkDir string
	Shell   string
	// JobsDir, when set, records running jobs so other processes can list,
	// wait for and kill them. Detached jobs then log to a file next to
	// their record instead of the runner's output.
	JobsDir string

	out  *lockedWriter
	errw *lockedWriter

	mu   sync.Mutex
	jobs map[string]*job
}

type job struct {
	handle  executor.Handle
	spec    *model.JobSpec
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	outputs map[string]string
}

// NewRunner creates a local runner writing job output to stdout and stderr
func NewRunner(workDir string, stdout, stderr io.Writer) *Runner {
	return &Runner{
		WorkDir: workDir,
		Shell:   "sh",
		out:     &lockedWriter{w: stdout},
		errw:    &lockedWriter{w: stderr},
		jobs:    make(map[string]*job),
	}
}

// Submit implements executor.Executor
func (r *Runner) Submit(_ context.Context, spec *model.JobSpec) (executor.Handle, error) {
	if spec == nil {
		return executor.Handle{}, fmt.Errorf("job spec cannot be nil")
	}
	command := commandLine(spec)
	if command == "" {
		return executor.Handle{}, fmt.Errorf("job %s has no command", spec.ID)
	}

	// Jobs outlive the submitting context; Cancel stops them
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, r.Shell, "-c", command)
	cmd.Dir = r.resolveWorkingDir(spec.Workdir)
	cmd.Env = append(os.Environ(), environ(spec.Env)...)
	cmd.WaitDelay = waitDelay

	h := executor.Handle{ID: spec.ID + "#" + uuid.NewString()[:8], Name: spec.Name}
	j := &job{handle: h, spec: spec, cancel: cancel, done: make(chan struct{}), outputs: make(map[string]string)}
	prefix := "[" + spec.ID + "] "
	stdout := &lineWriter{emit: func(line string) {
		if m := setOutputRe.FindStringSubmatch(line); m != nil {
			j.outputs[m[1]] = m[2]
			return
		}
		r.out.WriteLine(prefix + line)
	}}
	stderr := &lineWriter{emit: func(line string) { r.errw.WriteLine(prefix + line) }}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	reg := r.registry()
	var logFile *os.File
	if reg != nil && spec.Detach {
		// A detached job outlives this process, so it must not write into our pipes.
		// TODO: remove the log together with the job record once it is pruned.
		if err := os.MkdirAll(reg.dir, 0o755); err != nil {
			cancel()
			return executor.Handle{}, fmt.Errorf("failed to create jobs directory: %w", err)
		}
		f, err := os.Create(strings.TrimSuffix(reg.path(h.ID), ".json") + ".log")
		if err != nil {
			cancel()
			return executor.Handle{}, fmt.Errorf("failed to open log of job %s: %w", spec.ID, err)
		}
		logFile = f
		cmd.Stdout, cmd.Stderr = f, f
	}
	err := cmd.Start()
	if logFile != nil {
		logFile.Close()
	}
	if err != nil {
		cancel()
		return executor.Handle{}, fmt.Errorf("failed to start job %s: %w", spec.ID, err)
	}
	j.started = time.Now()

	if reg != nil {
		e := &entry{Handle: h.ID, Name: h.Name, PID: cmd.Process.Pid, Tags: spec.Tags, Started: j.started, Status: executor.StatusRunning}
		if err := reg.put(e); err != nil {
			cancel()
			_ = cmd.Wait()
			return executor.Handle{}, err
		}
	}

	r.mu.Lock()
	r.jobs[h.ID] = j
	r.mu.Unlock()

	go func() {
		defer close(j.done)
		defer cancel()

		err := cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		switch {
		case err != nil && ctx.Err() != nil:
			err = fmt.Errorf("job %s cancelled", spec.ID)
		case err != nil:
			err = fmt.Errorf("job %s failed: %w", spec.ID, err)
		}
		j.err = err
		if reg != nil {
			r.record(reg, j)
		}
	}()
	return h, nil
}

func (r *Runner) registry() *registry {
	if r.JobsDir == "" {
		return nil
	}
	return &registry{dir: r.JobsDir}
}

// record stores the result of a finished job for readers in other processes
func (r *Runner) record(reg *registry, j *job) {
	e := &entry{
		Handle:   j.handle.ID,
		Name:     j.handle.Name,
		Tags:     j.spec.Tags,
		Started:  j.started,
		Finished: time.Now(),
		Status:   executor.StatusSucceeded,
		Outputs:  j.declaredOutputs(),
	}
	if j.err != nil {
		e.Status, e.Error, e.Outputs = executor.StatusFailed, j.err.Error(), nil
	}
	_ = reg.put(e)
}

// List implements executor.Lister. Jobs of other processes are included when
// JobsDir is set; finished records are pruned.
func (r *Runner) List(_ context.Context) ([]executor.Job, error) {
	seen := make(map[string]bool)
	var out []executor.Job
	r.mu.Lock()
	for id, j := range r.jobs {
		seen[id] = true
		select {
		case <-j.done:
			continue
		default:
		}
		out = append(out, executor.Job{Handle: j.handle, Status: executor.StatusRunning, Tags: j.spec.Tags, Started: j.started})
	}
	r.mu.Unlock()

	if reg := r.registry(); reg != nil {
		entries, err := reg.list()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if seen[e.Handle] {
				continue
			}
			switch st := e.status(); {
			case st == executor.StatusRunning:
				out = append(out, executor.Job{Handle: executor.Handle{ID: e.Handle, Name: e.Name}, Status: st, Tags: e.Tags, Started: e.Started})
			case st == executor.StatusExited || time.Since(e.Finished) > keepFinished:
				reg.remove(e.Handle)
			}
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Started.Before(out[k].Started) })
	return out, nil
}

// Status implements executor.Executor
func (r *Runner) Status(_ context.Context, h executor.Handle) (executor.Status, error) {
	j, err := r.job(h)
	if err != nil {
		e, rerr := r.recorded(h, err)
		if rerr != nil {
			return "", rerr
		}
		return e.status(), nil
	}
	select {
	case <-j.done:
		if j.err != nil {
			return executor.StatusFailed, nil
		}
		return executor.StatusSucceeded, nil
	default:
		return executor.StatusRunning, nil
	}
}

// Cancel implements executor.Executor
func (r *Runner) Cancel(_ context.Context, h executor.Handle) error {
	j, err := r.job(h)
	if err == nil {
		j.cancel()
		return nil
	}
	e, err := r.recorded(h, err)
	if err != nil {
		return err
	}
	if e.status() != executor.StatusRunning {
		return nil
	}
	p, err := os.FindProcess(e.PID)
	if err != nil {
		return fmt.Errorf("failed to find job %s: %w", h.ID, err)
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill job %s: %w", h.ID, err)
	}
	e.Status, e.Error, e.Finished = executor.StatusFailed, fmt.Sprintf("job %s killed", h.ID), time.Now()
	return r.registry().put(e)
}

// Outputs implements executor.Executor. Only declared outputs are returned
// when the job declares any; undeclared outputs default to "".
func (r *Runner) Outputs(_ context.Context, h executor.Handle) (map[string]string, error) {
	j, err := r.job(h)
	if err != nil {
		e, rerr := r.recorded(h, err)
		if rerr != nil {
			return nil, rerr
		}
		return copyMap(e.Outputs), nil
	}
	<-j.done
	return j.declaredOutputs(), nil
}

func (j *job) declaredOutputs() map[string]string {
	if len(j.spec.Outputs) == 0 {
		return copyMap(j.outputs)
	}
	out := make(map[string]string, len(j.spec.Outputs))
	for _, name := range j.spec.Outputs {
		out[name] = j.outputs[name]
	}
	return out
}

// Reason implements executor.Failure
func (r *Runner) Reason(_ context.Context, h executor.Handle) (string, error) {
	j, err := r.job(h)
	if err != nil {
		e, rerr := r.recorded(h, err)
		if rerr != nil {
			return "", rerr
		}
		if e.status() == executor.StatusExited {
			return fmt.Sprintf("job %s exited without recording its result", h.ID), nil
		}
		return e.Error, nil
	}
	select {
	case <-j.done:
		if j.err != nil {
			return j.err.Error(), nil
		}
	default:
	}
	return "", nil
}

// Wait blocks until the job finishes
func (r *Runner) Wait(ctx context.Context, h executor.Handle) error {
	j, err := r.job(h)
	if err != nil {
		return err
	}
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) job(h executor.Handle) (*job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", executor.ErrUnknownJob, h.ID)
	}
	return j, nil
}

// recorded looks h up in the jobs directory, returning notFound when there is none
func (r *Runner) recorded(h executor.Handle, notFound error) (*entry, error) {
	reg := r.registry()
	if reg == nil {
		return nil, notFound
	}
	return reg.get(h.ID)
}

func (r *Runner) resolveWorkingDir(path string) string {
	if path == "" || path == "./" {
		return r.WorkDir
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.WorkDir, path)
}

func commandLine(spec *model.JobSpec) string {
	parts := make([]string, 0, 2)
	for _, p := range []string{spec.Entrypoint, spec.Cmd} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

func environ(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// lockedWriter serializes writes from concurrent jobs
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return len(p), nil
	}
	return l.w.Write(p)
}

func (l *lockedWriter) WriteLine(s string) {
	_, _ = l.Write([]byte(s + "\n"))
}

// lineWriter splits written bytes into lines. Writes come from a single
// copying goroutine per stream.
type lineWriter struct {
	emit func(line string)
	buf  []byte
}

func (l *lineWriter) Write(b []byte) (int, error) {
	l.buf = append(l.buf, b...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(strings.TrimSuffix(string(l.buf[:i]), "\r"))
		l.buf = l.buf[i+1:]
	}
	return len(b), nil
}

// Flush emits a trailing line without a newline
func (l *lineWriter) Flush() {
	if len(l.buf) > 0 {
		l.emit(string(l.buf))
		l.buf = nil
	}
}
