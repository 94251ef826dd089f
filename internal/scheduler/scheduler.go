// Package scheduler drives a planned graph to completion: it promotes nodes as
// their dependencies finish, consults the cache, dispatches work to an executor
// within the parallelism limits and applies the failure policy.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sourceplane/liteflow/internal/cache"
	"github.com/sourceplane/liteflow/internal/ctxlog"
	"github.com/sourceplane/liteflow/internal/executor"
	"github.com/sourceplane/liteflow/internal/model"
	"github.com/sourceplane/liteflow/internal/planner"
)

const (
	DefaultCancelGrace  = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// Event is one state transition of one node
type Event struct {
	RunID string
	Node  string
	From  State
	To    State
	Time  time.Time
	Err   error
}

// Observer receives transitions in the order the coordination loop applies them
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ev Event)

// Observe implements Observer
func (f ObserverFunc) Observe(ev Event) { f(ev) }

// Upstream is a finished dependency as seen by a node being prepared
type Upstream struct {
	ID         string
	TemplateID string
	State      State
	Outputs    map[string]string
}

// Prepared is a node resolved into a job
type Prepared struct {
	Spec          *model.JobSpec
	CacheLifeSpan time.Duration
}

// Preparer turns graph nodes into jobs once their dependencies are known
type Preparer interface {
	Enabled(ctx context.Context, node *planner.Node, deps []Upstream) (bool, error)
	Prepare(ctx context.Context, node *planner.Node, deps []Upstream) (*Prepared, error)
}

// Cache is the part of the cache layer the scheduler uses
type Cache interface {
	Lookup(ctx context.Context, fingerprint string) (*cache.Record, bool, error)
	Store(ctx context.Context, rec *cache.Record) error
}

// Options tune one scheduler
type Options struct {
	// MaxParallel bounds running nodes; zero falls back to the graph setting
	MaxParallel  int
	CancelGrace  time.Duration
	PollInterval time.Duration
	Observer     Observer
	// RunID is generated when empty
	RunID string
	// ProjectID scopes cache fingerprints and records together with the flow id
	ProjectID string
	Now       func() time.Time
}

// Scheduler runs graphs against an executor
type Scheduler struct {
	exec  executor.Executor
	prep  Preparer
	cache Cache
	opts  Options
}

// New creates a scheduler. A nil cache disables caching.
func New(exec executor.Executor, prep Preparer, c Cache, opts Options) *Scheduler {
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{exec: exec, prep: prep, cache: c, opts: opts}
}

// staged is a ready node that passed its checks and waits for a slot
type staged struct {
	prepared    *Prepared
	fingerprint string
}

// worker tracks one running node
type worker struct {
	node *planner.Node
	// cancel asks the worker to cancel its job, stop abandons it
	cancel    chan struct{}
	requested bool
	stop      context.CancelFunc
}

// result is what a worker reports back to the loop
type result struct {
	id      string
	state   State
	outputs map[string]string
	err     error
}

// run is the state of one invocation. Only the coordination loop touches it.
type run struct {
	s      *Scheduler
	g      *planner.Graph
	id     string
	limit  int
	logger *slog.Logger

	states   map[string]State
	outcomes map[string]*Outcome
	staged   map[string]*staged
	workers  map[string]*worker
	groups   map[string]int
	results  chan result

	// stopped is set once fail-fast or external cancellation kicked in
	stopped   RunStatus
	partial   bool
	graceC    <-chan time.Time
	graceTime *time.Timer
}

// Run executes g and returns the finalized run state. The error is non-nil only
// when the run could not be driven at all; node failures are part of the result.
func (s *Scheduler) Run(ctx context.Context, g *planner.Graph) (*RunResult, error) {
	if s.exec == nil {
		return nil, ErrNoExecutor
	}
	if s.prep == nil {
		return nil, ErrNoPreparer
	}

	runID := s.opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	limit := s.opts.MaxParallel
	if limit <= 0 {
		limit = g.MaxParallel
	}
	if limit <= 0 {
		limit = planner.DefaultMaxParallel
	}

	r := &run{
		s:        s,
		g:        g,
		id:       runID,
		limit:    limit,
		logger:   ctxlog.FromContext(ctx).With(slog.String("run_id", runID)),
		states:   make(map[string]State, g.Len()),
		outcomes: make(map[string]*Outcome, g.Len()),
		staged:   make(map[string]*staged),
		workers:  make(map[string]*worker),
		groups:   make(map[string]int),
		results:  make(chan result, g.Len()),
	}
	for _, id := range g.Order() {
		r.states[id] = Pending
		r.outcomes[id] = &Outcome{Node: id, State: Pending}
	}

	started := s.opts.Now()
	r.logger.Info("run started", slog.String("flow", g.FlowID), slog.Int("nodes", g.Len()), slog.Int("max_parallel", limit))
	err := r.loop(ctx)
	r.abandon()
	if err != nil {
		return nil, err
	}

	res := &RunResult{
		RunID:    runID,
		Status:   r.status(),
		Order:    g.Order(),
		Nodes:    r.outcomes,
		Started:  started,
		Finished: s.opts.Now(),
	}
	r.logger.Info("run finished", slog.String("status", string(res.Status)), slog.Duration("duration", res.Finished.Sub(started)))
	return res, nil
}

func (r *run) loop(ctx context.Context) error {
	done := ctx.Done()
	for {
		if err := r.advance(ctx); err != nil {
			return err
		}
		if r.finished() {
			return nil
		}

		select {
		case res := <-r.results:
			if err := r.complete(res); err != nil {
				return err
			}
		case <-done:
			done = nil
			r.logger.Warn("run cancelled", slog.Any("error", ctx.Err()))
			if err := r.stop(RunCancelled); err != nil {
				return err
			}
		case <-r.graceC:
			if err := r.expire(); err != nil {
				return err
			}
		}
	}
}

// advance promotes and dispatches until nothing changes
func (r *run) advance(ctx context.Context) error {
	for {
		promoted, err := r.promote()
		if err != nil {
			return err
		}
		dispatched, err := r.dispatch(ctx)
		if err != nil {
			return err
		}
		if !promoted && !dispatched {
			return nil
		}
	}
}

// promote moves pending nodes whose dependencies are all terminal
func (r *run) promote() (bool, error) {
	changed := false
	for _, n := range r.g.Nodes() {
		if r.states[n.ID] != Pending {
			continue
		}
		blocked, disabled, ready := false, false, true
		for _, dep := range n.Needs {
			st := r.states[dep]
			if !st.Terminal() {
				ready = false
				break
			}
			if st.blocksDependents() {
				blocked = true
			}
			if st == SkippedDisabled {
				disabled = true
			}
		}
		if !ready {
			continue
		}

		next := Ready
		switch {
		case blocked && !n.RunOnFailure:
			next = SkippedUpstreamFailed
		case disabled && !n.RunOnFailure:
			next = SkippedDisabled
		case r.stopped != "" && !r.runsAfterStop(n):
			next = Cancelled
		}
		if err := r.transition(n.ID, next, nil); err != nil {
			return false, err
		}
		changed = true
	}
	return changed, nil
}

// dispatch checks ready nodes in graph order and starts those with a free slot
func (r *run) dispatch(ctx context.Context) (bool, error) {
	changed := false
	for _, n := range r.g.Nodes() {
		if r.states[n.ID] != Ready {
			continue
		}
		if r.stopped != "" && !r.runsAfterStop(n) {
			continue
		}
		st, ok := r.staged[n.ID]
		if !ok {
			var err error
			st, err = r.stage(ctx, n)
			if err != nil {
				return false, err
			}
			if st == nil {
				changed = true
				continue
			}
			r.staged[n.ID] = st
		}

		if len(r.workers) >= r.limit {
			continue
		}
		if n.MaxParallel > 0 && r.groups[n.Group] >= n.MaxParallel {
			continue
		}
		delete(r.staged, n.ID)
		if err := r.launch(ctx, n, st); err != nil {
			return false, err
		}
		changed = true
	}
	return changed, nil
}

// stage evaluates enable, resolves the job and consults the cache. A nil
// result means the node reached a terminal state without running.
func (r *run) stage(ctx context.Context, n *planner.Node) (*staged, error) {
	deps := r.upstream(n)
	logger := r.logger.With(slog.String("node", n.ID))

	enabled, err := r.s.prep.Enabled(ctx, n, deps)
	if err != nil {
		return nil, r.fail(n, execErr(n.ID, "failed to evaluate enable", err))
	}
	if !enabled {
		return nil, r.transition(n.ID, SkippedDisabled, nil)
	}

	prepared, err := r.s.prep.Prepare(ctx, n, deps)
	if err != nil {
		return nil, r.fail(n, execErr(n.ID, "failed to resolve job", err))
	}

	cacheDeps := make([]cache.Dep, 0, len(deps))
	for _, d := range deps {
		cacheDeps = append(cacheDeps, cache.Dep{ID: d.ID, Outputs: d.Outputs})
	}
	fp, err := cache.Fingerprint(cache.Input{
		ProjectID:      r.s.opts.ProjectID,
		FlowID:         r.g.FlowID,
		NodeID:         n.ID,
		TemplateID:     n.TemplateID,
		DefinitionHash: n.DefinitionHash,
		Params:         prepared.Spec.Params(),
		Deps:           cacheDeps,
	})
	if err != nil {
		return nil, r.fail(n, execErr(n.ID, "failed to fingerprint", err))
	}
	r.outcomes[n.ID].Fingerprint = fp

	if r.s.cache != nil && n.Cached() {
		rec, hit, err := r.s.cache.Lookup(ctx, fp)
		if err != nil {
			logger.Warn("cache lookup failed", slog.String("fingerprint", fp), slog.Any("error", err))
		}
		if hit {
			r.outcomes[n.ID].Outputs = rec.Outputs
			logger.Debug("cache hit", slog.String("fingerprint", fp))
			return nil, r.transition(n.ID, SkippedCached, nil)
		}
	}
	return &staged{prepared: prepared, fingerprint: fp}, nil
}

func (r *run) launch(ctx context.Context, n *planner.Node, st *staged) error {
	if err := r.transition(n.ID, Running, nil); err != nil {
		return err
	}
	wctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	wctx = ctxlog.WithLogger(wctx, r.logger.With(slog.String("node", n.ID)))
	w := &worker{node: n, cancel: make(chan struct{}), stop: stop}
	r.workers[n.ID] = w
	r.groups[n.Group]++
	go r.s.work(wctx, r.id, r.g.FlowID, w, st, r.results)
	return nil
}

// complete applies a worker result
func (r *run) complete(res result) error {
	w, ok := r.workers[res.id]
	if !ok {
		// Reported after the grace period expired
		return nil
	}
	r.release(res.id, w)

	o := r.outcomes[res.id]
	o.Outputs = res.outputs
	state := res.state
	if state == Failed && w.requested {
		state = Cancelled
	}
	if state == Failed {
		return r.fail(w.node, res.err)
	}
	return r.transition(res.id, state, res.err)
}

// fail records a failure and applies the fail-fast policy
func (r *run) fail(n *planner.Node, err error) error {
	if err := r.transition(n.ID, Failed, err); err != nil {
		return err
	}
	if r.stopped != "" {
		return nil
	}
	if n.FailFast {
		return r.stop(RunFailed)
	}
	r.partial = true
	return nil
}

// stop applies fail-fast or external cancellation. Nodes downstream of a
// failure are left to promote so they end as skipped_upstream_failed; nodes
// opted into run-on-failure still run after a fail-fast stop. Everything else
// not yet finished is cancelled.
func (r *run) stop(status RunStatus) error {
	if r.stopped != "" {
		return nil
	}
	r.stopped = status
	downstream := r.downstreamOfFailure()
	for _, n := range r.g.Nodes() {
		switch r.states[n.ID] {
		case Pending, Ready:
			if r.runsAfterStop(n) || (r.states[n.ID] == Pending && downstream[n.ID]) {
				continue
			}
			delete(r.staged, n.ID)
			if err := r.transition(n.ID, Cancelled, nil); err != nil {
				return err
			}
		}
	}
	for _, id := range r.g.Order() {
		if w, ok := r.workers[id]; ok && !w.requested {
			w.requested = true
			close(w.cancel)
		}
	}
	if len(r.workers) > 0 {
		r.graceTime = time.NewTimer(r.s.opts.CancelGrace)
		r.graceC = r.graceTime.C
	}
	return nil
}

// runsAfterStop reports whether n may still be dispatched once the run stopped
func (r *run) runsAfterStop(n *planner.Node) bool {
	return n.RunOnFailure && r.stopped == RunFailed
}

// downstreamOfFailure collects the nodes reachable from a blocking state.
// The walk stops at run-on-failure nodes, which do not inherit the failure.
func (r *run) downstreamOfFailure() map[string]bool {
	seen := make(map[string]bool)
	var queue []string
	for id, st := range r.states {
		if st.blocksDependents() {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range r.g.Dependents(id) {
			n, ok := r.g.Node(dep)
			if !ok || seen[dep] || n.RunOnFailure {
				continue
			}
			seen[dep] = true
			queue = append(queue, dep)
		}
	}
	return seen
}

// expire gives up on nodes that did not stop within the grace period
func (r *run) expire() error {
	r.graceC = nil
	for _, id := range r.g.Order() {
		w, ok := r.workers[id]
		if !ok || !w.requested {
			continue
		}
		r.release(id, w)
		r.logger.Warn("node did not stop within grace period", slog.String("node", id))
		if err := r.transition(id, Cancelled, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) release(id string, w *worker) {
	delete(r.workers, id)
	r.groups[w.node.Group]--
	w.stop()
}

// abandon stops workers left behind by an aborted loop
func (r *run) abandon() {
	if r.graceTime != nil {
		r.graceTime.Stop()
	}
	for id, w := range r.workers {
		r.release(id, w)
	}
}

func (r *run) transition(id string, to State, err error) error {
	from := r.states[id]
	if terr := checkTransition(id, from, to); terr != nil {
		return terr
	}
	now := r.s.opts.Now()
	r.states[id] = to

	o := r.outcomes[id]
	o.State = to
	if err != nil {
		o.Err = err
	}
	if to == Running {
		o.Started = now
	}
	if to.Terminal() {
		o.Finished = now
	}

	attrs := []any{slog.String("node", id), slog.String("state", string(to))}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
		r.logger.Warn("node transition", attrs...)
	} else {
		r.logger.Debug("node transition", attrs...)
	}
	if obs := r.s.opts.Observer; obs != nil {
		obs.Observe(Event{RunID: r.id, Node: id, From: from, To: to, Time: now, Err: err})
	}
	return nil
}

func (r *run) upstream(n *planner.Node) []Upstream {
	deps := make([]Upstream, 0, len(n.Needs))
	for _, id := range n.Needs {
		dep, _ := r.g.Node(id)
		u := Upstream{ID: id, State: r.states[id], Outputs: r.outcomes[id].Outputs}
		if dep != nil {
			u.TemplateID = dep.TemplateID
		}
		deps = append(deps, u)
	}
	return deps
}

func (r *run) finished() bool {
	for _, st := range r.states {
		if !st.Terminal() {
			return false
		}
	}
	return true
}

func (r *run) status() RunStatus {
	switch {
	case r.stopped != "":
		return r.stopped
	case r.partial:
		return RunPartialFailure
	}
	return RunSuccess
}
