// Package batch runs batch flows: it plans the graph and hands it to the
// scheduler with a preparer resolving nodes against the flow contexts.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sourceplane/liteflow/internal/cache"
	"github.com/sourceplane/liteflow/internal/ctxlog"
	"github.com/sourceplane/liteflow/internal/executor"
	"github.com/sourceplane/liteflow/internal/flowctx"
	"github.com/sourceplane/liteflow/internal/loader"
	"github.com/sourceplane/liteflow/internal/model"
	"github.com/sourceplane/liteflow/internal/normalize"
	"github.com/sourceplane/liteflow/internal/planner"
	"github.com/sourceplane/liteflow/internal/scheduler"
)

// Options configure one bake
type Options struct {
	MaxParallel  int
	CancelGrace  time.Duration
	PollInterval time.Duration
	Observer     scheduler.Observer
	// Cache may be nil to run every node
	Cache scheduler.Cache
	// History records a summary of the bake when set
	History cache.BakeStore
	RunID   string
}

// Plan is a batch flow ready to run
type Plan struct {
	ProjectID string
	Flow      *model.BatchFlow
	Scope     *flowctx.Scope
	Graph     *planner.Graph
}

// Load reads, normalizes and plans the batch flow id of ws
func Load(ctx context.Context, ws *loader.Workspace, id string, in flowctx.Inputs) (*Plan, error) {
	flow, err := ws.LoadBatch(id)
	if err != nil {
		return nil, err
	}
	return New(ctx, flow, in)
}

// New normalizes and plans flow
func New(ctx context.Context, flow *model.BatchFlow, in flowctx.Inputs) (*Plan, error) {
	if err := normalize.Batch(flow); err != nil {
		return nil, fmt.Errorf("failed to normalize %s: %w", flow.Path, err)
	}
	scope, err := flowctx.ForBatch(ctx, flow, in)
	if err != nil {
		return nil, fmt.Errorf("failed to build contexts of %s: %w", flow.ID, err)
	}
	g, err := planner.Build(flow, scope.Resolver())
	if err != nil {
		return nil, err
	}
	return &Plan{ProjectID: in.Project.ID, Flow: flow, Scope: scope, Graph: g}, nil
}

// Bake runs every node of the plan
func (p *Plan) Bake(ctx context.Context, exec executor.Executor, opts Options) (*scheduler.RunResult, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := ctxlog.FromContext(ctx).With(slog.String("flow", p.Graph.FlowID))
	ctx = ctxlog.WithLogger(ctx, logger)

	s := scheduler.New(exec, NewPreparer(p.Scope, p.Graph, runID), opts.Cache, scheduler.Options{
		MaxParallel:  opts.MaxParallel,
		CancelGrace:  opts.CancelGrace,
		PollInterval: opts.PollInterval,
		Observer:     opts.Observer,
		RunID:        runID,
		ProjectID:    p.ProjectID,
	})
	res, err := s.Run(ctx, p.Graph)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", p.Graph.FlowID, err)
	}
	if opts.History != nil {
		// The bake already happened; a lost summary is not worth failing it
		if err := opts.History.PutBake(context.WithoutCancel(ctx), Summarize(p.ProjectID, p.Graph.FlowID, res)); err != nil {
			logger.Warn("failed to record bake", slog.String("run_id", res.RunID), slog.Any("error", err))
		}
	}
	return res, nil
}

// Summarize converts a run result into its persisted form
func Summarize(projectID, flowID string, res *scheduler.RunResult) *cache.Bake {
	b := &cache.Bake{
		ID:        res.RunID,
		ProjectID: projectID,
		FlowID:    flowID,
		Status:    string(res.Status),
		Started:   res.Started,
		Finished:  res.Finished,
	}
	for _, id := range res.Order {
		o, ok := res.Outcome(id)
		if !ok {
			continue
		}
		n := cache.BakeNode{
			ID:          id,
			State:       string(o.State),
			Fingerprint: o.Fingerprint,
			Started:     o.Started,
			Finished:    o.Finished,
		}
		if o.Err != nil {
			n.Error = o.Err.Error()
		}
		b.Nodes = append(b.Nodes, n)
	}
	return b
}
