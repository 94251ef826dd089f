package batch

import (
	"context"
	"fmt"
	"sort"

	"github.com/sourceplane/liteflow/internal/contexts"
	"github.com/sourceplane/liteflow/internal/expr"
	"github.com/sourceplane/liteflow/internal/flowctx"
	"github.com/sourceplane/liteflow/internal/model"
	"github.com/sourceplane/liteflow/internal/planner"
	"github.com/sourceplane/liteflow/internal/scheduler"
)

// defaultEnable applies to tasks without an enable expression
var defaultEnable = expr.MustParse("${{ success() }}")

// Preparer resolves graph nodes into jobs for the scheduler
type Preparer struct {
	scope *flowctx.Scope
	graph *planner.Graph
	runID string
}

// NewPreparer creates a preparer for one run of g
func NewPreparer(scope *flowctx.Scope, g *planner.Graph, runID string) *Preparer {
	return &Preparer{scope: scope, graph: g, runID: runID}
}

// Enabled evaluates the enable expression of n
func (p *Preparer) Enabled(_ context.Context, n *planner.Node, deps []scheduler.Upstream) (bool, error) {
	cond := n.Enable
	if cond == nil {
		cond = defaultEnable
	}
	v, err := p.resolver(n, deps).Eval(cond)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate %s.enable: %w", n.ID, err)
	}
	return expr.Truthy(v), nil
}

// Prepare resolves the job of n
func (p *Preparer) Prepare(_ context.Context, n *planner.Node, deps []scheduler.Upstream) (*scheduler.Prepared, error) {
	r := p.resolver(n, deps)
	spec, err := p.scope.Resolve(r, n.ID, &n.Task.ExecUnit)
	if err != nil {
		return nil, err
	}
	spec.Outputs = append([]string(nil), n.Outputs...)

	lifeSpan := planner.DefaultLifeSpan
	if n.CacheLifeSpan != nil {
		v, err := r.Eval(n.CacheLifeSpan)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s.cache.life-span: %w", n.ID, err)
		}
		d, err := model.ParseLifeSpan(v)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s.cache.life-span: %w", n.ID, err)
		}
		if d > 0 {
			lifeSpan = d
		}
	}
	return &scheduler.Prepared{Spec: spec, CacheLifeSpan: lifeSpan}, nil
}

// Resolver returns the contexts n is evaluated in
func (p *Preparer) resolver(n *planner.Node, deps []scheduler.Upstream) *contexts.Resolver {
	r := p.scope.Resolver()
	p.scope.Layer(r, &n.Task.ExecUnit, "task:"+n.ID, "bake_id:"+p.runID)
	r.Define("needs", contexts.NeedsContext(dependencies(n, deps)))
	r.Define("matrix", contexts.MatrixContext(n.MatrixKeys, n.Matrix))
	r.Define("strategy", contexts.StrategyContext(n.MaxParallel, n.FailFast))
	return r
}

// dependencies maps every declared needs entry to what its nodes produced.
// An entry standing for several matrix nodes reports the worst result among
// them and no outputs.
func dependencies(n *planner.Node, deps []scheduler.Upstream) []contexts.Dependency {
	byID := make(map[string]scheduler.Upstream, len(deps))
	for _, d := range deps {
		byID[d.ID] = d
	}

	names := make([]string, 0, len(n.NeedsByName))
	for name := range n.NeedsByName {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]contexts.Dependency, 0, len(names))
	for _, name := range names {
		ids := n.NeedsByName[name]
		if len(ids) == 1 {
			d := byID[ids[0]]
			out = append(out, contexts.Dependency{ID: name, Result: d.State.Result(), Outputs: d.Outputs})
			continue
		}
		results := make([]string, 0, len(ids))
		for _, id := range ids {
			results = append(results, byID[id].State.Result())
		}
		out = append(out, contexts.Dependency{ID: name, Result: aggregate(results)})
	}
	return out
}

func aggregate(results []string) string {
	for _, want := range []string{"failure", "cancelled", "skipped"} {
		for _, r := range results {
			if r == want {
				return want
			}
		}
	}
	return "success"
}
