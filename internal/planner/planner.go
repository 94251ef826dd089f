package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sourceplane/liteflow/internal/contexts"
	"github.com/sourceplane/liteflow/internal/expand"
	"github.com/sourceplane/liteflow/internal/expr"
	"github.com/sourceplane/liteflow/internal/model"
)

// DefaultMaxParallel is the global concurrency limit when neither the caller nor the flow sets one
const DefaultMaxParallel = 10

// Build turns a normalized batch flow into a validated graph. r resolves the
// flow-level contexts used by matrix values and strategy settings.
func Build(flow *model.BatchFlow, r *contexts.Resolver) (*Graph, error) {
	if flow == nil {
		return nil, fmt.Errorf("batch flow cannot be nil")
	}

	g := &Graph{
		FlowID:     flow.ID,
		nodes:      make(map[string]*Node),
		dependents: make(map[string][]string),
		templates:  make(map[string][]string),
	}
	title, err := r.EvalString(flow.Title.Template())
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate flow title: %w", err)
	}
	g.Title = title

	defaults := flow.Defaults
	if defaults == nil {
		defaults = &model.Defaults{}
	}
	g.MaxParallel, err = positiveInt(r, defaults.MaxParallel, DefaultMaxParallel)
	if err != nil {
		return nil, strategyErr("", "defaults.max-parallel", err)
	}
	defaultFailFast, err := boolean(r, defaults.FailFast, true)
	if err != nil {
		return nil, strategyErr("", "defaults.fail-fast", err)
	}

	// Expand every template in declaration order
	expander := expand.NewExpander(r)
	var ordered []*Node
	for _, task := range flow.Tasks {
		instances, err := expander.Expand(task)
		if err != nil {
			return nil, strategyErr(task.ID, "", err)
		}

		maxParallel, failFast := 0, defaultFailFast
		if s := task.Strategy; s != nil {
			if maxParallel, err = positiveInt(r, s.MaxParallel, 0); err != nil {
				return nil, strategyErr(task.ID, "max-parallel", err)
			}
			if failFast, err = boolean(r, s.FailFast, defaultFailFast); err != nil {
				return nil, strategyErr(task.ID, "fail-fast", err)
			}
		}
		analysis := expand.Analyze(task)
		cache := task.Cache
		if cache == nil {
			cache = &model.Cache{Strategy: model.CacheDefault}
		}

		for _, in := range instances {
			if _, dup := g.nodes[in.ID]; dup {
				return nil, buildErr(ErrDuplicateNode, in.ID, "declared by task %s at %s", task.ID, task.Pos)
			}
			n := &Node{
				ID:            in.ID,
				TemplateID:    task.ID,
				Task:          task,
				MatrixKeys:    in.Keys,
				Matrix:        in.Values,
				Group:         task.ID,
				MaxParallel:   maxParallel,
				FailFast:      failFast,
				RunOnFailure:  analysis.RunOnFailure,
				CacheStrategy: cache.Strategy,
				CacheLifeSpan: cache.LifeSpan.Template(),
				Outputs:       task.Outputs,
				Enable:        task.Enable.Template(),
				index:         len(ordered),
			}
			if n.CacheStrategy == "" || n.CacheStrategy == model.CacheInherit {
				n.CacheStrategy = model.CacheDefault
			}
			if n.DefinitionHash, err = definitionHash(n); err != nil {
				return nil, fmt.Errorf("failed to hash node %s: %w", n.ID, err)
			}
			g.nodes[n.ID] = n
			g.templates[task.ID] = append(g.templates[task.ID], n.ID)
			ordered = append(ordered, n)
		}
	}

	// Resolve needs into concrete edges
	resolver := expand.NewDependencyResolver(g.templates)
	for _, n := range ordered {
		needs, byName, unknown := resolver.ResolveAll(n.Task.Needs)
		if unknown != "" {
			return nil, buildErr(ErrUnknownDependency, n.ID, "needs %q, which is not a task", unknown)
		}
		n.Needs, n.NeedsByName = needs, byName
		for _, dep := range needs {
			g.dependents[dep] = append(g.dependents[dep], n.ID)
		}

		// needs.<id> references must name a declared dependency
		for _, ref := range expand.Analyze(n.Task).NeedsRefs {
			if _, ok := byName[ref]; !ok {
				return nil, buildErr(ErrUnknownDependency, n.ID, "expression references needs.%s, which is not declared in needs", ref)
			}
		}
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	sorted, leftover := topoSort(g.nodes, g.dependents)
	if len(leftover) > 0 {
		return nil, &BuildError{Kind: ErrGraphCycle, Cycle: shortestCycle(g.nodes, leftover)}
	}
	g.order = sorted
	return g, nil
}

// definitionHash covers the template id, the matrix assignment and the raw task definition
func definitionHash(n *Node) (string, error) {
	assignment := make([][2]any, 0, len(n.MatrixKeys))
	for _, k := range n.MatrixKeys {
		assignment = append(assignment, [2]any{k, n.Matrix[k]})
	}
	data, err := json.Marshal(struct {
		Template   string      `json:"template"`
		Matrix     [][2]any    `json:"matrix"`
		Definition *model.Task `json:"definition"`
	}{n.TemplateID, assignment, n.Task})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func positiveInt(r *contexts.Resolver, e *model.Expr, fallback int) (int, error) {
	if e == nil {
		return fallback, nil
	}
	v, err := r.Eval(e.Template())
	if err != nil {
		return 0, err
	}
	if v == nil {
		return fallback, nil
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("expected an integer, got %s", expr.TypeName(v))
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be greater than 0, got %d", n)
	}
	return int(n), nil
}

func boolean(r *contexts.Resolver, e *model.Expr, fallback bool) (bool, error) {
	if e == nil {
		return fallback, nil
	}
	v, err := r.Eval(e.Template())
	if err != nil {
		return false, err
	}
	if v == nil {
		return fallback, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected a boolean, got %s", expr.TypeName(v))
	}
	return b, nil
}
