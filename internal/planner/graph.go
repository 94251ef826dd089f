package planner

import (
	"sort"
	"time"

	"github.com/sourceplane/liteflow/internal/expr"
	"github.com/sourceplane/liteflow/internal/model"
)

// Node is one concrete unit of work: a task template plus a matrix assignment
type Node struct {
	ID         string
	TemplateID string
	Task       *model.Task

	// MatrixKeys orders Matrix
	MatrixKeys []string
	Matrix     map[string]any

	// Needs holds the concrete dependency ids, sorted. NeedsByName maps every
	// declared needs entry to the ids it stands for.
	Needs       []string
	NeedsByName map[string][]string

	// Group is the strategy group; nodes expanded from one template share it
	Group        string
	MaxParallel  int
	FailFast     bool
	RunOnFailure bool

	CacheStrategy string
	CacheLifeSpan *expr.Template
	Outputs       []string

	Enable         *expr.Template
	DefinitionHash string

	index int
}

// Cached reports whether results of the node may be served from the cache
func (n *Node) Cached() bool { return n.CacheStrategy != model.CacheNone }

// DefaultLifeSpan applies to cache records of nodes without a life span
const DefaultLifeSpan = 14 * 24 * time.Hour

// Graph is the validated DAG of nodes
type Graph struct {
	FlowID      string
	Title       string
	MaxParallel int

	nodes      map[string]*Node
	order      []string
	dependents map[string][]string
	templates  map[string][]string
}

// Node returns the node with the given id
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Len returns the number of nodes
func (g *Graph) Len() int { return len(g.nodes) }

// Order returns node ids in topological order. Ties keep declaration order.
func (g *Graph) Order() []string { return append([]string(nil), g.order...) }

// Nodes returns the nodes in topological order
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Dependents returns the ids of nodes that need id, sorted
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Expansions returns the node ids expanded from a task template
func (g *Graph) Expansions(templateID string) []string {
	return append([]string(nil), g.templates[templateID]...)
}

// Plan returns the serializable view of g
func (g *Graph) Plan() *model.Plan {
	plan := &model.Plan{FlowID: g.FlowID, Title: g.Title, Order: g.Order()}
	for _, n := range g.Nodes() {
		var matrix map[string]any
		if len(n.MatrixKeys) > 0 {
			matrix = n.Matrix
		}
		plan.Nodes = append(plan.Nodes, model.PlanNode{
			ID:             n.ID,
			Template:       n.TemplateID,
			Matrix:         matrix,
			Needs:          n.Needs,
			Group:          n.Group,
			MaxParallel:    n.MaxParallel,
			FailFast:       n.FailFast,
			RunOnFailure:   n.RunOnFailure,
			Cache:          n.CacheStrategy,
			DefinitionHash: n.DefinitionHash,
			Outputs:        n.Outputs,
		})
	}
	return plan
}

// topoSort performs topological sorting of nodes using Kahn's algorithm.
// Nodes that could not be sorted are returned as leftover.
func topoSort(nodes map[string]*Node, dependents map[string][]string) (sorted, leftover []string) {
	inDegree := make(map[string]int, len(nodes))
	for id, n := range nodes {
		inDegree[id] = len(n.Needs)
	}

	// Ready nodes are taken in declaration order
	var ready []*Node
	for _, n := range nodes {
		if inDegree[n.ID] == 0 {
			ready = append(ready, n)
		}
	}
	byIndex := func(s []*Node) {
		sort.Slice(s, func(i, j int) bool { return s[i].index < s[j].index })
	}
	byIndex(ready)

	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		sorted = append(sorted, current.ID)

		changed := false
		for _, dep := range dependents[current.ID] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, nodes[dep])
				changed = true
			}
		}
		if changed {
			byIndex(ready)
		}
	}

	if len(sorted) == len(nodes) {
		return sorted, nil
	}
	for id, d := range inDegree {
		if d > 0 {
			leftover = append(leftover, id)
		}
	}
	sort.Strings(leftover)
	return sorted, leftover
}

// shortestCycle finds the shortest cycle among the leftover nodes by BFS
// along needs edges. The cycle starts and ends at its smallest id.
func shortestCycle(nodes map[string]*Node, leftover []string) []string {
	in := make(map[string]bool, len(leftover))
	for _, id := range leftover {
		in[id] = true
	}

	var best []string
	for _, start := range leftover {
		prev := map[string]string{}
		queue := []string{start}
		visited := map[string]bool{start: true}
		var found []string
	search:
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, next := range nodes[cur].Needs {
				if !in[next] {
					continue
				}
				if next == start {
					path := []string{cur}
					for p := cur; p != start; {
						p = prev[p]
						path = append(path, p)
					}
					// path runs backwards from cur to start
					for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
						path[i], path[j] = path[j], path[i]
					}
					found = append(path, start)
					break search
				}
				if !visited[next] {
					visited[next] = true
					prev[next] = cur
					queue = append(queue, next)
				}
			}
		}
		if found != nil && (best == nil || len(found) < len(best)) {
			best = found
		}
	}
	return rotate(best)
}

// rotate makes a closed cycle path start at its smallest id
func rotate(cycle []string) []string {
	if len(cycle) < 2 {
		return cycle
	}
	ring := cycle[:len(cycle)-1]
	min := 0
	for i, id := range ring {
		if id < ring[min] {
			min = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, ring[min:]...)
	out = append(out, ring[:min]...)
	return append(out, out[0])
}
