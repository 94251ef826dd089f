package render

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sourceplane/liteflow/internal/model"
)

// PlanViewer provides human-readable visualization of a plan DAG
type PlanViewer struct {
	plan *model.Plan
}

// NewPlanViewer creates a new plan viewer
func NewPlanViewer(plan *model.Plan) *PlanViewer {
	return &PlanViewer{plan: plan}
}

// ViewDAG returns a tree of task templates, their nodes and what each node needs
func (pv *PlanViewer) ViewDAG() string {
	if len(pv.plan.Nodes) == 0 {
		return "No nodes in plan"
	}

	// Group nodes by template, keeping plan order
	var templates []string
	byTemplate := make(map[string][]*model.PlanNode)
	for i := range pv.plan.Nodes {
		n := &pv.plan.Nodes[i]
		if _, ok := byTemplate[n.Template]; !ok {
			templates = append(templates, n.Template)
		}
		byTemplate[n.Template] = append(byTemplate[n.Template], n)
	}

	var sb strings.Builder
	for i, tmpl := range templates {
		isLastTemplate := i == len(templates)-1
		nodes := byTemplate[tmpl]

		prefix, connector := "├─ ", "│  "
		if isLastTemplate {
			prefix, connector = "└─ ", "   "
		}
		header := tmpl
		if attrs := templateAttrs(nodes[0]); attrs != "" {
			header += " [" + attrs + "]"
		}
		sb.WriteString(prefix + header + "\n")

		// Non-matrix templates have a single node named after them
		if len(nodes) == 1 && nodes[0].ID == tmpl {
			writeNeeds(&sb, connector, nodes[0].Needs)
			continue
		}
		for j, n := range nodes {
			nodePrefix, nodeConnector := connector+"├─ ", connector+"│  "
			if j == len(nodes)-1 {
				nodePrefix, nodeConnector = connector+"└─ ", connector+"   "
			}
			sb.WriteString(nodePrefix + n.ID + matrixLabel(n) + "\n")
			writeNeeds(&sb, nodeConnector, n.Needs)
		}
	}

	sb.WriteString("═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(&sb, "Summary: %d tasks, %d nodes\n", len(templates), len(pv.plan.Nodes))
	return sb.String()
}

// ViewDependencies lists every node with the nodes it needs
func (pv *PlanViewer) ViewDependencies() string {
	if len(pv.plan.Nodes) == 0 {
		return "No nodes in plan"
	}

	var sb strings.Builder
	sb.WriteString("Node Dependencies\n")
	sb.WriteString("═══════════════════════════════════════════════════════════\n\n")

	for i, n := range pv.plan.Nodes {
		prefix := "├─ "
		if i == len(pv.plan.Nodes)-1 {
			prefix = "└─ "
		}
		fmt.Fprintf(&sb, "%s%s (%s)\n", prefix, n.ID, n.Template)

		if len(n.Needs) == 0 {
			sb.WriteString("   (no dependencies)\n")
			continue
		}
		for j, dep := range n.Needs {
			depPrefix := "  ├─ "
			if j == len(n.Needs)-1 {
				depPrefix = "  └─ "
			}
			fmt.Fprintf(&sb, "%s(needs) %s\n", depPrefix, dep)
		}
	}
	return sb.String()
}

func writeNeeds(sb *strings.Builder, connector string, needs []string) {
	for i, dep := range needs {
		prefix := connector + "├─ "
		if i == len(needs)-1 {
			prefix = connector + "└─ "
		}
		fmt.Fprintf(sb, "%s(needs) %s\n", prefix, dep)
	}
}

func templateAttrs(n *model.PlanNode) string {
	var attrs []string
	if n.MaxParallel > 0 {
		attrs = append(attrs, fmt.Sprintf("max-parallel:%d", n.MaxParallel))
	}
	if !n.FailFast {
		attrs = append(attrs, "no-fail-fast")
	}
	if n.RunOnFailure {
		attrs = append(attrs, "run-on-failure")
	}
	if n.Cache == model.CacheNone {
		attrs = append(attrs, "no-cache")
	}
	return strings.Join(attrs, " ")
}

func matrixLabel(n *model.PlanNode) string {
	if len(n.Matrix) == 0 {
		return ""
	}
	keys := make([]string, 0, len(n.Matrix))
	for k := range n.Matrix {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, n.Matrix[k]))
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
