package expand

import (
	"sort"

	"github.com/sourceplane/liteflow/internal/model"
)

// Analysis is what a task's expressions reveal about it
type Analysis struct {
	// NeedsRefs are the ids referenced as needs.<id>, sorted
	NeedsRefs []string
	// Contexts are the top-level context names referenced, sorted
	Contexts []string
	// RunOnFailure is set when enable calls always(), failure() or cancelled()
	RunOnFailure bool
}

// statusFuncs opt a task into running after upstream failures
var statusFuncs = map[string]bool{"always": true, "failure": true, "cancelled": true}

// Analyze walks every expression of task
func Analyze(task *model.Task) Analysis {
	needs := make(map[string]bool)
	roots := make(map[string]bool)
	for _, e := range task.Exprs() {
		t := e.Template()
		if t == nil {
			continue
		}
		for _, ref := range t.References() {
			roots[ref[0]] = true
			if ref[0] == "needs" && len(ref) > 1 {
				needs[ref[1]] = true
			}
		}
	}

	var a Analysis
	if t := task.Enable.Template(); t != nil {
		for _, fn := range t.Calls() {
			if statusFuncs[fn] {
				a.RunOnFailure = true
			}
		}
	}
	a.NeedsRefs = sortedSet(needs)
	a.Contexts = sortedSet(roots)
	return a
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
