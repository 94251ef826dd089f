package expand

import "sort"

// DependencyResolver maps needs entries to concrete node ids
type DependencyResolver struct {
	expansions map[string][]string
	nodes      map[string]bool
}

// NewDependencyResolver creates a resolver over the expansions of every template
func NewDependencyResolver(expansions map[string][]string) *DependencyResolver {
	nodes := make(map[string]bool)
	for _, ids := range expansions {
		for _, id := range ids {
			nodes[id] = true
		}
	}
	return &DependencyResolver{expansions: expansions, nodes: nodes}
}

// Resolve returns the node ids a needs entry stands for: every expansion of a
// template, or a single concrete node
func (dr *DependencyResolver) Resolve(need string) ([]string, bool) {
	if ids, ok := dr.expansions[need]; ok {
		return append([]string(nil), ids...), true
	}
	if dr.nodes[need] {
		return []string{need}, true
	}
	return nil, false
}

// ResolveAll resolves a needs list into a sorted, de-duplicated id set.
// The first unknown entry is returned when resolution fails.
func (dr *DependencyResolver) ResolveAll(needs []string) (ids []string, byName map[string][]string, unknown string) {
	seen := make(map[string]bool)
	byName = make(map[string][]string, len(needs))
	for _, need := range needs {
		resolved, ok := dr.Resolve(need)
		if !ok {
			return nil, nil, need
		}
		byName[need] = resolved
		for _, id := range resolved {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids, byName, ""
}
