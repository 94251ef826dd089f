package expand

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sourceplane/liteflow/internal/contexts"
	"github.com/sourceplane/liteflow/internal/expr"
	"github.com/sourceplane/liteflow/internal/model"
)

// Instance is one matrix assignment of a task template
type Instance struct {
	ID     string
	Keys   []string
	Values map[string]any
}

// Get returns the value assigned to key
func (in Instance) Get(key string) (any, bool) {
	v, ok := in.Values[key]
	return v, ok
}

// Expander evaluates task matrices against the flow context
type Expander struct {
	resolver *contexts.Resolver
}

// NewExpander creates a new expander evaluating matrix values with r
func NewExpander(r *contexts.Resolver) *Expander {
	return &Expander{resolver: r}
}

// Expand produces the instances of a task. A task without a matrix yields a
// single instance whose id is the task id.
func (e *Expander) Expand(task *model.Task) ([]Instance, error) {
	if task.Strategy == nil || task.Strategy.Matrix == nil || len(task.Strategy.Matrix.Axes) == 0 {
		return []Instance{{ID: task.ID, Values: map[string]any{}}}, nil
	}
	m := task.Strategy.Matrix

	axes := make([]string, 0, len(m.Axes))
	isAxis := make(map[string]bool, len(m.Axes))
	values := make([][]any, 0, len(m.Axes))
	for _, axis := range m.Axes {
		vals, err := e.axisValues(axis)
		if err != nil {
			return nil, fmt.Errorf("task %s: matrix axis %s: %w", task.ID, axis.Name, err)
		}
		axes = append(axes, axis.Name)
		isAxis[axis.Name] = true
		values = append(values, vals)
	}

	// Cartesian product in axis order, first axis varying slowest
	combos := []combo{{keys: nil, values: map[string]any{}}}
	for i, name := range axes {
		next := make([]combo, 0, len(combos)*len(values[i]))
		for _, c := range combos {
			for _, v := range values[i] {
				next = append(next, c.with(name, v))
			}
		}
		combos = next
	}

	// Excludes first
	for _, exclude := range m.Exclude {
		ex, err := e.evalCombination(exclude)
		if err != nil {
			return nil, fmt.Errorf("task %s: matrix exclude: %w", task.ID, err)
		}
		kept := combos[:0]
		for _, c := range combos {
			if !ex.matches(c, ex.keys) {
				kept = append(kept, c)
			}
		}
		combos = kept
	}

	// Includes extend matching combinations or are appended
	for _, include := range m.Include {
		in, err := e.evalCombination(include)
		if err != nil {
			return nil, fmt.Errorf("task %s: matrix include: %w", task.ID, err)
		}
		var axisKeys, extraKeys []string
		for _, k := range in.keys {
			if isAxis[k] {
				axisKeys = append(axisKeys, k)
			} else {
				extraKeys = append(extraKeys, k)
			}
		}

		matched := false
		for i := range combos {
			if !in.matches(combos[i], axisKeys) {
				continue
			}
			matched = true
			for _, k := range extraKeys {
				combos[i] = combos[i].with(k, in.values[k])
			}
		}
		if !matched {
			combos = append(combos, in)
		}
	}

	instances := make([]Instance, 0, len(combos))
	for _, c := range combos {
		keys := orderKeys(c.keys, axes, isAxis)
		id, err := nodeID(task.ID, keys, c.values)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", task.ID, err)
		}
		instances = append(instances, Instance{ID: id, Keys: keys, Values: c.values})
	}
	return instances, nil
}

func (e *Expander) axisValues(axis model.Axis) ([]any, error) {
	if axis.Expr != nil {
		v, err := e.resolver.Materialize(axis.Expr.Template())
		if err != nil {
			return nil, err
		}
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("expression %q evaluated to %s, expected a list", axis.Expr.Source(), expr.TypeName(v))
		}
		return list, nil
	}
	out := make([]any, 0, len(axis.Values))
	for _, item := range axis.Values {
		v, err := e.resolver.Materialize(item.Template())
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *Expander) evalCombination(c model.Combination) (combo, error) {
	out := combo{values: make(map[string]any, len(c.Keys))}
	for _, k := range c.Keys {
		v, err := e.resolver.Materialize(c.Values[k].Template())
		if err != nil {
			return combo{}, err
		}
		out = out.with(k, v)
	}
	return out, nil
}

type combo struct {
	keys   []string
	values map[string]any
}

// with returns a copy of c with key set to v
func (c combo) with(key string, v any) combo {
	values := make(map[string]any, len(c.values)+1)
	for k, val := range c.values {
		values[k] = val
	}
	keys := c.keys
	if _, exists := values[key]; !exists {
		keys = append(append([]string(nil), c.keys...), key)
	}
	values[key] = v
	return combo{keys: keys, values: values}
}

// matches reports whether other carries the same values as c for every key in keys
// Values of different kinds never match.
func (c combo) matches(other combo, keys []string) bool {
	for _, k := range keys {
		v, ok := other.values[k]
		if !ok {
			return false
		}
		if eq, err := expr.Equal(c.values[k], v); err != nil || !eq {
			return false
		}
	}
	return true
}

// orderKeys puts axis keys first in axis order, then the remaining keys sorted
func orderKeys(keys, axes []string, isAxis map[string]bool) []string {
	present := make(map[string]bool, len(keys))
	var extra []string
	for _, k := range keys {
		present[k] = true
		if !isAxis[k] {
			extra = append(extra, k)
		}
	}
	out := make([]string, 0, len(keys))
	for _, a := range axes {
		if present[a] {
			out = append(out, a)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

func nodeID(templateID string, keys []string, values map[string]any) (string, error) {
	parts := []string{templateID}
	for _, k := range keys {
		s, err := expr.Stringify(values[k])
		if err != nil {
			return "", err
		}
		parts = append(parts, Sanitize(s))
	}
	return strings.Join(parts, "-"), nil
}

// Sanitize lowercases s and replaces every run of characters outside [a-z0-9] with a dash.
// Leading and trailing dashes are dropped; an empty result becomes "none".
func Sanitize(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
			continue
		}
		dash = true
	}
	if b.Len() == 0 {
		return "none"
	}
	return b.String()
}
