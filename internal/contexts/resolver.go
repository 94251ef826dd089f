// Package contexts builds the lazily resolved context tree that workflow
// expressions read from.
//
// Every context is a tree of properties. Leaves are literal values, expression
// templates or computed functions; inner nodes are objects. Template and computed
// leaves are evaluated on first access and memoized by their full dotted path.
// A property that depends on itself, directly or through other properties, fails
// with expr.ErrContextCycle at the point of lookup.
package contexts

import (
	"strings"

	"github.com/sourceplane/liteflow/internal/expr"
)

// Property is a node of a context tree.
type Property struct {
	value       any
	tmpl        *expr.Template
	compute     func(r *Resolver) (any, error)
	fields      map[string]*Property
	keys        []string
	missing     error
	unavailable string
}

// Value returns an eagerly known property.
func Value(v any) *Property { return &Property{value: expr.Normalize(v)} }

// Expr returns a property evaluated from t on first access. A nil template resolves to null.
func Expr(t *expr.Template) *Property {
	if t == nil {
		return Value(nil)
	}
	if t.IsLiteral() {
		v, _ := t.Eval(nil)
		return &Property{value: v}
	}
	return &Property{tmpl: t}
}

// Computed returns a property computed by fn on first access.
func Computed(fn func(r *Resolver) (any, error)) *Property { return &Property{compute: fn} }

// Object returns an empty object property.
func Object() *Property { return &Property{fields: make(map[string]*Property)} }

// Unavailable returns a context that fails every access with expr.ErrContextUnavailable.
func Unavailable(reason string) *Property { return &Property{unavailable: reason} }

// Set adds or replaces a member of an object property, keeping first insertion order.
func (p *Property) Set(key string, child *Property) *Property {
	if _, ok := p.fields[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.fields[key] = child
	return p
}

// Field returns a member of an object property.
func (p *Property) Field(key string) (*Property, bool) {
	child, ok := p.fields[key]
	return child, ok
}

// Strict makes lookups of undeclared members fail with kind instead of
// expr.ErrAttributeNotFound.
func (p *Property) Strict(kind error) *Property {
	p.missing = kind
	return p
}

// Resolver evaluates expressions against a set of named contexts.
// A Resolver is not safe for concurrent use.
type Resolver struct {
	roots    *Property
	funcs    *expr.Registry
	memo     map[string]any
	visiting map[string]bool
	stack    []string
}

// New returns a Resolver without contexts.
func New() *Resolver {
	return &Resolver{
		roots:    Object(),
		funcs:    expr.Builtins(),
		memo:     make(map[string]any),
		visiting: make(map[string]bool),
	}
}

// WithFuncs replaces the function registry.
func (r *Resolver) WithFuncs(funcs *expr.Registry) *Resolver {
	r.funcs = funcs
	return r
}

// Define registers a top-level context, replacing any previous definition.
func (r *Resolver) Define(name string, p *Property) {
	r.roots.Set(name, p)
	prefix := name + "."
	for k := range r.memo {
		if k == name || strings.HasPrefix(k, prefix) {
			delete(r.memo, k)
		}
	}
}

// Has reports whether a context is defined.
func (r *Resolver) Has(name string) bool {
	_, ok := r.roots.fields[name]
	return ok
}

// Names returns the defined context names.
func (r *Resolver) Names() []string {
	return append([]string(nil), r.roots.keys...)
}

// Lookup implements expr.Root.
func (r *Resolver) Lookup(name string) (any, error) {
	p, ok := r.roots.fields[name]
	if !ok {
		return nil, expr.NotFound(name, name)
	}
	return r.resolve(p, name)
}

// Get resolves path inside the named context.
func (r *Resolver) Get(name string, path ...string) (any, error) {
	v, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	full := name
	for _, seg := range path {
		full += "." + seg
		var ok bool
		switch x := v.(type) {
		case expr.Mapping:
			v, ok, err = x.Get(seg)
		case map[string]any:
			v, ok = x[seg]
		default:
			return nil, expr.Errorf(expr.ErrTypeMismatch, "cannot access %q on %s (%s)", seg, expr.TypeName(v), full)
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, expr.NotFound(full, seg)
		}
	}
	return v, nil
}

// Eval evaluates t against the contexts of r.
func (r *Resolver) Eval(t *expr.Template) (any, error) {
	if t == nil {
		return nil, nil
	}
	return t.EvalWith(r, r.funcs)
}

// EvalString evaluates t and stringifies the result. A nil template yields "".
func (r *Resolver) EvalString(t *expr.Template) (string, error) {
	v, err := r.Eval(t)
	if err != nil {
		return "", err
	}
	return expr.Stringify(v)
}

// Materialize evaluates t and resolves every nested lazy object into plain values.
func (r *Resolver) Materialize(t *expr.Template) (any, error) {
	v, err := r.Eval(t)
	if err != nil {
		return nil, err
	}
	return expr.Materialize(v)
}

func (r *Resolver) resolve(p *Property, path string) (any, error) {
	switch {
	case p.unavailable != "":
		return nil, &expr.EvalError{Kind: expr.ErrContextUnavailable, Path: path, Msg: path + ": " + p.unavailable}
	case p.fields != nil:
		return &object{r: r, p: p, path: path}, nil
	case p.tmpl == nil && p.compute == nil:
		return p.value, nil
	}

	if v, ok := r.memo[path]; ok {
		return v, nil
	}
	if r.visiting[path] {
		return nil, r.cycleError(path)
	}
	r.visiting[path] = true
	r.stack = append(r.stack, path)
	defer func() {
		delete(r.visiting, path)
		r.stack = r.stack[:len(r.stack)-1]
	}()

	var (
		v   any
		err error
	)
	if p.tmpl != nil {
		v, err = p.tmpl.EvalWith(r, r.funcs)
	} else {
		v, err = p.compute(r)
	}
	if err != nil {
		return nil, err
	}
	v = expr.Normalize(v)
	r.memo[path] = v
	return v, nil
}

func (r *Resolver) cycleError(path string) error {
	start := 0
	for i, s := range r.stack {
		if s == path {
			start = i
			break
		}
	}
	cycle := append(append([]string(nil), r.stack[start:]...), path)
	return &expr.EvalError{
		Kind: expr.ErrContextCycle,
		Path: path,
		Msg:  strings.Join(cycle, " -> "),
	}
}

// object exposes an object property to the evaluator.
type object struct {
	r    *Resolver
	p    *Property
	path string
}

func (o *object) Keys() []string { return append([]string(nil), o.p.keys...) }

func (o *object) Get(key string) (any, bool, error) {
	child, ok := o.p.fields[key]
	full := o.path + "." + key
	if !ok {
		if o.p.missing != nil {
			return nil, false, &expr.EvalError{Kind: o.p.missing, Path: full, Segment: key}
		}
		return nil, false, nil
	}
	v, err := o.r.resolve(child, full)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}
