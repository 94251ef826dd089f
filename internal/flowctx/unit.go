package flowctx

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/sourceplane/liteflow/internal/contexts"
	"github.com/sourceplane/liteflow/internal/expr"
	"github.com/sourceplane/liteflow/internal/model"
)

// Layer redefines env and tags on r so that they include the unit's own entries
func (s *Scope) Layer(r *contexts.Resolver, unit *model.ExecUnit, systemTags ...string) {
	tags := append(append([]string(nil), s.Tags...), systemTags...)
	r.Define("env", contexts.EnvContext(model.TemplateMap(s.Defaults.Env), model.TemplateMap(unit.Env)))
	r.Define("tags", contexts.TagsContext(tags, model.Templates(s.Defaults.Tags), model.Templates(unit.Tags)))
}

// Resolve evaluates every attribute of unit. Attributes the unit leaves out
// fall back to the flow defaults.
func (s *Scope) Resolve(r *contexts.Resolver, id string, unit *model.ExecUnit) (*model.JobSpec, error) {
	d := s.Defaults
	spec := &model.JobSpec{ID: id}

	strs := []struct {
		field string
		e     *model.Expr
		dst   *string
	}{
		{"title", unit.Title, &spec.Title},
		{"name", unit.Name, &spec.Name},
		{"image", unit.Image, &spec.Image},
		{"preset", first(unit.Preset, d.Preset), &spec.Preset},
		{"entrypoint", unit.Entrypoint, &spec.Entrypoint},
		{"cmd", unit.Cmd, &spec.Cmd},
		{"workdir", first(unit.Workdir, d.Workdir), &spec.Workdir},
	}
	for _, f := range strs {
		v, err := r.EvalString(f.e.Template())
		if err != nil {
			return nil, fieldErr(id, f.field, err)
		}
		*f.dst = v
	}
	if spec.Image == "" {
		return nil, fmt.Errorf("%s: image must not be empty", id)
	}

	env, err := r.Lookup("env")
	if err != nil {
		return nil, fieldErr(id, "env", err)
	}
	if spec.Env, err = stringMap(env); err != nil {
		return nil, fieldErr(id, "env", err)
	}

	for _, v := range unit.Volumes {
		ref, err := r.EvalString(v.Template())
		if err != nil {
			return nil, fieldErr(id, "volumes", err)
		}
		if ref != "" {
			spec.Volumes = append(spec.Volumes, ref)
		}
	}

	tags, err := r.Lookup("tags")
	if err != nil {
		return nil, fieldErr(id, "tags", err)
	}
	if spec.Tags, err = stringList(tags); err != nil {
		return nil, fieldErr(id, "tags", err)
	}

	lifeSpan, err := r.Eval(first(unit.LifeSpan, d.LifeSpan).Template())
	if err != nil {
		return nil, fieldErr(id, "life-span", err)
	}
	if spec.LifeSpan, err = model.ParseLifeSpan(lifeSpan); err != nil {
		return nil, fieldErr(id, "life-span", err)
	}

	port, err := r.Eval(unit.HTTPPort.Template())
	if err != nil {
		return nil, fieldErr(id, "http-port", err)
	}
	if spec.HTTPPort, err = toInt(port); err != nil {
		return nil, fieldErr(id, "http-port", err)
	}
	auth, err := r.Eval(unit.HTTPAuth.Template())
	if err != nil {
		return nil, fieldErr(id, "http-auth", err)
	}
	spec.HTTPAuth = expr.Truthy(auth)
	return spec, nil
}

// Bool evaluates an optional flag
func Bool(r *contexts.Resolver, e *model.Expr) (bool, error) {
	v, err := r.Eval(e.Template())
	if err != nil {
		return false, err
	}
	return expr.Truthy(v), nil
}

// Strings evaluates a list of templates, dropping empty results
func Strings(r *contexts.Resolver, list []*model.Expr) ([]string, error) {
	var out []string
	for _, e := range list {
		s, err := r.EvalString(e.Template())
		if err != nil {
			return nil, err
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func first(exprs ...*model.Expr) *model.Expr {
	for _, e := range exprs {
		if e != nil {
			return e
		}
	}
	return nil
}

func fieldErr(id, field string, err error) error {
	return fmt.Errorf("failed to resolve %s.%s: %w", id, field, err)
}

func stringMap(v any) (map[string]string, error) {
	plain, err := expr.Materialize(v)
	if err != nil {
		return nil, err
	}
	m, ok := plain.(map[string]any)
	if !ok {
		return nil, expr.Errorf(expr.ErrTypeMismatch, "expected a mapping, got %s", expr.TypeName(plain))
	}
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, item := range m {
		if out[k], err = expr.Stringify(item); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func stringList(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, expr.Errorf(expr.ErrTypeMismatch, "expected a list, got %s", expr.TypeName(v))
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, err := expr.Stringify(item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func toInt(v any) (int, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return int(x), nil
	case float64:
		if x != float64(int(x)) {
			return 0, expr.Errorf(expr.ErrTypeMismatch, "%v is not an integer", x)
		}
		return int(x), nil
	case string:
		if x == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(x)
		if err != nil {
			return 0, expr.Errorf(expr.ErrTypeMismatch, "%q is not an integer", x)
		}
		return n, nil
	}
	return 0, expr.Errorf(expr.ErrTypeMismatch, "expected an integer, got %s", expr.TypeName(v))
}
