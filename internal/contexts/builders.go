package contexts

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/samber/lo"

	"github.com/sourceplane/liteflow/internal/expr"
	"github.com/sourceplane/liteflow/internal/git"
)

// Flow describes the running flow.
type Flow struct {
	ID        string
	ProjectID string
	Workspace string
	Title     string
}

// FlowContext builds the flow context.
func FlowContext(f Flow) *Property {
	return Object().
		Set("id", Value(f.ID)).
		Set("flow_id", Value(f.ID)).
		Set("project_id", Value(f.ProjectID)).
		Set("workspace", Value(f.Workspace)).
		Set("title", Value(f.Title))
}

// Project describes the project the flow belongs to.
type Project struct {
	ID    string
	Owner string
	Role  string
}

// ProjectContext builds the project context. Empty owner and role resolve to null.
func ProjectContext(p Project) *Property {
	return Object().
		Set("id", Value(p.ID)).
		Set("owner", optional(p.Owner)).
		Set("role", optional(p.Role))
}

func optional(s string) *Property {
	if s == "" {
		return Value(nil)
	}
	return Value(s)
}

// EnvContext layers environment mappings; later layers override earlier ones.
func EnvContext(layers ...map[string]*expr.Template) *Property {
	merged := make(map[string]*expr.Template)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	obj := Object()
	for _, k := range sortedKeys(merged) {
		obj.Set(k, Expr(merged[k]))
	}
	return obj
}

// TagsContext builds the tag set: system tags, then every layer of tag templates.
// Duplicates are removed and the result is sorted.
func TagsContext(system []string, layers ...[]*expr.Template) *Property {
	return Computed(func(r *Resolver) (any, error) {
		tags := append([]string(nil), system...)
		for _, layer := range layers {
			for _, t := range layer {
				s, err := r.EvalString(t)
				if err != nil {
					return nil, err
				}
				if s != "" {
					tags = append(tags, s)
				}
			}
		}
		tags = lo.Uniq(tags)
		sort.Strings(tags)
		return expr.Normalize(tags), nil
	})
}

// Volume is a volume declaration with unevaluated attributes.
type Volume struct {
	ID       string
	Remote   *expr.Template
	Mount    *expr.Template
	Local    *expr.Template
	ReadOnly *expr.Template
}

// VolumesContext builds the volumes context. ref, ref_ro, ref_rw and
// full_local_path are derived from the other attributes of the same volume.
func VolumesContext(workspace string, volumes []Volume) *Property {
	obj := Object()
	for _, v := range volumes {
		id := v.ID
		readOnly := v.ReadOnly
		if readOnly == nil {
			readOnly = expr.Literal(false)
		}
		ref := func(mode string) *Property {
			return Computed(func(r *Resolver) (any, error) {
				remote, err := r.Get("volumes", id, "remote")
				if err != nil {
					return nil, err
				}
				mount, err := r.Get("volumes", id, "mount")
				if err != nil {
					return nil, err
				}
				access := mode
				if access == "" {
					ro, err := r.Get("volumes", id, "read_only")
					if err != nil {
						return nil, err
					}
					access = "rw"
					if expr.Truthy(ro) {
						access = "ro"
					}
				}
				rs, err := expr.Stringify(remote)
				if err != nil {
					return nil, err
				}
				ms, err := expr.Stringify(mount)
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("%s:%s:%s", rs, ms, access), nil
			})
		}
		obj.Set(id, Object().
			Set("id", Value(id)).
			Set("remote", Expr(v.Remote)).
			Set("mount", Expr(v.Mount)).
			Set("read_only", Expr(readOnly)).
			Set("local", Expr(v.Local)).
			Set("full_local_path", Computed(func(r *Resolver) (any, error) {
				local, err := r.Get("volumes", id, "local")
				if err != nil || local == nil {
					return nil, err
				}
				s, err := expr.Stringify(local)
				if err != nil {
					return nil, err
				}
				if filepath.IsAbs(s) {
					return filepath.Clean(s), nil
				}
				return filepath.Join(workspace, s), nil
			})).
			Set("ref", ref("")).
			Set("ref_ro", ref("ro")).
			Set("ref_rw", ref("rw")))
	}
	return obj
}

// Image is an image declaration surfaced read-only to expressions.
type Image struct {
	ID           string
	Ref          *expr.Template
	Context      *expr.Template
	Dockerfile   *expr.Template
	BuildArgs    []*expr.Template
	Env          map[string]*expr.Template
	Volumes      []*expr.Template
	BuildPreset  *expr.Template
	ForceRebuild *expr.Template
}

// ImagesContext builds the images context. Paths are resolved against workspace.
func ImagesContext(workspace string, images []Image) *Property {
	obj := Object()
	for _, img := range images {
		id := img.ID
		force := img.ForceRebuild
		if force == nil {
			force = expr.Literal(false)
		}
		path := func(attr string, t *expr.Template) *Property {
			return Computed(func(r *Resolver) (any, error) {
				if t == nil {
					if attr != "dockerfile" {
						return nil, nil
					}
					dir, err := r.Get("images", id, "context")
					if err != nil || dir == nil {
						return nil, err
					}
					s, _ := dir.(string)
					return filepath.Join(s, "Dockerfile"), nil
				}
				s, err := r.EvalString(t)
				if err != nil {
					return nil, err
				}
				if filepath.IsAbs(s) {
					return filepath.Clean(s), nil
				}
				return filepath.Join(workspace, s), nil
			})
		}
		obj.Set(id, Object().
			Set("id", Value(id)).
			Set("ref", Expr(img.Ref)).
			Set("context", path("context", img.Context)).
			Set("dockerfile", path("dockerfile", img.Dockerfile)).
			Set("dockerfile_rel", Computed(func(r *Resolver) (any, error) {
				dir, err := r.Get("images", id, "context")
				if err != nil || dir == nil {
					return nil, err
				}
				file, err := r.Get("images", id, "dockerfile")
				if err != nil || file == nil {
					return nil, err
				}
				ds, _ := dir.(string)
				fs, _ := file.(string)
				rel, err := filepath.Rel(ds, fs)
				if err != nil {
					return nil, expr.Errorf(expr.ErrInvalidArguments, "images.%s.dockerfile: %v", id, err)
				}
				return filepath.ToSlash(rel), nil
			})).
			Set("build_args", List(img.BuildArgs)).
			Set("env", EnvContext(img.Env)).
			Set("volumes", List(img.Volumes)).
			Set("build_preset", Expr(img.BuildPreset)).
			Set("force_rebuild", Expr(force)))
	}
	return obj
}

// List returns a property evaluating every template, in order.
func List(items []*expr.Template) *Property {
	return Computed(func(r *Resolver) (any, error) {
		out := make([]any, 0, len(items))
		for _, t := range items {
			v, err := r.Eval(t)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	})
}

// Param is a declared parameter.
type Param struct {
	Name    string
	Default *expr.Template
	Descr   string
}

// ParamsContext builds the params context from declarations and caller supplied values.
// Supplying an undeclared parameter fails with expr.ErrUnknownParameter; so does
// referencing one.
func ParamsContext(declared []Param, supplied map[string]string) (*Property, error) {
	known := make(map[string]bool, len(declared))
	obj := Object().Strict(expr.ErrUnknownParameter)
	for _, p := range declared {
		known[p.Name] = true
		if v, ok := supplied[p.Name]; ok {
			obj.Set(p.Name, Value(v))
			continue
		}
		obj.Set(p.Name, Expr(p.Default))
	}
	for _, name := range sortedKeys(supplied) {
		if !known[name] {
			return nil, &expr.EvalError{
				Kind:    expr.ErrUnknownParameter,
				Path:    "params." + name,
				Segment: name,
			}
		}
	}
	return obj, nil
}

// VCS reports version-control state for the git context.
type VCS interface {
	Info(ctx context.Context) (*git.Info, error)
}

// GitContext resolves the git context through vcs on first access. Outside a
// repository every access fails with expr.ErrContextUnavailable.
func GitContext(ctx context.Context, vcs VCS) *Property {
	if vcs == nil {
		return Unavailable("no version control information")
	}
	return Computed(func(*Resolver) (any, error) {
		info, err := vcs.Info(ctx)
		if errors.Is(err, git.ErrNotRepository) {
			return nil, &expr.EvalError{Kind: expr.ErrContextUnavailable, Path: "git", Msg: "git: workspace is not inside a git repository"}
		}
		if err != nil {
			return nil, &expr.EvalError{Kind: expr.ErrContextUnavailable, Path: "git", Msg: "git: " + err.Error()}
		}
		return map[string]any{
			"sha":    info.Sha,
			"branch": info.Branch,
			"tags":   expr.Normalize(info.Tags),
		}, nil
	})
}

// MultiContext builds the multi context of a multi-job run.
func MultiContext(suffix string, args []string) *Property {
	return Object().
		Set("suffix", Value(suffix)).
		Set("args", Value(args))
}

// NoMulti is the multi context outside a multi-job.
func NoMulti() *Property {
	return Unavailable("multi context is only available inside a multi-job")
}

// Dependency is the observed outcome of an upstream node.
type Dependency struct {
	ID      string
	Result  string
	Outputs map[string]string
}

// NeedsContext builds the needs context of a batch node.
func NeedsContext(deps []Dependency) *Property {
	obj := Object()
	for _, d := range deps {
		outputs := Object()
		for _, k := range sortedKeys(d.Outputs) {
			outputs.Set(k, Value(d.Outputs[k]))
		}
		obj.Set(d.ID, Object().
			Set("result", Value(d.Result)).
			Set("outputs", outputs))
	}
	return obj
}

// MatrixContext builds the matrix context from an ordered assignment.
func MatrixContext(keys []string, values map[string]any) *Property {
	obj := Object()
	for _, k := range keys {
		obj.Set(k, Value(values[k]))
	}
	return obj
}

// StrategyContext exposes the effective strategy of a node.
func StrategyContext(maxParallel int, failFast bool) *Property {
	return Object().
		Set("max_parallel", Value(maxParallel)).
		Set("fail_fast", Value(failFast))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
