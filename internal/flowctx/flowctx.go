// Package flowctx assembles the contexts a flow's expressions are evaluated in
// and resolves execution units into job specs.
package flowctx

import (
	"context"
	"sort"
	"sync"

	"github.com/sourceplane/liteflow/internal/contexts"
	"github.com/sourceplane/liteflow/internal/expr"
	"github.com/sourceplane/liteflow/internal/git"
	"github.com/sourceplane/liteflow/internal/model"
)

// Inputs are the invocation-wide facts every flow context is built from
type Inputs struct {
	Workspace string
	Project   model.Project
	VCS       contexts.VCS
	// Params holds caller supplied parameter values
	Params map[string]string
}

// Scope holds the flow-level contexts. Properties are stateless, so one Scope
// seeds any number of resolvers, each with its own memo.
type Scope struct {
	FlowID   string
	Defaults *model.Defaults
	Tags     []string

	roots []root
}

type root struct {
	name string
	prop *contexts.Property
}

// Resolver returns a fresh resolver over the flow contexts
func (s *Scope) Resolver() *contexts.Resolver {
	r := contexts.New()
	for _, rt := range s.roots {
		r.Define(rt.name, rt.prop)
	}
	return r
}

func (s *Scope) define(name string, p *contexts.Property) {
	for i, rt := range s.roots {
		if rt.name == name {
			s.roots[i].prop = p
			return
		}
	}
	s.roots = append(s.roots, root{name: name, prop: p})
}

// ForBatch builds the contexts of a batch flow
func ForBatch(ctx context.Context, flow *model.BatchFlow, in Inputs) (*Scope, error) {
	s := newScope(ctx, flow.ID, flow.Title, flow.Images, flow.Volumes, flow.Defaults, in)
	params, err := contexts.ParamsContext(DeclaredParams(flow.Params), in.Params)
	if err != nil {
		return nil, err
	}
	s.define("params", params)
	return s, nil
}

// ForLive builds the contexts of a live flow. Params are per job and set by
// the live runner.
func ForLive(ctx context.Context, flow *model.LiveFlow, in Inputs) *Scope {
	return newScope(ctx, flow.ID, flow.Title, flow.Images, flow.Volumes, flow.Defaults, in)
}

func newScope(ctx context.Context, flowID string, title *model.Expr, images map[string]*model.Image,
	volumes map[string]*model.Volume, defaults *model.Defaults, in Inputs) *Scope {
	if defaults == nil {
		defaults = &model.Defaults{}
	}
	s := &Scope{
		FlowID:   flowID,
		Defaults: defaults,
		Tags:     []string{"project:" + in.Project.ID, "flow:" + flowID},
	}

	titleText := ""
	if t := title.Template(); t != nil && t.IsLiteral() {
		v, _ := t.Eval(nil)
		titleText, _ = expr.Stringify(v)
	}
	s.define("flow", contexts.FlowContext(contexts.Flow{
		ID:        flowID,
		ProjectID: in.Project.ID,
		Workspace: in.Workspace,
		Title:     titleText,
	}))
	s.define("project", contexts.ProjectContext(contexts.Project{
		ID:    in.Project.ID,
		Owner: in.Project.Owner,
		Role:  in.Project.Role,
	}))
	s.define("env", contexts.EnvContext(model.TemplateMap(defaults.Env)))
	s.define("tags", contexts.TagsContext(s.Tags, model.Templates(defaults.Tags)))
	s.define("images", contexts.ImagesContext(in.Workspace, convertImages(images)))
	s.define("volumes", contexts.VolumesContext(in.Workspace, convertVolumes(volumes)))
	s.define("params", contexts.Value(map[string]any{}))
	s.define("git", contexts.GitContext(ctx, Shared(in.VCS)))
	s.define("multi", contexts.NoMulti())
	return s
}

// DeclaredParams converts parameter declarations, sorted by name
func DeclaredParams(params map[string]*model.Param) []contexts.Param {
	out := make([]contexts.Param, 0, len(params))
	for _, name := range sortedKeys(params) {
		p := params[name]
		out = append(out, contexts.Param{Name: name, Default: p.Default.Template(), Descr: p.Descr})
	}
	return out
}

func convertImages(images map[string]*model.Image) []contexts.Image {
	out := make([]contexts.Image, 0, len(images))
	for _, id := range sortedKeys(images) {
		img := images[id]
		out = append(out, contexts.Image{
			ID:           id,
			Ref:          img.Ref.Template(),
			Context:      img.Context.Template(),
			Dockerfile:   img.Dockerfile.Template(),
			BuildArgs:    model.Templates(img.BuildArgs),
			Env:          model.TemplateMap(img.Env),
			Volumes:      model.Templates(img.Volumes),
			BuildPreset:  img.BuildPreset.Template(),
			ForceRebuild: img.ForceRebuild.Template(),
		})
	}
	return out
}

func convertVolumes(volumes map[string]*model.Volume) []contexts.Volume {
	out := make([]contexts.Volume, 0, len(volumes))
	for _, id := range sortedKeys(volumes) {
		v := volumes[id]
		out = append(out, contexts.Volume{
			ID:       id,
			Remote:   v.Remote.Template(),
			Mount:    v.Mount.Template(),
			Local:    v.Local.Template(),
			ReadOnly: v.ReadOnly.Template(),
		})
	}
	return out
}

// Shared wraps vcs so that every resolver of an invocation sees one answer
// and the repository is queried at most once
func Shared(vcs contexts.VCS) contexts.VCS {
	if vcs == nil {
		return nil
	}
	if s, ok := vcs.(*sharedVCS); ok {
		return s
	}
	return &sharedVCS{vcs: vcs}
}

type sharedVCS struct {
	vcs  contexts.VCS
	once sync.Once
	info *git.Info
	err  error
}

func (s *sharedVCS) Info(ctx context.Context) (*git.Info, error) {
	s.once.Do(func() { s.info, s.err = s.vcs.Info(ctx) })
	return s.info, s.err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
