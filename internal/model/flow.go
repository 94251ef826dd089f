package model

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/sourceplane/liteflow/internal/expr"
)

// Flow kinds
const (
	KindLive  = "live"
	KindBatch = "batch"
)

// Cache strategies
const (
	CacheNone    = "none"
	CacheInherit = "inherit"
	CacheDefault = "default"
)

// Project is the project.yml document
type Project struct {
	ID    string `yaml:"id" json:"id"`
	Owner string `yaml:"owner,omitempty" json:"owner,omitempty"`
	Role  string `yaml:"role,omitempty" json:"role,omitempty"`
}

// Volume declares a storage volume mounted into jobs
type Volume struct {
	Remote   *Expr `yaml:"remote"`
	Mount    *Expr `yaml:"mount"`
	Local    *Expr `yaml:"local,omitempty"`
	ReadOnly *Expr `yaml:"read-only,omitempty"`
}

// Image declares a container image and how it is built
type Image struct {
	Ref          *Expr            `yaml:"ref"`
	Context      *Expr            `yaml:"context,omitempty"`
	Dockerfile   *Expr            `yaml:"dockerfile,omitempty"`
	BuildArgs    []*Expr          `yaml:"build-args,omitempty"`
	Env          map[string]*Expr `yaml:"env,omitempty"`
	Volumes      []*Expr          `yaml:"volumes,omitempty"`
	BuildPreset  *Expr            `yaml:"build-preset,omitempty"`
	ForceRebuild *Expr            `yaml:"force-rebuild,omitempty"`
}

// Param declares a flow or job parameter. A bare scalar is shorthand for its default.
type Param struct {
	Default *Expr  `yaml:"default"`
	Descr   string `yaml:"descr,omitempty"`
}

// UnmarshalYAML accepts both the mapping and the scalar form
func (p *Param) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		p.Default = &Expr{}
		return p.Default.UnmarshalYAML(node)
	}
	type plain Param
	return node.Decode((*plain)(p))
}

// Cache is the cache policy of a task
type Cache struct {
	Strategy string `yaml:"strategy,omitempty"`
	LifeSpan *Expr  `yaml:"life-span,omitempty"`
}

// Defaults are flow-wide defaults for jobs and tasks
type Defaults struct {
	Tags        []*Expr          `yaml:"tags,omitempty"`
	Env         map[string]*Expr `yaml:"env,omitempty"`
	Workdir     *Expr            `yaml:"workdir,omitempty"`
	LifeSpan    *Expr            `yaml:"life-span,omitempty"`
	Preset      *Expr            `yaml:"preset,omitempty"`
	MaxParallel *Expr            `yaml:"max-parallel,omitempty"`
	FailFast    *Expr            `yaml:"fail-fast,omitempty"`
	Cache       *Cache           `yaml:"cache,omitempty"`
}

// ExecUnit holds the attributes shared by live jobs and batch tasks
type ExecUnit struct {
	Title      *Expr            `yaml:"title,omitempty"`
	Name       *Expr            `yaml:"name,omitempty"`
	Image      *Expr            `yaml:"image"`
	Preset     *Expr            `yaml:"preset,omitempty"`
	Entrypoint *Expr            `yaml:"entrypoint,omitempty"`
	Cmd        *Expr            `yaml:"cmd,omitempty"`
	Workdir    *Expr            `yaml:"workdir,omitempty"`
	Env        map[string]*Expr `yaml:"env,omitempty"`
	Volumes    []*Expr          `yaml:"volumes,omitempty"`
	Tags       []*Expr          `yaml:"tags,omitempty"`
	LifeSpan   *Expr            `yaml:"life-span,omitempty"`
	HTTPPort   *Expr            `yaml:"http-port,omitempty"`
	HTTPAuth   *Expr            `yaml:"http-auth,omitempty"`
}

// Job is an interactive job of a live flow
type Job struct {
	ExecUnit    `yaml:",inline"`
	Detach      *Expr             `yaml:"detach,omitempty"`
	Browse      *Expr             `yaml:"browse,omitempty"`
	PortForward []*Expr           `yaml:"port-forward,omitempty"`
	Multi       bool              `yaml:"multi,omitempty"`
	Params      map[string]*Param `yaml:"params,omitempty"`
}

// Task is a node template of a batch flow
type Task struct {
	ID       string    `yaml:"id"`
	ExecUnit `yaml:",inline"`
	Needs    []string  `yaml:"needs,omitempty"`
	Enable   *Expr     `yaml:"enable,omitempty"`
	Strategy *Strategy `yaml:"strategy,omitempty"`
	Cache    *Cache    `yaml:"cache,omitempty"`
	Outputs  []string  `yaml:"outputs,omitempty"`

	Pos expr.Pos `yaml:"-" json:"-"`
}

// UnmarshalYAML decodes the task and records where it was declared
func (t *Task) UnmarshalYAML(node *yaml.Node) error {
	type plain Task
	if err := node.Decode((*plain)(t)); err != nil {
		return err
	}
	t.Pos = expr.Pos{Line: node.Line, Column: node.Column}
	return nil
}

// Strategy configures matrix expansion and failure handling of a task
type Strategy struct {
	Matrix      *Matrix `yaml:"matrix,omitempty"`
	FailFast    *Expr   `yaml:"fail-fast,omitempty"`
	MaxParallel *Expr   `yaml:"max-parallel,omitempty"`
}

// Axis is one matrix dimension. Values is set for a literal list, Expr for
// an expression that evaluates to a list.
type Axis struct {
	Name   string
	Values []*Expr
	Expr   *Expr
}

// Combination is an include or exclude entry, with keys in declaration order
type Combination struct {
	Keys   []string
	Values map[string]*Expr
	Pos    expr.Pos `json:"-"`
}

// UnmarshalYAML decodes a mapping preserving key order
func (c *Combination) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return &expr.ParseError{Pos: expr.Pos{Line: node.Line, Column: node.Column}, Msg: "matrix include/exclude entries must be mappings"}
	}
	c.Pos = expr.Pos{Line: node.Line, Column: node.Column}
	c.Values = make(map[string]*Expr)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		var v Expr
		if err := v.UnmarshalYAML(node.Content[i+1]); err != nil {
			return err
		}
		if _, dup := c.Values[key]; !dup {
			c.Keys = append(c.Keys, key)
		}
		c.Values[key] = &v
	}
	return nil
}

// Matrix is an ordered set of axes with include and exclude refinements
type Matrix struct {
	Axes    []Axis
	Include []Combination
	Exclude []Combination
	Pos     expr.Pos `json:"-"`
}

// UnmarshalYAML decodes the matrix mapping preserving axis order
func (m *Matrix) UnmarshalYAML(node *yaml.Node) error {
	m.Pos = expr.Pos{Line: node.Line, Column: node.Column}
	if node.Kind != yaml.MappingNode {
		return &expr.ParseError{Pos: m.Pos, Msg: "matrix must be a mapping"}
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		switch key := keyNode.Value; key {
		case "include":
			if err := valNode.Decode(&m.Include); err != nil {
				return err
			}
		case "exclude":
			if err := valNode.Decode(&m.Exclude); err != nil {
				return err
			}
		default:
			axis := Axis{Name: key}
			switch valNode.Kind {
			case yaml.SequenceNode:
				for _, item := range valNode.Content {
					var v Expr
					if err := v.UnmarshalYAML(item); err != nil {
						return err
					}
					axis.Values = append(axis.Values, &v)
				}
			case yaml.ScalarNode:
				axis.Expr = &Expr{}
				if err := axis.Expr.UnmarshalYAML(valNode); err != nil {
					return err
				}
			default:
				return &expr.ParseError{
					Pos: expr.Pos{Line: valNode.Line, Column: valNode.Column},
					Msg: fmt.Sprintf("matrix axis %q must be a list", key),
				}
			}
			m.Axes = append(m.Axes, axis)
		}
	}
	return nil
}

// LiveFlow is a flow of interactive jobs
type LiveFlow struct {
	Kind     string             `yaml:"kind"`
	ID       string             `yaml:"id,omitempty"`
	Title    *Expr              `yaml:"title,omitempty"`
	Images   map[string]*Image  `yaml:"images,omitempty"`
	Volumes  map[string]*Volume `yaml:"volumes,omitempty"`
	Defaults *Defaults          `yaml:"defaults,omitempty"`
	Jobs     map[string]*Job    `yaml:"jobs"`

	Path string `yaml:"-" json:"-"`
}

// BatchFlow is a DAG of tasks run together as one bake
type BatchFlow struct {
	Kind     string             `yaml:"kind"`
	ID       string             `yaml:"id,omitempty"`
	Title    *Expr              `yaml:"title,omitempty"`
	Images   map[string]*Image  `yaml:"images,omitempty"`
	Volumes  map[string]*Volume `yaml:"volumes,omitempty"`
	Params   map[string]*Param  `yaml:"params,omitempty"`
	Defaults *Defaults          `yaml:"defaults,omitempty"`
	Tasks    []*Task            `yaml:"tasks"`

	Path string `yaml:"-" json:"-"`
}

// Task returns the task template with the given id
func (f *BatchFlow) Task(id string) (*Task, bool) {
	for _, t := range f.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Exprs returns every workflow value of the task, in a stable order
func (t *Task) Exprs() []*Expr {
	out := []*Expr{
		t.Title, t.Name, t.Image, t.Preset, t.Entrypoint, t.Cmd, t.Workdir,
		t.LifeSpan, t.HTTPPort, t.HTTPAuth, t.Enable,
	}
	for _, k := range sortedKeys(t.Env) {
		out = append(out, t.Env[k])
	}
	out = append(out, t.Volumes...)
	out = append(out, t.Tags...)
	if t.Cache != nil {
		out = append(out, t.Cache.LifeSpan)
	}
	if s := t.Strategy; s != nil {
		out = append(out, s.FailFast, s.MaxParallel)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
