package model

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/sourceplane/liteflow/internal/expr"
)

// Expr is a scalar workflow value that may embed ${{ }} expressions
type Expr struct {
	tmpl *expr.Template
	Pos  expr.Pos
}

// NewExpr parses src as a workflow value
func NewExpr(src string) (*Expr, error) {
	t, err := expr.Parse(src)
	if err != nil {
		return nil, err
	}
	return &Expr{tmpl: t}, nil
}

// LiteralExpr wraps a constant value
func LiteralExpr(v any) *Expr {
	return &Expr{tmpl: expr.Literal(v)}
}

// UnmarshalYAML parses the scalar at node, keeping its source position
func (e *Expr) UnmarshalYAML(node *yaml.Node) error {
	pos := expr.Pos{Line: node.Line, Column: node.Column}
	if node.Kind != yaml.ScalarNode {
		return &expr.ParseError{Pos: pos, Msg: "expected a scalar value"}
	}
	e.Pos = pos

	if node.ShortTag() != "!!str" {
		var v any
		if err := node.Decode(&v); err != nil {
			return &expr.ParseError{Pos: pos, Msg: err.Error()}
		}
		e.tmpl = expr.Literal(v)
		return nil
	}

	start := pos
	switch node.Style {
	case yaml.DoubleQuotedStyle, yaml.SingleQuotedStyle:
		start.Column++
	case yaml.LiteralStyle, yaml.FoldedStyle:
		start = expr.Pos{Line: node.Line + 1, Column: 1}
	}
	t, err := expr.ParseAt(node.Value, start)
	if err != nil {
		return err
	}
	e.tmpl = t
	return nil
}

// MarshalYAML writes the original source text
func (e *Expr) MarshalYAML() (interface{}, error) {
	if e == nil || e.tmpl == nil {
		return nil, nil
	}
	return e.tmpl.Source(), nil
}

// MarshalJSON writes the original source text
func (e *Expr) MarshalJSON() ([]byte, error) {
	if e == nil || e.tmpl == nil {
		return []byte("null"), nil
	}
	return json.Marshal(e.tmpl.Source())
}

// Template returns the parsed template, nil for a nil Expr
func (e *Expr) Template() *expr.Template {
	if e == nil {
		return nil
	}
	return e.tmpl
}

// Source returns the original text, "" for a nil Expr
func (e *Expr) Source() string {
	if e == nil || e.tmpl == nil {
		return ""
	}
	return e.tmpl.Source()
}

func (e *Expr) String() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s (%s)", e.Source(), e.Pos)
}

// Templates converts a list of workflow values
func Templates(list []*Expr) []*expr.Template {
	out := make([]*expr.Template, 0, len(list))
	for _, e := range list {
		out = append(out, e.Template())
	}
	return out
}

// TemplateMap converts a mapping of workflow values
func TemplateMap(m map[string]*Expr) map[string]*expr.Template {
	out := make(map[string]*expr.Template, len(m))
	for k, e := range m {
		out[k] = e.Template()
	}
	return out
}
