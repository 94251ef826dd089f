package expr

import "strings"

// Template is a parsed workflow string: literal text with embedded
// ${{ ... }} expressions. A Template is immutable and safe for concurrent use.
type Template struct {
	src  string
	root *Node
}

// Parse parses src without position information.
func Parse(src string) (*Template, error) {
	return ParseAt(src, Pos{})
}

// ParseAt parses src whose first byte is located at pos.
func ParseAt(src string, pos Pos) (*Template, error) {
	if pos.Line > 0 && pos.Column == 0 {
		pos.Column = 1
	}
	tokens, err := tokenize(src, pos)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, base: pos, tokens: tokens}
	root, err := p.parseTemplate()
	if err != nil {
		return nil, err
	}
	return &Template{src: src, root: root}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(src string) *Template {
	t, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return t
}

// Literal returns a template that evaluates to v.
func Literal(v any) *Template {
	v = Normalize(v)
	src, _ := Stringify(v)
	return &Template{src: src, root: &Node{Kind: KindLiteral, Value: v}}
}

// Source returns the original text.
func (t *Template) Source() string { return t.src }

// Pos returns the location of the template start.
func (t *Template) Pos() Pos { return t.root.Pos }

// IsLiteral reports whether t contains no expressions.
func (t *Template) IsLiteral() bool { return t.root.Kind == KindLiteral }

// HasExpr reports whether src contains an expression marker.
func HasExpr(src string) bool { return strings.Contains(src, "${{") }

// Eval evaluates t against root with the builtin function registry.
func (t *Template) Eval(root Root) (any, error) {
	return t.EvalWith(root, Builtins())
}

// EvalWith evaluates t against root with funcs.
func (t *Template) EvalWith(root Root, funcs *Registry) (any, error) {
	ev := &evaluator{root: root, funcs: funcs}
	return ev.eval(t.root)
}

// EvalString evaluates t and stringifies the result.
func (t *Template) EvalString(root Root) (string, error) {
	v, err := t.Eval(root)
	if err != nil {
		return "", err
	}
	return Stringify(v)
}

func (t *Template) String() string { return t.src }
