package expr

import (
	"strconv"
	"strings"
)

// Kind tags an AST node.
type Kind uint8

const (
	KindLiteral Kind = iota
	KindLookup       // top-level context name
	KindAttr         // Left.Name
	KindIndex        // Left[Right]
	KindCall         // Name(Args...)
	KindList         // [Args...]
	KindUnary        // Name Left
	KindBinary       // Left Name Right
	KindInterp       // concatenation of Args

	kindCount
)

// Node is one element of a parsed expression.
type Node struct {
	Kind  Kind
	Pos   Pos
	Value any
	Name  string
	Left  *Node
	Right *Node
	Args  []*Node
}

// path renders the access chain of n for error messages.
func (n *Node) path() string {
	switch n.Kind {
	case KindLookup:
		return n.Name
	case KindAttr:
		return n.Left.path() + "." + n.Name
	case KindIndex:
		return n.Left.path() + "[" + n.Right.path() + "]"
	case KindCall:
		return n.Name + "()"
	case KindLiteral:
		if s, ok := n.Value.(string); ok {
			return strconv.Quote(s)
		}
		s, _ := Stringify(n.Value)
		return s
	default:
		return "<expr>"
	}
}

// walk visits n and its children depth first.
func (n *Node) walk(fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	n.Left.walk(fn)
	n.Right.walk(fn)
	for _, a := range n.Args {
		a.walk(fn)
	}
}

// chain returns the static lookup chain of an access node. ok is false if
// the chain is not rooted at a context name.
func (n *Node) chain() (parts []string, ok bool) {
	switch n.Kind {
	case KindLookup:
		return []string{n.Name}, true
	case KindAttr:
		parts, ok = n.Left.chain()
		return append(parts, n.Name), ok
	case KindIndex:
		parts, ok = n.Left.chain()
		if s, isStr := n.Right.Value.(string); isStr && n.Right.Kind == KindLiteral {
			return append(parts, s), ok
		}
		return parts, ok
	}
	return nil, false
}

// References returns the dotted lookup chains used by t, longest form only.
func (t *Template) References() [][]string {
	var refs [][]string
	seen := make(map[string]bool)
	var visit func(n *Node)
	visit = func(n *Node) {
		if n == nil {
			return
		}
		switch n.Kind {
		case KindLookup, KindAttr, KindIndex:
			if parts, ok := n.chain(); ok {
				key := strings.Join(parts, "\x00")
				if !seen[key] {
					seen[key] = true
					refs = append(refs, parts)
				}
				if n.Kind == KindIndex {
					visit(n.Right)
				}
				return
			}
		}
		visit(n.Left)
		visit(n.Right)
		for _, a := range n.Args {
			visit(a)
		}
	}
	visit(t.root)
	return refs
}

// Calls returns the names of functions called by t.
func (t *Template) Calls() []string {
	var names []string
	seen := make(map[string]bool)
	t.root.walk(func(n *Node) {
		if n.Kind == KindCall && !seen[n.Name] {
			seen[n.Name] = true
			names = append(names, n.Name)
		}
	})
	return names
}
