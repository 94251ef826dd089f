package expr

import (
	"strconv"
	"strings"
)

type evalFunc func(ev *evaluator, n *Node) (any, error)

// dispatch maps node kinds to their evaluation function.
var dispatch [kindCount]evalFunc

func init() {
	dispatch = [kindCount]evalFunc{
		KindLiteral: evalLiteral,
		KindLookup:  evalLookup,
		KindAttr:    evalAttr,
		KindIndex:   evalIndex,
		KindCall:    evalCall,
		KindList:    evalList,
		KindUnary:   evalUnary,
		KindBinary:  evalBinary,
		KindInterp:  evalInterp,
	}
}

type evaluator struct {
	root  Root
	funcs *Registry
}

func (ev *evaluator) eval(n *Node) (any, error) {
	v, err := dispatch[n.Kind](ev, n)
	if err != nil {
		return nil, withPos(err, n.Pos)
	}
	return v, nil
}

func evalLiteral(_ *evaluator, n *Node) (any, error) { return n.Value, nil }

func evalLookup(ev *evaluator, n *Node) (any, error) {
	if ev.root == nil {
		return nil, NotFound(n.Name, n.Name)
	}
	return ev.root.Lookup(n.Name)
}

func evalAttr(ev *evaluator, n *Node) (any, error) {
	target, err := ev.eval(n.Left)
	if err != nil {
		return nil, err
	}
	return access(target, n.Name, n)
}

func evalIndex(ev *evaluator, n *Node) (any, error) {
	target, err := ev.eval(n.Left)
	if err != nil {
		return nil, err
	}
	idx, err := ev.eval(n.Right)
	if err != nil {
		return nil, err
	}
	switch key := idx.(type) {
	case string:
		return access(target, key, n)
	case int64:
		list, ok := target.([]any)
		if !ok {
			return nil, Errorf(ErrTypeMismatch, "cannot index %s with int in %s", TypeName(target), n.path())
		}
		i := key
		if i < 0 {
			i += int64(len(list))
		}
		if i < 0 || i >= int64(len(list)) {
			return nil, NotFound(n.path(), strconv.FormatInt(key, 10))
		}
		return list[i], nil
	}
	return nil, Errorf(ErrTypeMismatch, "index of %s must be string or int, got %s",
		n.Left.path(), TypeName(idx))
}

// access fetches key from target, reporting the full path on failure.
func access(target any, key string, n *Node) (any, error) {
	if _, ok := keysOf(target); !ok {
		return nil, Errorf(ErrTypeMismatch, "cannot access %q on %s (%s)", key, TypeName(target), n.Left.path())
	}
	v, ok, err := member(target, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NotFound(n.path(), key)
	}
	return v, nil
}

func evalCall(ev *evaluator, n *Node) (any, error) {
	fn, ok := ev.funcs.lookup(n.Name)
	if !ok {
		return nil, &EvalError{Kind: ErrUnknownFunction, Func: n.Name, Msg: n.Name}
	}
	if err := fn.checkArity(len(n.Args)); err != nil {
		return nil, err
	}
	env := &Env{Root: ev.root}
	if fn.lazy != nil {
		thunks := make([]Thunk, len(n.Args))
		for i, arg := range n.Args {
			arg := arg
			thunks[i] = func() (any, error) { return ev.eval(arg) }
		}
		return fn.lazy(env, thunks)
	}
	args := make([]any, len(n.Args))
	for i, arg := range n.Args {
		v, err := ev.eval(arg)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn.eager(env, args)
}

func evalList(ev *evaluator, n *Node) (any, error) {
	out := make([]any, len(n.Args))
	for i, item := range n.Args {
		v, err := ev.eval(item)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func evalUnary(ev *evaluator, n *Node) (any, error) {
	v, err := ev.eval(n.Left)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

func evalBinary(ev *evaluator, n *Node) (any, error) {
	left, err := ev.eval(n.Left)
	if err != nil {
		return nil, err
	}
	switch n.Name {
	case "&&":
		if !Truthy(left) {
			return left, nil
		}
		return ev.eval(n.Right)
	case "||":
		if Truthy(left) {
			return left, nil
		}
		return ev.eval(n.Right)
	}
	right, err := ev.eval(n.Right)
	if err != nil {
		return nil, err
	}
	switch n.Name {
	case "==":
		return Equal(left, right)
	case "!=":
		eq, err := Equal(left, right)
		return !eq, err
	}
	c, err := Compare(left, right)
	if err != nil {
		return nil, err
	}
	switch n.Name {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	default:
		return c >= 0, nil
	}
}

func evalInterp(ev *evaluator, n *Node) (any, error) {
	var sb strings.Builder
	for _, part := range n.Args {
		v, err := ev.eval(part)
		if err != nil {
			return nil, err
		}
		s, err := Stringify(v)
		if err != nil {
			return nil, err
		}
		sb.WriteString(s)
	}
	return sb.String(), nil
}
