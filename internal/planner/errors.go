package planner

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrGraphCycle        = errors.New("dependency cycle")
	ErrDuplicateNode     = errors.New("duplicate node")
	ErrInvalidStrategy   = errors.New("invalid strategy")
)

// BuildError is returned when a batch flow cannot be turned into a graph.
// Err is the underlying failure, such as an expression error, if any.
type BuildError struct {
	Kind  error
	Node  string
	Msg   string
	Cycle []string
	Err   error
}

func (e *BuildError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if len(e.Cycle) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Cycle, " -> "))
	}
	if e.Node != "" {
		fmt.Fprintf(&b, " (node %s)", e.Node)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *BuildError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func buildErr(kind error, node, format string, args ...any) *BuildError {
	return &BuildError{Kind: kind, Node: node, Msg: fmt.Sprintf(format, args...)}
}

// strategyErr keeps err as the cause of an invalid strategy
func strategyErr(node, msg string, err error) *BuildError {
	return &BuildError{Kind: ErrInvalidStrategy, Node: node, Msg: msg, Err: err}
}
