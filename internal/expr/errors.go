package expr

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by this package wraps exactly one of them.
var (
	ErrParse              = errors.New("parse error")
	ErrAttributeNotFound  = errors.New("attribute not found")
	ErrUnknownFunction    = errors.New("unknown function")
	ErrInvalidArguments   = errors.New("invalid arguments")
	ErrTypeMismatch       = errors.New("type mismatch")
	ErrContextCycle       = errors.New("context cycle")
	ErrContextUnavailable = errors.New("context unavailable")
	ErrUnknownParameter   = errors.New("unknown parameter")
)

// Pos is a location in workflow source text. Line and Column are 1-based.
type Pos struct {
	File   string
	Line   int
	Column int
}

func (p Pos) String() string {
	var parts []string
	if p.File != "" {
		parts = append(parts, p.File)
	}
	if p.Line > 0 {
		parts = append(parts, fmt.Sprintf("%d:%d", p.Line, p.Column))
	}
	return strings.Join(parts, ":")
}

// advance returns the position of the byte at offset within src, where src starts at p.
func (p Pos) advance(src string, offset int) Pos {
	if p.Line == 0 {
		return p
	}
	out := p
	for i := 0; i < offset && i < len(src); i++ {
		if src[i] == '\n' {
			out.Line++
			out.Column = 1
			continue
		}
		out.Column++
	}
	return out
}

// ParseError reports malformed expression or workflow syntax.
type ParseError struct {
	Pos Pos
	Msg string
}

func (e *ParseError) Error() string {
	if loc := e.Pos.String(); loc != "" {
		return fmt.Sprintf("%s: %s", loc, e.Msg)
	}
	return e.Msg
}

func (e *ParseError) Unwrap() error { return ErrParse }

// EvalError reports a failure to evaluate an expression or resolve a context property.
type EvalError struct {
	Kind    error
	Path    string // full dotted path of the failing access, if any
	Segment string // offending path segment for ErrAttributeNotFound
	Func    string // function name for ErrUnknownFunction and ErrInvalidArguments
	Msg     string
	Pos     Pos
}

func (e *EvalError) Error() string {
	var sb strings.Builder
	if loc := e.Pos.String(); loc != "" {
		sb.WriteString(loc)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.Error())
	switch {
	case e.Msg != "":
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	case e.Segment != "":
		fmt.Fprintf(&sb, ": %q in %s", e.Segment, e.Path)
	case e.Path != "":
		sb.WriteString(": ")
		sb.WriteString(e.Path)
	}
	return sb.String()
}

func (e *EvalError) Unwrap() error { return e.Kind }

// Errorf builds an EvalError of the given kind.
func Errorf(kind error, format string, args ...any) *EvalError {
	return &EvalError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NotFound builds an ErrAttributeNotFound error for segment of path.
func NotFound(path, segment string) *EvalError {
	return &EvalError{Kind: ErrAttributeNotFound, Path: path, Segment: segment}
}

func invalidArgs(fn, format string, args ...any) *EvalError {
	return &EvalError{
		Kind: ErrInvalidArguments,
		Func: fn,
		Msg:  fn + ": " + fmt.Sprintf(format, args...),
	}
}

// withPos attaches pos to err if it is an EvalError without a location.
func withPos(err error, pos Pos) error {
	var ee *EvalError
	if errors.As(err, &ee) && ee.Pos.Line == 0 && pos.Line > 0 {
		ee.Pos = pos
	}
	return err
}
