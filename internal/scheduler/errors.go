package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrNoExecutor = errors.New("scheduler has no executor")
	ErrNoPreparer = errors.New("scheduler has no preparer")
)

// ExecutionError is recorded on a failed node. Failed nodes are never retried.
type ExecutionError struct {
	Node    string
	Summary string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("node %s: %s: %v", e.Node, e.Summary, e.Err)
	}
	return fmt.Sprintf("node %s: %s", e.Node, e.Summary)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func execErr(node, summary string, err error) *ExecutionError {
	return &ExecutionError{Node: node, Summary: summary, Err: err}
}
