package scheduler

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a node within one run
type State string

const (
	Pending               State = "pending"
	Ready                 State = "ready"
	Running               State = "running"
	Succeeded             State = "succeeded"
	Failed                State = "failed"
	SkippedCached         State = "skipped_cached"
	SkippedUpstreamFailed State = "skipped_upstream_failed"
	SkippedDisabled       State = "skipped_disabled"
	Cancelled             State = "cancelled"
)

// ErrIllegalTransition reports a state change the machine does not allow
var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	Pending: {Ready, SkippedUpstreamFailed, SkippedDisabled, Cancelled},
	Ready:   {Running, SkippedCached, SkippedDisabled, Failed, Cancelled},
	Running: {Succeeded, Failed, Cancelled},
}

// Terminal reports whether s is final
func (s State) Terminal() bool {
	switch s {
	case Succeeded, Failed, SkippedCached, SkippedUpstreamFailed, SkippedDisabled, Cancelled:
		return true
	}
	return false
}

// Successful reports whether s satisfies dependents
func (s State) Successful() bool { return s == Succeeded || s == SkippedCached }

// Result is the value exposed to dependents as needs.<id>.result
func (s State) Result() string {
	switch s {
	case Succeeded, SkippedCached:
		return "success"
	case Failed:
		return "failure"
	case Cancelled:
		return "cancelled"
	}
	return "skipped"
}

// blocksDependents reports whether s makes dependents skip unless they opt in
func (s State) blocksDependents() bool {
	return s == Failed || s == SkippedUpstreamFailed || s == Cancelled
}

func checkTransition(node string, from, to State) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w for %s: %s -> %s", ErrIllegalTransition, node, from, to)
}
