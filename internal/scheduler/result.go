package scheduler

import (
	"time"
)

// RunStatus is the overall outcome of a run
type RunStatus string

const (
	RunSuccess        RunStatus = "success"
	RunPartialFailure RunStatus = "partial-failure"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
)

// Outcome is the final record of one node
type Outcome struct {
	Node        string
	State       State
	Outputs     map[string]string
	Fingerprint string
	Err         error
	Started     time.Time
	Finished    time.Time
}

// RunResult is the finalized state of a run
type RunResult struct {
	RunID    string
	Status   RunStatus
	Order    []string
	Nodes    map[string]*Outcome
	Started  time.Time
	Finished time.Time
}

// Outcome returns the outcome of a node
func (r *RunResult) Outcome(id string) (*Outcome, bool) {
	o, ok := r.Nodes[id]
	return o, ok
}

// State returns the final state of a node, "" for unknown nodes
func (r *RunResult) State(id string) State {
	if o, ok := r.Nodes[id]; ok {
		return o.State
	}
	return ""
}

// Count returns how many nodes ended in state s
func (r *RunResult) Count(s State) int {
	n := 0
	for _, o := range r.Nodes {
		if o.State == s {
			n++
		}
	}
	return n
}

// Errors returns the errors of failed nodes in graph order
func (r *RunResult) Errors() []error {
	var errs []error
	for _, id := range r.Order {
		if o := r.Nodes[id]; o != nil && o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}
