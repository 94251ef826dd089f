// Package executor defines the contract between the engine and a job-execution backend.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/sourceplane/liteflow/internal/model"
)

// Status is the lifecycle state reported by a backend
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusExited is reported for a job whose process ended without its result being recorded
	StatusExited Status = "exited"
)

// Terminal reports whether s is a final status
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusExited
}

// ErrUnknownJob is returned for handles the backend does not know
var ErrUnknownJob = errors.New("unknown job")

// Handle identifies a submitted job
type Handle struct {
	ID   string
	Name string
}

// Executor runs resolved jobs
type Executor interface {
	Submit(ctx context.Context, spec *model.JobSpec) (Handle, error)
	Status(ctx context.Context, h Handle) (Status, error)
	Cancel(ctx context.Context, h Handle) error
	Outputs(ctx context.Context, h Handle) (map[string]string, error)
}

// Failure is implemented by executors that can explain why a job failed
type Failure interface {
	Reason(ctx context.Context, h Handle) (string, error)
}

// Job is a running job as reported by a backend
type Job struct {
	Handle  Handle
	Status  Status
	Tags    []string
	Started time.Time
}

// HasTag reports whether the job carries tag
func (j Job) HasTag(tag string) bool {
	for _, t := range j.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Lister is implemented by executors that can enumerate their running jobs
type Lister interface {
	List(ctx context.Context) ([]Job, error)
}
