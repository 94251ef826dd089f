// Package cache stores execution records keyed by content fingerprints so that
// unchanged nodes are not executed again.
package cache

import (
	"context"
	"errors"
	"time"
)

// Status is the outcome stored with a record
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// ErrNotFound is returned by stores for unknown fingerprints
var ErrNotFound = errors.New("cache record not found")

// Record is the stored result of one node execution
type Record struct {
	Fingerprint string            `json:"fingerprint"`
	ProjectID   string            `json:"project_id"`
	FlowID      string            `json:"flow_id"`
	NodeID      string            `json:"node_id"`
	RunID       string            `json:"run_id"`
	Status      Status            `json:"status"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	LifeSpan    time.Duration     `json:"life_span,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
}

// Store persists records. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, fingerprint string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, f Filter) (int, error)
}

// Filter selects records. Empty fields match every record.
type Filter struct {
	ProjectID string
	FlowID    string
	NodeID    string
	// Before matches records created before it when set
	Before time.Time
}

// Match reports whether rec is selected by f
func (f Filter) Match(rec *Record) bool {
	switch {
	case f.ProjectID != "" && rec.ProjectID != f.ProjectID:
		return false
	case f.FlowID != "" && rec.FlowID != f.FlowID:
		return false
	case f.NodeID != "" && rec.NodeID != f.NodeID:
		return false
	case !f.Before.IsZero() && !rec.CreatedAt.Before(f.Before):
		return false
	}
	return true
}
