// Package observe provides scheduler observers: structured logs, Prometheus
// metrics, an AMQP event feed and an in-memory recorder.
package observe

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sourceplane/liteflow/internal/ctxlog"
	"github.com/sourceplane/liteflow/internal/scheduler"
)

// Multi fans every event out to each observer in order. Nil observers are skipped.
func Multi(observers ...scheduler.Observer) scheduler.Observer {
	var list []scheduler.Observer
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return multi(list)
}

type multi []scheduler.Observer

func (m multi) Observe(ev scheduler.Event) {
	for _, o := range m {
		o.Observe(ev)
	}
}

// Log writes one record per transition
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log observer using the logger carried by ctx
func NewLog(ctx context.Context) *Log {
	return &Log{logger: ctxlog.FromContext(ctx)}
}

// Observe implements scheduler.Observer
func (l *Log) Observe(ev scheduler.Event) {
	attrs := []any{
		slog.String("run_id", ev.RunID),
		slog.String("node", ev.Node),
		slog.String("from", string(ev.From)),
		slog.String("state", string(ev.To)),
	}
	switch ev.To {
	case scheduler.Failed:
		if ev.Err != nil {
			attrs = append(attrs, slog.Any("error", ev.Err))
		}
		l.logger.Error("node failed", attrs...)
	case scheduler.Succeeded, scheduler.SkippedCached:
		l.logger.Info("node finished", attrs...)
	default:
		l.logger.Debug("node transition", attrs...)
	}
}

// Recorder keeps every event it sees
type Recorder struct {
	mu     sync.Mutex
	events []scheduler.Event
}

// Observe implements scheduler.Observer
func (r *Recorder) Observe(ev scheduler.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []scheduler.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scheduler.Event(nil), r.events...)
}

// Path returns the states a node went through
func (r *Recorder) Path(node string) []scheduler.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var states []scheduler.State
	for _, ev := range r.events {
		if ev.Node == node {
			states = append(states, ev.To)
		}
	}
	return states
}
