package render

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sourceplane/liteflow/internal/scheduler"
)

var markers = map[scheduler.State]string{
	scheduler.Succeeded:             "✓",
	scheduler.SkippedCached:         "✓",
	scheduler.Failed:                "✗",
	scheduler.SkippedUpstreamFailed: "□",
	scheduler.SkippedDisabled:       "□",
	scheduler.Cancelled:             "⊘",
}

// Progress prints a line when a node starts and when it finishes
type Progress struct {
	mu  sync.Mutex
	out io.Writer
}

// NewProgress creates a progress printer writing to out
func NewProgress(out io.Writer) *Progress {
	return &Progress{out: out}
}

// Observe implements scheduler.Observer
func (p *Progress) Observe(ev scheduler.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case ev.To == scheduler.Running:
		fmt.Fprintf(p.out, "→ %s\n", ev.Node)
	case ev.To.Terminal():
		line := fmt.Sprintf("%s %s %s", markers[ev.To], ev.Node, describe(ev.To))
		if ev.Err != nil {
			line += ": " + ev.Err.Error()
		}
		fmt.Fprintln(p.out, line)
	}
}

// WriteSummary prints the outcome of every node and the overall status
func WriteSummary(w io.Writer, res *scheduler.RunResult) {
	fmt.Fprintf(w, "\nBake %s\n", res.RunID)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	for _, id := range res.Order {
		o := res.Nodes[id]
		line := fmt.Sprintf("%s %s %s", markers[o.State], id, describe(o.State))
		if o.State == scheduler.Succeeded && !o.Started.IsZero() {
			line += fmt.Sprintf(" (%s)", o.Finished.Sub(o.Started).Round(time.Millisecond))
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "Status: %s, %d succeeded, %d cached, %d failed, %d skipped, %d cancelled (%s)\n",
		res.Status,
		res.Count(scheduler.Succeeded),
		res.Count(scheduler.SkippedCached),
		res.Count(scheduler.Failed),
		res.Count(scheduler.SkippedUpstreamFailed)+res.Count(scheduler.SkippedDisabled),
		res.Count(scheduler.Cancelled),
		res.Finished.Sub(res.Started).Round(time.Millisecond))
}

func describe(s scheduler.State) string {
	switch s {
	case scheduler.SkippedCached:
		return "cached"
	case scheduler.SkippedUpstreamFailed:
		return "skipped (upstream failed)"
	case scheduler.SkippedDisabled:
		return "skipped (disabled)"
	}
	return string(s)
}
