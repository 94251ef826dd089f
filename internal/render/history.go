package render

import (
	"fmt"
	"io"
	"time"

	"github.com/sourceplane/liteflow/internal/cache"
	"github.com/sourceplane/liteflow/internal/scheduler"
)

// WriteBakes prints one line per stored bake, newest first
func WriteBakes(w io.Writer, bakes []*cache.Bake) {
	if len(bakes) == 0 {
		fmt.Fprintln(w, "No bakes recorded")
		return
	}
	for _, b := range bakes {
		fmt.Fprintf(w, "%s  %-10s %-20s %s (%s)\n",
			b.ID, b.Status, b.FlowID, b.Started.Format(time.RFC3339), b.Finished.Sub(b.Started).Round(time.Millisecond))
	}
}

// WriteBake prints a stored bake node by node
func WriteBake(w io.Writer, b *cache.Bake) {
	fmt.Fprintf(w, "Bake %s (%s)\n", b.ID, b.FlowID)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	for _, n := range b.Nodes {
		st := scheduler.State(n.State)
		line := fmt.Sprintf("%s %s %s", markers[st], n.ID, describe(st))
		if !n.Started.IsZero() && !n.Finished.IsZero() {
			line += fmt.Sprintf(" (%s)", n.Finished.Sub(n.Started).Round(time.Millisecond))
		}
		if n.Error != "" {
			line += ": " + n.Error
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "Status: %s, started %s\n", b.Status, b.Started.Format(time.RFC3339))
}
