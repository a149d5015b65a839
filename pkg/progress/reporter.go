package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jdziat/simple-backfill/pkg/core"
)

// Options configures the progress reporter.
type Options struct {
	// Output is where to write progress output.
	// Default: os.Stdout
	Output io.Writer

	// Disabled suppresses the running line; Finish still prints.
	Disabled bool
}

// Reporter writes the running percentage line.
type Reporter struct {
	opts Options

	mu        sync.Mutex
	startTime time.Time
	lastLine  string
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	return &Reporter{opts: opts, startTime: time.Now()}
}

// Line formats p the way the running readout shows it.
func Line(p core.Progress) string {
	return fmt.Sprintf("Progress: %.2f%% (%d/%d chunks complete)", p.Percent(), p.Done, p.Total)
}

// Report rewrites the progress line. Identical consecutive lines are not
// written again.
func (r *Reporter) Report(p core.Progress) {
	if r.opts.Disabled {
		return
	}
	line := Line(p)

	r.mu.Lock()
	defer r.mu.Unlock()
	if line == r.lastLine {
		return
	}
	r.lastLine = line
	fmt.Fprintf(r.opts.Output, "\r%s", line)
}

// Finish prints the final line followed by a summary.
func (r *Reporter) Finish(p core.Progress, items, tombstones int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "\r%s      \n", Line(p))
	fmt.Fprintf(r.opts.Output, "Chunks: %d done | %d failed | %d pending | %d claimed\n",
		p.Done, p.Failed, p.Pending, p.Claimed)
	fmt.Fprintf(r.opts.Output, "Items: %d written (%d tombstones) | Total time: %s\n",
		items, tombstones, FormatDuration(time.Since(r.startTime)))
}

// FormatDuration formats a duration as a human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}
