package cli

import (
	"fmt"
	"io"
)

// progressPrinter renders single-line progress on stderr. All output is
// suppressed in quiet mode.
type progressPrinter struct {
	w     io.Writer
	label string
	quiet bool
	dirty bool
}

func newProgressPrinter(w io.Writer, label string, quiet bool) *progressPrinter {
	return &progressPrinter{w: w, label: label, quiet: quiet}
}

// Bytes reports byte-based progress, used while downloading.
func (p *progressPrinter) Bytes(written, total int64) {
	if p.quiet {
		return
	}
	p.dirty = true
	if total > 0 {
		fmt.Fprintf(p.w, "\r%s %s/%s (%d%%)",
			p.label, formatBytes(written), formatBytes(total), written*100/total)
		return
	}
	fmt.Fprintf(p.w, "\r%s %s", p.label, formatBytes(written))
}

// Count reports member-based progress, used while extracting.
func (p *progressPrinter) Count(done, total int) {
	if p.quiet {
		return
	}
	p.dirty = true
	fmt.Fprintf(p.w, "\r%s %d/%d", p.label, done, total)
}

// Finish terminates the progress line.
func (p *progressPrinter) Finish() {
	if p.quiet || !p.dirty {
		return
	}
	fmt.Fprintln(p.w)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
