package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Display periodically renders tracker status as a console panel. Panels are
// separated by a blank line rather than ANSI cursor moves so output through a
// plain pipe stays readable.
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	stopCh   chan struct{}
	done     chan struct{}
	rendered bool
}

// NewDisplay creates a display writing to stdout
func NewDisplay(tracker *Tracker, interval time.Duration) *Display {
	return NewDisplayWriter(tracker, interval, os.Stdout)
}

// NewDisplayWriter creates a display writing to w
func NewDisplayWriter(tracker *Tracker, interval time.Duration, w io.Writer) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      w,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins periodic rendering
func (d *Display) Start() {
	go d.loop()
}

// Stop halts rendering and waits for the closing summary to be written
func (d *Display) Stop() {
	close(d.stopCh)
	<-d.done
}

func (d *Display) loop() {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.render(false)
		case <-d.stopCh:
			d.render(true)
			return
		}
	}
}

func (d *Display) render(final bool) {
	var b strings.Builder
	if d.rendered {
		b.WriteByte('\n')
	}
	d.rendered = true

	status := d.tracker.GetStatus()
	if final {
		writeSummaryPanel(&b, status)
	} else {
		writeLivePanel(&b, status)
	}
	io.WriteString(d.out, b.String())
}

func writeLivePanel(w io.Writer, status Status) {
	fmt.Fprintf(w, "Artifact migration progress\n")

	artifactPct := percentOf(status.ProcessedArtifacts, status.TotalArtifacts)
	fmt.Fprintf(w, "  artifacts %s %d/%d\n",
		progressBar(artifactPct, 30), status.ProcessedArtifacts, status.TotalArtifacts)

	bytePct := percentOf(status.ProcessedBytes, status.TotalBytes)
	fmt.Fprintf(w, "  data      %s %s/%s\n",
		progressBar(bytePct, 30), FormatBytes(status.ProcessedBytes), FormatBytes(status.TotalBytes))

	fmt.Fprintf(w, "  committed %d  failed %d  skipped %d\n",
		status.SuccessArtifacts, status.FailedArtifacts, status.SkippedArtifacts)
	fmt.Fprintf(w, "  speed %s (avg %s)  elapsed %s  remaining %s\n",
		FormatSpeed(status.CurrentSpeed), FormatSpeed(status.AverageSpeed),
		FormatDuration(time.Since(status.StartTime)), FormatDuration(status.ETA))
}

func writeSummaryPanel(w io.Writer, status Status) {
	fmt.Fprintf(w, "Migration finished\n")
	fmt.Fprintf(w, "  processed %d artifacts, %s\n",
		status.ProcessedArtifacts, FormatBytes(status.ProcessedBytes))
	fmt.Fprintf(w, "  committed %d  failed %d  skipped %d\n",
		status.SuccessArtifacts, status.FailedArtifacts, status.SkippedArtifacts)
	fmt.Fprintf(w, "  elapsed %s  average speed %s\n",
		FormatDuration(time.Since(status.StartTime)), FormatSpeed(status.AverageSpeed))
}

func percentOf(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func progressBar(percent float64, width int) string {
	switch {
	case percent > 100:
		percent = 100
	case percent < 0:
		percent = 0
	}

	filled := int(percent / 100 * float64(width))
	return fmt.Sprintf("[%s%s] %5.1f%%",
		strings.Repeat("#", filled), strings.Repeat("-", width-filled), percent)
}

// IsTerminalSupported reports whether stdout is attached to a terminal
func IsTerminalSupported() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
