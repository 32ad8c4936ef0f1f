package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kalambet/idrbulk/internal/bulk"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func statusColor(s bulk.Status) string {
	switch s {
	case bulk.Succeeded:
		return colorGreen
	case bulk.Partial, bulk.Skipped:
		return colorYellow
	default:
		return colorRed
	}
}

// printOutcome writes one progress line as an outcome arrives.
func printOutcome(w io.Writer, o bulk.Outcome) {
	fmt.Fprintf(w, "%s %s: %s\n", colorize(statusColor(o.Status), fmt.Sprintf("%-9s", o.Status)), o.ID, o.Reason())
}

// printSummary writes the per-status tally of a finished batch.
func printSummary(w io.Writer, batchID string, rep bulk.Report) {
	parts := []string{
		colorize(colorGreen, fmt.Sprintf("%d succeeded", rep.Count(bulk.Succeeded))),
	}
	if n := rep.Count(bulk.Partial); n > 0 {
		parts = append(parts, colorize(colorYellow, fmt.Sprintf("%d partial", n)))
	}
	if n := rep.Count(bulk.Failed); n > 0 {
		parts = append(parts, colorize(colorRed, fmt.Sprintf("%d failed", n)))
	}
	if n := rep.Count(bulk.Skipped); n > 0 {
		parts = append(parts, colorize(colorYellow, fmt.Sprintf("%d skipped", n)))
	}
	elapsed := rep.Finished.Sub(rep.Started).Round(time.Millisecond)
	fmt.Fprintf(w, "\n%s %s in %s\n", colorize(colorBold, "Batch "+batchID+":"), strings.Join(parts, ", "), elapsed)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// truncate shortens s to n runes for table cells.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
