package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/jward/sift/internal/report"
)

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	switch format {
	case "json", "text":
		return nil
	default:
		return fmt.Errorf("invalid format %q (want json or text)", format)
	}
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatPlanText prints the selection plan as one test per line, the way
// test harnesses expect to consume it, with a summary on stderr-style
// comment lines.
func formatPlanText(w io.Writer, unstable, failing, stable []string) {
	for _, name := range unstable {
		fmt.Fprintln(w, name)
	}
	seen := make(map[string]bool, len(unstable))
	for _, name := range unstable {
		seen[name] = true
	}
	for _, name := range failing {
		if !seen[name] {
			fmt.Fprintln(w, name)
		}
	}
	fmt.Fprintf(w, "# selected %d, failing %d, skipped %d\n",
		len(unstable), len(failing), len(stable))
}

// formatSummaryText formats environment summaries as aligned columns.
func formatSummaryText(w io.Writer, summaries []report.EnvironmentSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENVIRONMENT\tRUNTIME\tREVISION\tTESTS\tFAILED\tFILES\tFINGERPRINTS")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			s.Environment, s.RuntimeVersion, shortRevision(s.VCSRevision),
			s.Tests, s.FailedTests, s.Files, s.Fingerprints)
	}
	tw.Flush()
}

// formatStatsText formats savings totals as readable text.
func formatStatsText(w io.Writer, summaries []report.EnvironmentSummary) {
	for _, s := range summaries {
		fmt.Fprintf(w, "%s:\n", s.Environment)
		fmt.Fprintf(w, "  last run:  skipped %d tests, saved %s\n",
			s.SkippedTests, s.SkippedTime.Round(time.Millisecond))
		fmt.Fprintf(w, "  lifetime:  skipped %d tests, saved %s\n",
			s.LifetimeTests, s.LifetimeTime.Round(time.Millisecond))
	}
}

// formatTestDependenciesText formats tests depending on a file.
func formatTestDependenciesText(w io.Writer, deps []report.TestDependency) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENVIRONMENT\tTEST\tBLOCKS\tDURATION\tFAILED")
	for _, d := range deps {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%t\n",
			d.Environment, d.TestName, d.Blocks,
			d.Duration.Round(time.Millisecond), d.Failed)
	}
	tw.Flush()
}

// formatTestDetailText formats one test's full dependency surface.
func formatTestDetailText(w io.Writer, detail *report.TestDetail) {
	fmt.Fprintf(w, "%s (%s, environment %s)\n",
		detail.TestName, detail.Duration.Round(time.Millisecond), detail.Environment)
	if detail.Failed {
		fmt.Fprintln(w, "  last outcome: FAILED")
	}
	if detail.Forced {
		fmt.Fprintln(w, "  forced: runs unconditionally next time")
	}

	if len(detail.Files) > 0 {
		fmt.Fprintln(w, "Source files:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, f := range detail.Files {
			fmt.Fprintf(tw, "  %s\t%d blocks\t%s\n", f.Filename, f.Blocks, shortRevision(f.FSHA))
		}
		tw.Flush()
	}
	if len(detail.FileDeps) > 0 {
		paths := make([]string, 0, len(detail.FileDeps))
		for path := range detail.FileDeps {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		fmt.Fprintln(w, "Data files:")
		for _, path := range paths {
			fmt.Fprintf(w, "  %s\n", path)
		}
	}
	if len(detail.PackageDeps) > 0 {
		fmt.Fprintln(w, "External packages:")
		for _, pkg := range detail.PackageDeps {
			fmt.Fprintf(w, "  %s\n", pkg)
		}
	}
}

// formatCoDependencyText formats the co-dependency graph edges.
func formatCoDependencyText(w io.Writer, pairs []report.CoDependency) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE A\tFILE B\tSHARED TESTS")
	for _, p := range pairs {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", p.FileA, p.FileB, p.SharedTests)
	}
	tw.Flush()
}

// shortRevision truncates a hash for column display.
func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
