package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jward/sift/internal/config"
	"github.com/jward/sift/internal/report"
	"github.com/jward/sift/internal/store"
)

var flagEnvironment string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect the recorded dependency map",
}

func init() {
	reportCmd.PersistentFlags().StringVar(&flagEnvironment, "environment", "", "restrict to one environment (default: all)")

	reportCmd.AddCommand(reportSummaryCmd)
	reportCmd.AddCommand(reportFileCmd)
	reportCmd.AddCommand(reportTestCmd)
	reportCmd.AddCommand(reportCoDepCmd)
}

// openReporter opens the project's embedded store read-only for reporting.
func openReporter() (*report.Reporter, func() error, error) {
	root, err := resolveProjectRoot(nil)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadDir(root)
	if err != nil {
		return nil, nil, err
	}
	dbPath := cfg.Database
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(root, dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, nil, fmt.Errorf("no fingerprint database at %s, run sift select first", dbPath)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return report.New(db), db.Close, nil
}

var reportSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Per-environment totals and lifetime savings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, done, err := openReporter()
		if err != nil {
			return err
		}
		defer done()

		summaries, err := r.Summary(cmd.Context(), flagEnvironment)
		if err != nil {
			return err
		}
		if flagFormat == "json" {
			return outputJSON(os.Stdout, summaries)
		}
		formatSummaryText(os.Stdout, summaries)
		return nil
	},
}

var reportFileCmd = &cobra.Command{
	Use:   "file <filename>",
	Short: "Tests depending on a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, done, err := openReporter()
		if err != nil {
			return err
		}
		defer done()

		deps, err := r.TestsForFile(cmd.Context(), flagEnvironment, args[0])
		if err != nil {
			return err
		}
		if flagFormat == "json" {
			return outputJSON(os.Stdout, deps)
		}
		formatTestDependenciesText(os.Stdout, deps)
		return nil
	},
}

var reportTestCmd = &cobra.Command{
	Use:   "test <name>",
	Short: "Everything one test depends on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, done, err := openReporter()
		if err != nil {
			return err
		}
		defer done()

		detail, err := r.DependencyDetail(cmd.Context(), flagEnvironment, args[0])
		if err != nil {
			return err
		}
		if flagFormat == "json" {
			return outputJSON(os.Stdout, detail)
		}
		formatTestDetailText(os.Stdout, detail)
		return nil
	},
}

var reportCoDepCmd = &cobra.Command{
	Use:   "codependency",
	Short: "File pairs that tests tend to touch together",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, done, err := openReporter()
		if err != nil {
			return err
		}
		defer done()

		pairs, err := r.CoDependencyGraph(cmd.Context(), flagEnvironment)
		if err != nil {
			return err
		}
		if flagFormat == "json" {
			return outputJSON(os.Stdout, pairs)
		}
		formatCoDependencyText(os.Stdout, pairs)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Lifetime savings from test selection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, done, err := openReporter()
		if err != nil {
			return err
		}
		defer done()

		summaries, err := r.Summary(cmd.Context(), flagEnvironment)
		if err != nil {
			return err
		}
		if flagFormat == "json" {
			return outputJSON(os.Stdout, summaries)
		}
		formatStatsText(os.Stdout, summaries)
		return nil
	},
}
