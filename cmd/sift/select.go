package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/jward/sift"
	"github.com/jward/sift/internal/config"
)

var (
	flagWorker        bool
	flagPackagesFile  string
	flagRuntimeVer    string
	flagSelectTimeout time.Duration
	flagVerbose       bool
)

var selectCmd = &cobra.Command{
	Use:   "select [path]",
	Short: "Compute which tests must run for the current working tree",
	Long:  "Diffs the working tree against the fingerprint store and partitions the known test suite into tests that must re-run and tests that are provably unaffected. Previously failing tests are always selected.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSelect,
}

func init() {
	selectCmd.Flags().BoolVar(&flagWorker, "worker", false, "run as a non-coordinating worker (never deletes vanished tests)")
	selectCmd.Flags().StringVar(&flagPackagesFile, "packages-file", "", "installed-package manifest, one name==version per line")
	selectCmd.Flags().StringVar(&flagRuntimeVer, "runtime-version", runtime.Version(), "runtime version recorded on the execution")
	selectCmd.Flags().DurationVar(&flagSelectTimeout, "timeout", 2*time.Minute, "overall selection timeout")
	selectCmd.Flags().BoolVar(&flagVerbose, "verbose", false, "debug logging to stderr")
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runSelect(cmd *cobra.Command, args []string) error {
	root, err := resolveProjectRoot(args)
	if err != nil {
		return err
	}
	cfg, err := config.LoadDir(root)
	if err != nil {
		return err
	}

	opts := []sift.Option{
		sift.WithCoordinator(!flagWorker),
		sift.WithRuntimeVersion(flagRuntimeVer),
		sift.WithLogger(newLogger()),
	}
	if flagPackagesFile != "" {
		manifest, err := os.ReadFile(flagPackagesFile)
		if err != nil {
			return fmt.Errorf("reading packages file: %w", err)
		}
		opts = append(opts, sift.WithPackages(string(manifest)))
	}

	engine, err := sift.Open(root, cfg, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), flagSelectTimeout)
	defer cancel()

	plan, err := selectPlan(ctx, engine)
	closeErr := engine.Close(ctx)
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}
	return outputPlan(os.Stdout, plan)
}

func outputPlan(w io.Writer, plan *sift.Plan) error {
	if flagFormat == "json" {
		return outputJSON(w, plan)
	}
	formatPlanText(w, plan.UnstableTests, plan.FailingTests, plan.StableTests)
	return nil
}

func selectPlan(ctx context.Context, engine *sift.Engine) (*sift.Plan, error) {
	if err := engine.Init(ctx); err != nil {
		return nil, err
	}
	if err := engine.Diff(ctx); err != nil {
		return nil, err
	}
	if _, err := engine.Determine(ctx); err != nil {
		return nil, err
	}
	return engine.Partition(ctx)
}
