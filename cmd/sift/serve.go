package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jward/sift/internal/server"
)

var (
	flagAddr    string
	flagDataDir string
	flagToken   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a shared fingerprint store over HTTP",
	Long:  "Hosts one embedded store per (repo, job) pair under the data directory so many CI workers can share executions. Workers point their .sift.yaml remote.url here.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", ":8710", "listen address")
	serveCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "directory holding per-(repo, job) databases (required)")
	serveCmd.Flags().StringVar(&flagToken, "token", os.Getenv("SIFT_AUTH_TOKEN"), "bearer token required on every request except /health")
	serveCmd.MarkFlagRequired("data-dir")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(flagDataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	registry := server.NewRegistry(flagDataDir)
	defer registry.Close()
	handler := server.NewRouter(registry, server.Config{
		DataDir:   flagDataDir,
		AuthToken: flagToken,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              flagAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", flagAddr, "dataDir", flagDataDir, "auth", flagToken != "")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
