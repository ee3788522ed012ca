// drm-monitor submits task scripts to a resource manager, reports each task's
// resource usage as it finishes, and serves health and metrics while it runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"drmadapter/internal/drm"
	"drmadapter/internal/drm/docker"
	"drmadapter/internal/session"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "drm-monitor",
	Short:         "Run and monitor task scripts under a resource manager",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		if err := loadEnvFile(envFile); err != nil {
			return err
		}
		levelName, _ := cmd.Flags().GetString("log-level")
		return setupLogging(levelName)
	},
}

func init() {
	rootCmd.PersistentFlags().String("env-file", ".env", "Environment file to load (missing file is ignored)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("Command failed", "error", err)
		stop()
		os.Exit(exitCode(err))
	}
}

// loadEnvFile loads variables from path without overriding the process
// environment.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func setupLogging(levelName string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", levelName, err)
	}
	// Logs go to stderr; stdout carries command output.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// newSessions returns the process-wide session manager backed by Docker.
func newSessions() *session.Manager {
	return session.NewManager(func(ctx context.Context) (drm.Backend, error) {
		backend, err := docker.New(ctx, docker.LoadConfigFromEnv())
		if err != nil {
			return nil, err
		}
		return backend, nil
	})
}

// Process exit codes.
const (
	exitFailure     = 1
	exitTasksFailed = 2
	exitUnknownJobs = 3
	exitInterrupted = 130
)

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	return exitFailure
}
