package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"drmadapter/internal/api"
	"drmadapter/internal/config"
	"drmadapter/internal/drm"
	"drmadapter/internal/health"
	"drmadapter/internal/job"
	"drmadapter/internal/notify"
	"drmadapter/internal/observability"
	"drmadapter/internal/usage"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run SCRIPT...",
	Short: "Submit scripts and report each one's resource usage as it finishes",
	Long: `Submit every script as a job, then wait until all of them finish.

One JSON record per finished task is written to stdout. Task output goes to
<output-dir>/<uid>.out and <output-dir>/<uid>.err. When CALLBACK_URL is set,
each record is also posted as a CloudEvent.

On SIGINT or SIGTERM the jobs still running are terminated.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTasks,
}

func init() {
	runCmd.Flags().String("native-spec", "", "Native specification passed to the resource manager (default $DRM_NATIVE_SPEC)")
	runCmd.Flags().String("output-dir", "", "Directory for task stdout/stderr files (default $DRM_OUTPUT_DIR)")
	runCmd.Flags().Duration("wait-timeout", 0, "Upper bound on one wait for completions (default $DRM_WAIT_TIMEOUT)")
	runCmd.Flags().Bool("serve", true, "Serve health, metrics and job endpoints on $METRICS_PORT")
	rootCmd.AddCommand(runCmd)
}

// completionRecord is the JSON line written for every finished task.
type completionRecord struct {
	UID       string `json:"uid"`
	JobID     string `json:"job_id"`
	Script    string `json:"script"`
	Recovered bool   `json:"recovered"`
	usage.Info
}

func newCompletionRecord(c job.Completion) completionRecord {
	rec := completionRecord{
		UID:       c.Task.UID,
		Script:    c.Task.ScriptPath,
		Recovered: c.Recovered,
		Info:      c.Info,
	}
	if c.Task.JobID != nil {
		rec.JobID = c.Task.JobID.String()
	}
	return rec
}

// monitorConfig merges command-line flags over the environment.
func monitorConfig(cmd *cobra.Command) *config.MonitorConfig {
	cfg := config.LoadMonitorConfig()
	if v, _ := cmd.Flags().GetString("native-spec"); v != "" {
		cfg.NativeSpec = v
	}
	if v, _ := cmd.Flags().GetString("output-dir"); v != "" {
		cfg.OutputDir = v
	}
	if v, _ := cmd.Flags().GetDuration("wait-timeout"); v > 0 {
		cfg.WaitTimeout = v
	}
	return cfg
}

// newTasks builds one task per script with a fresh uid.
func newTasks(scripts []string, cfg *config.MonitorConfig) ([]*job.Task, error) {
	outDir, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}

	tasks := make([]*job.Task, 0, len(scripts))
	for _, script := range scripts {
		path, err := filepath.Abs(script)
		if err != nil {
			return nil, fmt.Errorf("resolve script %s: %w", script, err)
		}
		uid := uuid.NewString()
		tasks = append(tasks, &job.Task{
			UID:                 uid,
			ScriptPath:          path,
			StdoutPath:          filepath.Join(outDir, uid+".out"),
			StderrPath:          filepath.Join(outDir, uid+".err"),
			NativeSpecification: cfg.NativeSpec,
		})
	}
	return tasks, nil
}

func runTasks(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := monitorConfig(cmd)
	serve, _ := cmd.Flags().GetBool("serve")

	tasks, err := newTasks(args, cfg)
	if err != nil {
		return err
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	sessions := newSessions()
	defer sessions.Close()

	// Open the session up front so a dead resource manager fails fast.
	if _, err := sessions.Get(ctx); err != nil {
		return fmt.Errorf("open resource manager session: %w", err)
	}

	// Create completion notifier
	notifyCfg := notify.LoadConfigFromEnv()
	var notifier *notify.Notifier
	var breakers health.BreakerReporter
	if notifyCfg.Enabled() {
		notifier = notify.New(notifyCfg, metrics)
		breakers = notifier
	} else {
		slog.Info("Completion callbacks disabled - no CALLBACK_URL configured")
	}

	controller := job.NewController(sessions)
	healthChecker := health.NewChecker(sessions, breakers)

	var server *http.Server
	serverErr := make(chan error, 1)
	if serve {
		server = &http.Server{
			Addr: ":" + cfg.MetricsPort,
			Handler: api.NewRouter(api.RouterConfig{
				Jobs:           controller,
				HealthChecker:  healthChecker,
				MetricsHandler: metricsHandler,
				APIKey:         cfg.APIKey,
			}),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			slog.Info("Starting operations server", "port", cfg.MetricsPort)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	m := &monitor{
		submitter:  job.NewSubmitter(sessions, metrics),
		poller:     job.NewPoller(sessions, cfg.WaitTimeout, metrics),
		controller: controller,
		out:        cmd.OutOrStdout(),
		interval:   cfg.PollInterval,
		serverErr:  serverErr,
	}
	if notifier != nil {
		m.notifier = notifier
	}
	runErr := m.run(ctx, tasks)

	// Phase 1: Mark the monitor as not ready for load balancer draining
	healthChecker.SetShuttingDown()
	if server != nil {
		if cfg.ShutdownDrainWait > 0 {
			slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
			time.Sleep(cfg.ShutdownDrainWait)
		}

		// Phase 2: Stop the operations server
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Operations server shutdown error", "error", err)
		}
		cancel()
	}

	// Phase 3: Flush pending callbacks
	if notifier != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := notifier.Close(flushCtx); err != nil {
			slog.Warn("Notifier shutdown error", "error", err)
		}
		cancel()

		stats := notifier.Stats()
		slog.Info("Notifier stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	return runErr
}

// completionSink receives completion events. Implemented by *notify.Notifier.
type completionSink interface {
	Notify(c job.Completion) error
}

// monitor drives one batch of tasks from submission to completion.
type monitor struct {
	submitter  *job.Submitter
	poller     *job.Poller
	controller *job.Controller
	notifier   completionSink
	out        io.Writer
	interval   time.Duration
	serverErr  <-chan error
}

func (m *monitor) run(ctx context.Context, tasks []*job.Task) error {
	outstanding := make(map[drm.JobID]*job.Task, len(tasks))
	for _, task := range tasks {
		id, err := m.submitter.Submit(ctx, task)
		if err != nil {
			m.abort(outstanding)
			return fmt.Errorf("submit %s: %w", task.ScriptPath, err)
		}
		outstanding[id] = task
	}
	slog.Info("All tasks submitted", "count", len(outstanding))

	enc := json.NewEncoder(m.out)
	failed := 0
	for len(outstanding) > 0 {
		c := m.poller.Wait(ctx, outstanding)
		for c.Next() {
			completion := c.Completion()
			if !completion.Info.Successful {
				failed++
			}
			if err := enc.Encode(newCompletionRecord(completion)); err != nil {
				slog.Error("Failed to write completion", "uid", completion.Task.UID, "error", err)
			}
			if m.notifier != nil {
				if err := m.notifier.Notify(completion); err != nil {
					slog.Warn("Completion not queued for callback", "uid", completion.Task.UID, "error", err)
				}
			}
		}
		if err := c.Err(); err != nil {
			m.abort(outstanding)
			return err
		}

		select {
		case err := <-m.serverErr:
			m.abort(outstanding)
			return fmt.Errorf("operations server failed: %w", err)
		default:
		}

		if m.interval > 0 && len(outstanding) > 0 {
			select {
			case <-ctx.Done():
				m.abort(outstanding)
				return ctx.Err()
			case <-time.After(m.interval):
			}
		}
	}

	if failed > 0 {
		return &exitError{code: exitTasksFailed, err: fmt.Errorf("%d of %d tasks failed", failed, len(tasks))}
	}
	slog.Info("All tasks finished successfully", "count", len(tasks))
	return nil
}

// abort terminates every job still outstanding. It runs on a context that
// outlives the cancelled one so the kills reach the resource manager.
func (m *monitor) abort(outstanding map[drm.JobID]*job.Task) {
	if len(outstanding) == 0 {
		return
	}
	slog.Warn("Terminating outstanding jobs", "count", len(outstanding))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tasks := make([]*job.Task, 0, len(outstanding))
	for _, t := range outstanding {
		tasks = append(tasks, t)
	}
	if err := m.controller.KillMany(ctx, tasks); err != nil {
		slog.Error("Some jobs could not be terminated", "error", err)
	}
}
