// Package daemonrun hosts the serve loop: logging setup, history, the daemon
// itself and signal-driven shutdown.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"conewatch/internal/config"
	"conewatch/internal/daemon"
	"conewatch/internal/deps"
	"conewatch/internal/history"
	"conewatch/internal/logging"
	"conewatch/internal/preflight"
)

const logStreamCapacity = 4096

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// Ready, when set, is called once the daemon is serving.
	Ready func(d *daemon.Daemon)
}

// Run starts the conewatch daemon and blocks until ctx ends or the process
// receives SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("conewatch-%s.log", runID))
	logHub := logging.NewStreamHub(logStreamCapacity)

	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
		Stream:           logHub,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update conewatch.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "conewatch-*.log", Exclude: []string{logPath}},
	)
	logDependencySnapshot(logger, cfg)

	pidPath := PIDPath(cfg)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	daemonOpts := []daemon.Option{daemon.WithLogStream(logHub)}
	if cfg.History.Enabled {
		store, err := history.Open(cfg)
		if err != nil {
			logging.ErrorWithContext(logger, "open history store", "history_open_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check history.path or disable history"),
			)
			return err
		}
		defer store.Close()
		daemonOpts = append(daemonOpts, daemon.WithHistory(store))
	}

	d, err := daemon.New(cfg, logger, daemonOpts...)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check server.bind and that no other daemon is running"),
		)
		return err
	}
	if opts.Ready != nil {
		opts.Ready(d)
	}

	<-signalCtx.Done()
	logger.Info("conewatch daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

// PIDPath returns where a running daemon records its process ID.
func PIDPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.StateDir, "conewatch.pid")
}

// ReadPID returns the PID recorded by a running daemon.
func ReadPID(cfg *config.Config) (int, error) {
	data, err := os.ReadFile(PIDPath(cfg))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file: %w", err)
	}
	return pid, nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "conewatch.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	statuses := preflight.CheckSystemDeps(cfg)
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.String("pipeline_work_dir", cfg.Pipeline.WorkDir),
		logging.Duration("pipeline_timeout", cfg.PipelineTimeout()),
		logging.String("concurrency", cfg.Pipeline.Concurrency),
		logging.Bool("cross_process_lock", cfg.Pipeline.CrossProcess),
		logging.Bool("history_enabled", cfg.History.Enabled),
	}
	for _, status := range statuses {
		key := strings.ToLower(status.Name)
		attrs = append(attrs,
			logging.Bool(key+"_available", status.Available),
			logging.String(key+"_binary", status.Command),
		)
	}
	logger.Info("dependency snapshot", logging.Args(attrs...)...)
	for _, missing := range deps.Missing(statuses) {
		logging.WarnWithContext(logger, "pipeline executable unavailable", "dependency_missing",
			logging.String("binary", missing.Command),
			logging.String("detail", missing.Detail),
			logging.String(logging.FieldErrorHint, "build the pipeline or set pipeline.binary"),
			logging.String(logging.FieldImpact, "run-pipeline requests will fail until it exists"),
		)
	}
}
