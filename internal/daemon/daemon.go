package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"conewatch/internal/config"
	"conewatch/internal/deps"
	"conewatch/internal/history"
	"conewatch/internal/logging"
	"conewatch/internal/notifications"
	"conewatch/internal/notify"
	"conewatch/internal/params"
	"conewatch/internal/pipeline"
	"conewatch/internal/preflight"
	"conewatch/internal/watch"
)

var (
	// ErrAlreadyRunning reports a second Start on the same Daemon.
	ErrAlreadyRunning = errors.New("daemon already running")
	// ErrLocked reports that another conewatch daemon holds the instance lock.
	ErrLocked = errors.New("another conewatch daemon instance is already running")
	// ErrNotFound reports a requested file or record that does not exist.
	ErrNotFound = errors.New("not found")
)

// Option customizes a Daemon.
type Option func(*Daemon)

// WithHistory records every invocation into store. The daemon does not close
// the store.
func WithHistory(store *history.Store) Option {
	return func(d *Daemon) {
		d.history = store
	}
}

// WithLogStream exposes hub through the log endpoint.
func WithLogStream(hub *logging.StreamHub) Option {
	return func(d *Daemon) {
		d.stream = hub
	}
}

// WithPipelineOptions passes extra options to the pipeline invoker.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(d *Daemon) {
		d.pipelineOpts = append(d.pipelineOpts, opts...)
	}
}

// WithMonitorOptions passes extra options to the artifact monitor.
func WithMonitorOptions(opts ...watch.MonitorOption) Option {
	return func(d *Daemon) {
		d.monitorOpts = append(d.monitorOpts, opts...)
	}
}

// Daemon owns the artifact monitor, the subscriber registry, the pipeline
// invoker and the HTTP server, and enforces single-instance execution.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *notify.Registry
	dispatcher *notify.Dispatcher
	invoker    *pipeline.Invoker
	params     *params.Store
	history    *history.Store
	stream     *logging.StreamHub
	set        *watch.WatchSet
	artifacts  []string

	pipelineOpts []pipeline.Option
	monitorOpts  []watch.MonitorOption

	lockPath string
	lock     *flock.Flock

	mu          sync.Mutex
	running     atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc
	monitorDone chan struct{}
	api         *apiServer
}

// Status represents daemon runtime information.
type Status struct {
	Running           bool
	Files             map[string]bool
	ActiveConnections int
	PipelineRunning   bool
	Timestamp         time.Time
	LockFilePath      string
	Checks            []preflight.Result
	Dependencies      []deps.Status
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		registry: notify.NewRegistry(),
		params:   params.NewStore(cfg),
		lockPath: cfg.DaemonLockPath(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.lock = flock.New(d.lockPath)
	d.dispatcher = notify.NewDispatcher(d.registry, logger)
	d.artifacts = cfg.ArtifactPaths()
	d.set = watch.NewWatchSet(d.artifacts)

	pipelineOpts := []pipeline.Option{pipeline.WithLogger(logger)}
	if d.history != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithRecorder(d.history))
	}
	if cfg.Notifications.NtfyTopic != "" {
		pipelineOpts = append(pipelineOpts, pipeline.WithAsyncRecorder(notifications.NewService(cfg)))
	}
	invoker, err := pipeline.New(cfg, append(pipelineOpts, d.pipelineOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("pipeline invoker: %w", err)
	}
	d.invoker = invoker

	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the instance lock, launches the artifact monitor and
// starts serving HTTP.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return ErrAlreadyRunning
	}

	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.api.start(d.ctx); err != nil {
		d.cancel()
		d.ctx, d.cancel = nil, nil
		_ = d.lock.Unlock()
		return err
	}

	monitorOpts := []watch.MonitorOption{
		watch.WithInterval(d.cfg.PollInterval()),
		watch.WithFSNotify(d.cfg.Watch.FSNotify),
		watch.WithMonitorLogger(d.logger),
	}
	monitor := watch.NewMonitor(d.set, d.dispatcher.Notify, nil, append(monitorOpts, d.monitorOpts...)...)
	done := make(chan struct{})
	d.monitorDone = done
	go func(ctx context.Context) {
		defer close(done)
		if err := monitor.Run(ctx); err != nil {
			logging.ErrorWithContext(d.logger, "artifact monitor exited", "monitor_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "viewers no longer receive change notifications"),
			)
		}
	}(d.ctx)

	d.running.Store(true)
	d.logger.Info("conewatch daemon started",
		logging.String("lock", d.lockPath),
		logging.String("address", d.api.address()),
		logging.Int("artifacts", d.set.Len()),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	d.logPreflight(d.ctx)
	return nil
}

// Stop ends the monitor, closes subscriber connections, shuts the HTTP
// server down and releases the instance lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.monitorDone != nil {
		<-d.monitorDone
		d.monitorDone = nil
	}
	// Shutdown is the only thing besides the timeout that kills a run.
	d.invoker.CancelRunning()
	d.api.stop()
	d.invoker.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("conewatch daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

// Running reports whether Start succeeded and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Addr returns the address the HTTP server listens on, or "" when stopped.
func (d *Daemon) Addr() string {
	return d.api.address()
}

// Registry exposes the live subscriber registry.
func (d *Daemon) Registry() *notify.Registry {
	return d.registry
}

// Invoker exposes the pipeline invoker.
func (d *Daemon) Invoker() *pipeline.Invoker {
	return d.invoker
}

// LogStream returns the log hub, if any.
func (d *Daemon) LogStream() *logging.StreamHub {
	return d.stream
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	files := make(map[string]bool, len(d.artifacts))
	for _, path := range d.artifacts {
		info, err := os.Stat(path)
		files[filepath.Base(path)] = err == nil && !info.IsDir()
	}
	return Status{
		Running:           d.running.Load(),
		Files:             files,
		ActiveConnections: d.registry.Len(),
		PipelineRunning:   d.invoker.Running(),
		Timestamp:         time.Now(),
		LockFilePath:      d.lockPath,
		Checks:            preflight.RunAll(ctx, d.cfg),
		Dependencies:      preflight.CheckSystemDeps(d.cfg),
	}
}

func (d *Daemon) logPreflight(ctx context.Context) {
	for _, failed := range preflight.Failed(preflight.RunAll(ctx, d.cfg)) {
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", failed.Name),
			logging.String("detail", failed.Detail),
			logging.String(logging.FieldImpact, "pipeline runs or file requests may fail"),
		)
	}
}
