package watch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"conewatch/internal/logging"
)

const (
	defaultPollInterval = time.Second
	defaultSettleDelay  = 100 * time.Millisecond
)

// Handler receives the basenames reported by one detection cycle. It is only
// called with a non-empty slice.
type Handler func(ctx context.Context, files []string)

// Monitor runs a Detector on a fixed cadence until its context ends.
type Monitor struct {
	detector *Detector
	set      *WatchSet
	interval time.Duration
	settle   time.Duration
	handler  Handler
	fsnotify bool
	logger   *slog.Logger
}

// MonitorOption customizes a Monitor.
type MonitorOption func(*Monitor)

// WithInterval overrides the polling cadence.
func WithInterval(interval time.Duration) MonitorOption {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithFSNotify enables filesystem events on the artifacts' directories as an
// early trigger for a detection cycle. Whether a file changed is still
// decided by comparing modification times.
func WithFSNotify(enabled bool) MonitorOption {
	return func(m *Monitor) {
		m.fsnotify = enabled
	}
}

// WithSettleDelay sets how long to wait after a filesystem event before
// polling, so bursts of writes collapse into one cycle.
func WithSettleDelay(delay time.Duration) MonitorOption {
	return func(m *Monitor) {
		if delay > 0 {
			m.settle = delay
		}
	}
}

// WithMonitorLogger attaches a logger.
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor constructs a Monitor for set. The Monitor owns the Detector it
// builds; nothing else should poll it.
func NewMonitor(set *WatchSet, handler Handler, detectorOpts []DetectorOption, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		set:      set,
		interval: defaultPollInterval,
		settle:   defaultSettleDelay,
		handler:  handler,
	}
	for _, opt := range opts {
		opt(m)
	}
	detectorOpts = append([]DetectorOption{WithLogger(m.logger)}, detectorOpts...)
	m.detector = NewDetector(set, detectorOpts...)
	m.logger = m.detector.logger
	return m
}

// Run primes the Detector and then polls until ctx ends. It returns nil on
// cancellation; detection errors never stop the loop.
func (m *Monitor) Run(ctx context.Context) error {
	if m == nil || m.detector == nil {
		return errors.New("watch monitor is not configured")
	}
	m.detector.Prime()

	events, closeWatcher := m.startNotifier()
	defer closeWatcher()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("artifact monitor started",
		logging.Int("artifacts", m.set.Len()),
		logging.Duration("interval", m.interval),
		logging.Bool("fsnotify", events != nil),
		logging.String(logging.FieldEventType, "monitor_started"),
	)

	var settle *time.Timer
	var settleC <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("artifact monitor stopped", logging.String(logging.FieldEventType, "monitor_stopped"))
			return nil
		case <-ticker.C:
			m.cycle(ctx)
		case name, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !m.set.Contains(name) || settleC != nil {
				continue
			}
			settle = time.NewTimer(m.settle)
			settleC = settle.C
		case <-settleC:
			settleC = nil
			settle = nil
			m.cycle(ctx)
		}
	}
}

func (m *Monitor) cycle(ctx context.Context) {
	changed := m.detector.Poll()
	if len(changed) == 0 || m.handler == nil {
		return
	}
	m.logger.Debug("artifacts changed", logging.Any("files", changed))
	m.handler(ctx, changed)
}

// startNotifier returns a channel of changed paths, or nil when filesystem
// events are disabled or unavailable.
func (m *Monitor) startNotifier() (<-chan string, func()) {
	noop := func() {}
	if !m.fsnotify {
		return nil, noop
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.WarnWithContext(m.logger, "filesystem notifier unavailable; polling only", "fsnotify_unavailable",
			logging.Error(err),
			logging.String(logging.FieldImpact, "changes are detected on the polling interval only"),
		)
		return nil, noop
	}
	added := 0
	for _, dir := range m.set.Dirs() {
		if err := watcher.Add(dir); err != nil {
			logging.WarnWithContext(m.logger, "cannot watch artifact directory; polling only for it", "fsnotify_add_failed",
				logging.String("dir", dir),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "create the output directory before starting the daemon"),
				logging.String(logging.FieldImpact, "changes are detected on the polling interval only"),
			)
			continue
		}
		added++
	}
	if added == 0 {
		_ = watcher.Close()
		return nil, noop
	}

	out := make(chan string, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Chmod) {
					continue
				}
				select {
				case out <- filepath.Clean(event.Name):
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Debug("filesystem notifier error", logging.Error(err))
			}
		}
	}()
	return out, func() {
		close(done)
		_ = watcher.Close()
	}
}
