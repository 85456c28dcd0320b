package notify

import (
	"context"
	"log/slog"

	"conewatch/internal/logging"
)

// Report summarizes one broadcast pass.
type Report struct {
	Attempted int
	Delivered int
	Pruned    int
}

// Dispatcher delivers change events to a Registry snapshot.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher constructs a Dispatcher bound to registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		logger:   logging.NewComponentLogger(logger, "notify"),
	}
}

// Broadcast attempts delivery of event to every subscriber registered at the
// time of the call. Subscribers whose delivery failed are removed from the
// registry once the pass completes. An empty registry makes this a no-op.
func (d *Dispatcher) Broadcast(ctx context.Context, event ChangeEvent) Report {
	var report Report
	if d == nil || d.registry == nil {
		return report
	}
	subscribers := d.registry.Snapshot()
	if len(subscribers) == 0 {
		return report
	}

	var failed []string
	for _, sub := range subscribers {
		report.Attempted++
		if err := sub.Send(ctx, event); err != nil {
			d.logger.Debug("subscriber delivery failed",
				logging.String(logging.FieldSubscriberID, sub.ID()),
				logging.Error(err),
			)
			failed = append(failed, sub.ID())
			continue
		}
		report.Delivered++
	}

	for _, id := range failed {
		if d.registry.Remove(id) {
			report.Pruned++
		}
	}

	d.logger.Info("change notification broadcast",
		logging.Any("files", event.Files),
		logging.Int("attempted", report.Attempted),
		logging.Int("delivered", report.Delivered),
		logging.Int("pruned", report.Pruned),
		logging.String(logging.FieldEventType, "broadcast_sent"),
	)
	return report
}

// Notify adapts Broadcast to the watch handler signature.
func (d *Dispatcher) Notify(ctx context.Context, files []string) {
	if len(files) == 0 {
		return
	}
	d.Broadcast(ctx, NewReloadEvent(files))
}
