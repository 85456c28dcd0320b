package watch

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"conewatch/internal/logging"
)

// StatFunc reports file metadata. os.Stat is used unless overridden.
type StatFunc func(path string) (fs.FileInfo, error)

// Detector compares artifact modification times against the WatchSet's
// memory. It is not safe for concurrent use; a single Monitor goroutine owns it.
type Detector struct {
	set    *WatchSet
	stat   StatFunc
	logger *slog.Logger
}

// DetectorOption customizes a Detector.
type DetectorOption func(*Detector)

// WithStat overrides the stat implementation.
func WithStat(stat StatFunc) DetectorOption {
	return func(d *Detector) {
		if stat != nil {
			d.stat = stat
		}
	}
}

// WithLogger attaches a logger used for stat failures.
func WithLogger(logger *slog.Logger) DetectorOption {
	return func(d *Detector) {
		d.logger = logger
	}
}

// NewDetector constructs a Detector over set.
func NewDetector(set *WatchSet, opts ...DetectorOption) *Detector {
	d := &Detector{set: set, stat: os.Stat}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.NewComponentLogger(d.logger, "watch")
	return d
}

// Prime records current modification times without reporting them, so files
// that already exist at startup are not announced as new.
func (d *Detector) Prime() {
	d.scan()
}

// Poll performs one detection cycle and returns the basenames whose
// modification time strictly advanced since the previous cycle, in configured
// order. The newer time is recorded in the same pass.
func (d *Detector) Poll() []string {
	return d.scan()
}

func (d *Detector) scan() []string {
	if d == nil || d.set == nil {
		return nil
	}
	var changed []string
	for i := range d.set.artifacts {
		artifact := &d.set.artifacts[i]
		current, ok := d.modTime(artifact.Path)
		if !ok {
			continue
		}
		if current.After(artifact.LastSeen) {
			artifact.LastSeen = current
			changed = append(changed, artifact.Name())
		}
	}
	return changed
}

// modTime returns the zero time for missing files. ok is false when the stat
// failed for another reason; the cycle then treats the artifact as unchanged.
func (d *Detector) modTime(path string) (time.Time, bool) {
	info, err := d.stat(path)
	if err == nil {
		if info.IsDir() {
			return time.Time{}, true
		}
		return info.ModTime(), true
	}
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, true
	}
	logging.WarnWithContext(d.logger, "artifact stat failed; treating as unchanged", "artifact_stat_failed",
		logging.String("path", path),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check permissions on the output directory"),
		logging.String(logging.FieldImpact, "change notifications for this file are delayed"),
	)
	return time.Time{}, false
}
