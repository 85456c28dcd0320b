package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 100 * time.Millisecond

// guard admits one invocation at a time: a single-slot semaphore inside the
// process and, optionally, a flock on a shared lock file across processes.
type guard struct {
	slot  chan struct{}
	lock  *flock.Flock
	queue bool
}

func newGuard(lockPath string, queue bool) (*guard, error) {
	g := &guard{slot: make(chan struct{}, 1), queue: queue}
	if lockPath != "" {
		if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
			return nil, fmt.Errorf("create pipeline lock dir: %w", err)
		}
		g.lock = flock.New(lockPath)
	}
	return g, nil
}

// acquire returns a release func once the caller holds the slot. In reject
// mode it fails fast with ErrBusy; in queue mode it waits until ctx ends.
func (g *guard) acquire(ctx context.Context) (func(), error) {
	if g.queue {
		select {
		case g.slot <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for pipeline slot: %v", ErrCanceled, context.Cause(ctx))
		}
	} else {
		select {
		case g.slot <- struct{}{}:
		default:
			return nil, ErrBusy
		}
	}
	releaseSlot := func() { <-g.slot }

	if g.lock == nil {
		return releaseSlot, nil
	}

	var locked bool
	var err error
	if g.queue {
		locked, err = g.lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = g.lock.TryLock()
	}
	if err != nil {
		releaseSlot()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: waiting for pipeline lock: %v", ErrCanceled, context.Cause(ctx))
		}
		return nil, fmt.Errorf("%w: pipeline lock: %v", ErrStartFailed, err)
	}
	if !locked {
		releaseSlot()
		return nil, fmt.Errorf("%w: held by another process", ErrBusy)
	}
	return func() {
		_ = g.lock.Unlock()
		releaseSlot()
	}, nil
}

// busy reports whether an invocation currently holds the in-process slot.
func (g *guard) busy() bool {
	return len(g.slot) > 0
}
