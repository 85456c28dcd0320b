package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	}
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func newSet(dir string, names ...string) *WatchSet {
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
	}
	return NewWatchSet(paths)
}

func TestNewWatchSetCollapsesDuplicates(t *testing.T) {
	set := NewWatchSet([]string{"/out/a.json", "/out/./a.json", "", "  ", "/out/b.png"})
	assert.Equal(t, []string{"/out/a.json", "/out/b.png"}, set.Paths())
	assert.Equal(t, []string{"/out"}, set.Dirs())
	assert.True(t, set.Contains("/out/b.png"))
	assert.False(t, set.Contains("/out/c.png"))
}

func TestPrimeIsSilentAndPollReportsStrictIncrease(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	touch(t, filepath.Join(dir, "detected_cones.json"), base)

	d := NewDetector(newSet(dir, "detected_cones.json", "detected_cones.png"))
	d.Prime()
	assert.Empty(t, d.Poll(), "existing files must not be reported after priming")

	touch(t, filepath.Join(dir, "detected_cones.json"), base.Add(time.Second))
	assert.Equal(t, []string{"detected_cones.json"}, d.Poll())
	assert.Empty(t, d.Poll(), "a change is reported once")

	// tie
	touch(t, filepath.Join(dir, "detected_cones.json"), base.Add(time.Second))
	assert.Empty(t, d.Poll())

	// decrease
	touch(t, filepath.Join(dir, "detected_cones.json"), base)
	assert.Empty(t, d.Poll())
}

func TestPollReportsInConfiguredOrder(t *testing.T) {
	dir := t.TempDir()
	d := NewDetector(newSet(dir, "original_image.png", "detected_cones.json", "odometry_matches.png"))
	d.Prime()

	now := time.Now().Truncate(time.Second)
	touch(t, filepath.Join(dir, "odometry_matches.png"), now)
	touch(t, filepath.Join(dir, "original_image.png"), now)

	assert.Equal(t, []string{"original_image.png", "odometry_matches.png"}, d.Poll())
}

func TestMissingFileIsNotAChange(t *testing.T) {
	dir := t.TempDir()
	d := NewDetector(newSet(dir, "missing.json"))
	d.Prime()
	assert.Empty(t, d.Poll())
	assert.Empty(t, d.Poll())
}

func TestDeletedFileYieldsNoFurtherEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "detected_cones.png")
	d := NewDetector(newSet(dir, "detected_cones.png"))
	d.Prime()

	touch(t, path, time.Now().Truncate(time.Second))
	require.Equal(t, []string{"detected_cones.png"}, d.Poll())

	require.NoError(t, os.Remove(path))
	for i := 0; i < 3; i++ {
		assert.Empty(t, d.Poll())
	}
}

func TestStatErrorIsTreatedAsUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "detected_cones.json")
	touch(t, path, time.Now().Truncate(time.Second))

	failing := true
	stat := func(p string) (fs.FileInfo, error) {
		if failing {
			return nil, fs.ErrPermission
		}
		return os.Stat(p)
	}
	d := NewDetector(newSet(dir, "detected_cones.json"), WithStat(stat))
	d.Prime()
	assert.Empty(t, d.Poll())

	failing = false
	assert.Equal(t, []string{"detected_cones.json"}, d.Poll(), "recovered stat reports the pending change")
}

type recordingHandler struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingHandler) handle(_ context.Context, files []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), files...))
}

func (r *recordingHandler) snapshot() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

func TestMonitorDeliversChangesUntilCanceled(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "original_image.png")
	touch(t, existing, time.Now().Add(-time.Minute))

	rec := &recordingHandler{}
	mon := NewMonitor(newSet(dir, "original_image.png", "detected_cones.json"), rec.handle, nil,
		WithInterval(20*time.Millisecond),
		WithFSNotify(false),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	time.Sleep(60 * time.Millisecond)
	touch(t, filepath.Join(dir, "detected_cones.json"), time.Now().Add(time.Second))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]string{{"detected_cones.json"}}, rec.snapshot())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}

func TestMonitorWakesOnFilesystemEvent(t *testing.T) {
	dir := t.TempDir()
	rec := &recordingHandler{}
	mon := NewMonitor(newSet(dir, "detected_cones.json"), rec.handle, nil,
		WithInterval(time.Hour),
		WithFSNotify(true),
		WithSettleDelay(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mon.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "detected_cones.json"), []byte("[]"), 0o644))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"detected_cones.json"}, rec.snapshot()[0])
}
