package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"conewatch/internal/config"
	"conewatch/internal/pipeline"
	"conewatch/internal/testsupport"
)

// spyRunner records calls and, when gate is set, blocks until released or
// the context ends.
type spyRunner struct {
	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
	entered chan struct{}
	gate    chan struct{}
	output  pipeline.Output
	err     error

	mu   sync.Mutex
	cmds []pipeline.Command
}

func newSpyRunner() *spyRunner {
	return &spyRunner{entered: make(chan struct{}, 8)}
}

func (s *spyRunner) Run(ctx context.Context, cmd pipeline.Command) (pipeline.Output, error) {
	s.calls.Add(1)
	now := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		prev := s.maxSeen.Load()
		if now <= prev || s.maxSeen.CompareAndSwap(prev, now) {
			break
		}
	}
	s.mu.Lock()
	s.cmds = append(s.cmds, cmd)
	s.mu.Unlock()
	s.entered <- struct{}{}

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return pipeline.Output{}, context.Cause(ctx)
		}
	}
	return s.output, s.err
}

func (s *spyRunner) commands() []pipeline.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipeline.Command(nil), s.cmds...)
}

type memoryRecorder struct {
	mu      sync.Mutex
	results []pipeline.Result
}

func (m *memoryRecorder) Record(_ context.Context, result pipeline.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

func (m *memoryRecorder) all() []pipeline.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pipeline.Result(nil), m.results...)
}

func newInvoker(t *testing.T, cfg *config.Config, opts ...pipeline.Option) *pipeline.Invoker {
	t.Helper()
	inv, err := pipeline.New(cfg, opts...)
	require.NoError(t, err)
	return inv
}

// processAlive treats zombies as dead; they have exited but not been reaped.
func processAlive(pid int) bool {
	if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
		return false
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data)[strings.LastIndexByte(string(data), ')')+1:])
	return len(fields) > 0 && fields[0] != "Z"
}

func readPID(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	return pid
}

func TestParseStep(t *testing.T) {
	for _, raw := range []string{"1", "2", "3", "all"} {
		step, err := pipeline.ParseStep(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, raw, step.String())
	}
	for _, raw := range []string{"", "4", "ALL", "x", "1 2"} {
		_, err := pipeline.ParseStep(raw)
		assert.ErrorIs(t, err, pipeline.ErrInvalidStep, raw)
	}
	assert.Empty(t, pipeline.StepAll.Args())
	assert.Equal(t, []string{"3"}, pipeline.StepThree.Args())
}

func TestInvokeAllSucceedsWithStdout(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithPipelineScript(`printf 'args=%s\n' "$#"; echo "detections written"; echo "note" >&2`))
	rec := &memoryRecorder{}
	inv := newInvoker(t, cfg, pipeline.WithRecorder(rec))

	result := inv.Invoke(context.Background(), "all")

	require.True(t, result.Success, "result: %+v", result)
	assert.Equal(t, pipeline.OutcomeSucceeded, result.Outcome)
	assert.Equal(t, "args=0\ndetections written\n", result.Stdout)
	assert.Equal(t, "note\n", result.Stderr)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)
	assert.False(t, result.TimedOut)
	assert.NotEmpty(t, result.ID)
	assert.NoError(t, result.Err())
	assert.Equal(t, "Pipeline step all completed successfully", result.Message())
	assert.Equal(t, result.Stdout, result.Output())

	recorded := rec.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, result.ID, recorded[0].ID)
}

func TestInvokeNumberedStepPassesArgument(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithPipelineScript(`echo "$#:$1"; pwd`))
	inv := newInvoker(t, cfg)

	result := inv.Invoke(context.Background(), "2")
	require.True(t, result.Success, "result: %+v", result)
	lines := strings.Split(strings.TrimSpace(result.Stdout), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "1:2", lines[0])
	resolvedWant, err := filepath.EvalSymlinks(cfg.Pipeline.WorkDir)
	require.NoError(t, err)
	resolvedGot, err := filepath.EvalSymlinks(lines[1])
	require.NoError(t, err)
	assert.Equal(t, resolvedWant, resolvedGot, "process runs in the configured work dir")
}

func TestInvokeNonZeroExit(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithPipelineScript(`echo "partial"; echo "cannot open data/frame.png" >&2; exit 3`))
	inv := newInvoker(t, cfg)

	result := inv.Invoke(context.Background(), "1")
	assert.False(t, result.Success)
	assert.Equal(t, pipeline.OutcomeNonZeroExit, result.Outcome)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 3, *result.ExitCode)
	assert.Equal(t, "cannot open data/frame.png\n", result.Stderr)
	assert.Equal(t, "partial\n", result.Stdout)
	assert.ErrorIs(t, result.Err(), pipeline.ErrNonZeroExit)
	assert.Equal(t, "Pipeline failed with code 3", result.Message())
	assert.Equal(t, result.Stderr, result.Output())
}

func TestInvokeTimeoutKillsProcessGroup(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithPipelineTimeout(1),
		testsupport.WithPipelineScript(`sleep 30 &
echo $! > child.pid
echo $$ > parent.pid
wait`),
	)
	inv := newInvoker(t, cfg)

	started := time.Now()
	result := inv.Invoke(context.Background(), "1")
	elapsed := time.Since(started)

	assert.False(t, result.Success)
	assert.Equal(t, pipeline.OutcomeTimeout, result.Outcome)
	assert.True(t, result.TimedOut)
	assert.Nil(t, result.ExitCode)
	assert.ErrorIs(t, result.Err(), pipeline.ErrTimeout)
	assert.Less(t, elapsed, 10*time.Second)
	assert.GreaterOrEqual(t, elapsed, time.Second)

	base := testsupport.BaseDir(cfg)
	parent := readPID(t, filepath.Join(base, "parent.pid"))
	child := readPID(t, filepath.Join(base, "child.pid"))
	assert.False(t, processAlive(parent), "pipeline process survived timeout")
	assert.Eventually(t, func() bool { return !processAlive(child) }, 3*time.Second, 20*time.Millisecond,
		"pipeline child process survived timeout")
}

func TestInvokeInvalidStepSpawnsNothing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	spy := newSpyRunner()
	rec := &memoryRecorder{}
	inv := newInvoker(t, cfg, pipeline.WithRunner(spy), pipeline.WithRecorder(rec))

	result := inv.Invoke(context.Background(), "x")

	assert.False(t, result.Success)
	assert.Equal(t, pipeline.OutcomeInvalidStep, result.Outcome)
	assert.ErrorIs(t, result.Err(), pipeline.ErrInvalidStep)
	assert.Equal(t, "x", result.Step)
	assert.Zero(t, spy.calls.Load())
	assert.Len(t, rec.all(), 1)
}

func TestInvokeMissingExecutable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	inv := newInvoker(t, cfg)

	result := inv.Invoke(context.Background(), "all")
	assert.False(t, result.Success)
	assert.Equal(t, pipeline.OutcomeExecutableNotFound, result.Outcome)
	assert.ErrorIs(t, result.Err(), pipeline.ErrExecutableNotFound)
	assert.Nil(t, result.ExitCode)
}

func TestInvokeBareNameMissingFromPath(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pipeline.Binary = "conewatch-no-such-pipeline"
	inv := newInvoker(t, cfg)

	result := inv.Invoke(context.Background(), "3")
	assert.Equal(t, pipeline.OutcomeExecutableNotFound, result.Outcome)
}

func TestConcurrentInvokeRejectsSecondCaller(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	spy := newSpyRunner()
	spy.gate = make(chan struct{})
	inv := newInvoker(t, cfg, pipeline.WithRunner(spy))

	first := make(chan pipeline.Result, 1)
	go func() { first <- inv.Invoke(context.Background(), "all") }()
	<-spy.entered
	assert.True(t, inv.Running())

	second := inv.Invoke(context.Background(), "1")
	assert.Equal(t, pipeline.OutcomeBusy, second.Outcome)
	assert.ErrorIs(t, second.Err(), pipeline.ErrBusy)

	close(spy.gate)
	res := <-first
	assert.True(t, res.Success)
	assert.Equal(t, int32(1), spy.calls.Load())
	assert.Equal(t, int32(1), spy.maxSeen.Load())
	assert.False(t, inv.Running())
}

func TestConcurrentInvokeQueuesWhenConfigured(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithConcurrency(config.PolicyQueue))
	spy := newSpyRunner()
	spy.gate = make(chan struct{})
	inv := newInvoker(t, cfg, pipeline.WithRunner(spy))

	results := make(chan pipeline.Result, 3)
	for i := 0; i < 3; i++ {
		go func() { results <- inv.Invoke(context.Background(), "all") }()
	}
	<-spy.entered
	close(spy.gate)

	for i := 0; i < 3; i++ {
		res := <-results
		assert.True(t, res.Success, "result %d: %+v", i, res)
	}
	assert.Equal(t, int32(3), spy.calls.Load())
	assert.Equal(t, int32(1), spy.maxSeen.Load(), "invocations overlapped")
}

func TestQueuedInvokeHonorsCallerContext(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithConcurrency(config.PolicyQueue))
	spy := newSpyRunner()
	spy.gate = make(chan struct{})
	defer close(spy.gate)
	inv := newInvoker(t, cfg, pipeline.WithRunner(spy))

	go inv.Invoke(context.Background(), "all")
	<-spy.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := inv.Invoke(ctx, "2")
	assert.Equal(t, pipeline.OutcomeCanceled, res.Outcome)
	assert.ErrorIs(t, res.Err(), pipeline.ErrCanceled)
}

func TestCrossProcessLockRejectsOtherInvoker(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	require.NotEmpty(t, cfg.PipelineLockPath())

	spy := newSpyRunner()
	spy.gate = make(chan struct{})
	holder := newInvoker(t, cfg, pipeline.WithRunner(spy))
	other := newInvoker(t, cfg, pipeline.WithRunner(newSpyRunner()))

	done := make(chan pipeline.Result, 1)
	go func() { done <- holder.Invoke(context.Background(), "all") }()
	<-spy.entered

	res := other.Invoke(context.Background(), "all")
	assert.Equal(t, pipeline.OutcomeBusy, res.Outcome)

	close(spy.gate)
	assert.True(t, (<-done).Success)

	spy2 := newSpyRunner()
	again := newInvoker(t, cfg, pipeline.WithRunner(spy2))
	assert.True(t, again.Invoke(context.Background(), "all").Success, "lock released after run")
}

func TestInvokeOutlivesCallerContext(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	spy := newSpyRunner()
	spy.gate = make(chan struct{})
	inv := newInvoker(t, cfg, pipeline.WithRunner(spy))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan pipeline.Result, 1)
	go func() { done <- inv.Invoke(ctx, "all") }()
	<-spy.entered
	cancel()

	select {
	case res := <-done:
		t.Fatalf("run ended with the caller: %s", res.Outcome)
	case <-time.After(100 * time.Millisecond):
	}
	close(spy.gate)

	res := <-done
	assert.True(t, res.Success)
	assert.Equal(t, pipeline.OutcomeSucceeded, res.Outcome)
}

func TestCancelRunningStopsInFlightInvocation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	spy := newSpyRunner()
	spy.gate = make(chan struct{})
	defer close(spy.gate)
	inv := newInvoker(t, cfg, pipeline.WithRunner(spy))

	done := make(chan pipeline.Result, 1)
	go func() { done <- inv.Invoke(context.Background(), "all") }()
	<-spy.entered
	inv.CancelRunning()

	res := <-done
	assert.Equal(t, pipeline.OutcomeCanceled, res.Outcome)
	assert.False(t, res.TimedOut)
	require.ErrorIs(t, res.Err(), pipeline.ErrCanceled)

	// The next run is not affected.
	spy2 := newSpyRunner()
	again := newInvoker(t, cfg, pipeline.WithRunner(spy2))
	assert.True(t, again.Invoke(context.Background(), "all").Success)
}

// gatedRecorder blocks its first Record call until release is closed.
type gatedRecorder struct {
	memoryRecorder
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedRecorder() *gatedRecorder {
	return &gatedRecorder{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedRecorder) Record(ctx context.Context, result pipeline.Result) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.memoryRecorder.Record(ctx, result)
}

func TestSlowRecorderDoesNotHoldSlot(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	spy := newSpyRunner()
	spy.output = pipeline.Output{ExitCode: 1, Exited: true}
	spy.err = fmt.Errorf("%w: exit code 1", pipeline.ErrNonZeroExit)
	recorder := newGatedRecorder()
	inv := newInvoker(t, cfg, pipeline.WithRunner(spy), pipeline.WithRecorder(recorder))

	done := make(chan pipeline.Result, 1)
	go func() { done <- inv.Invoke(context.Background(), "all") }()
	<-recorder.entered

	assert.False(t, inv.Running())
	second := inv.Invoke(context.Background(), "2")
	assert.Equal(t, pipeline.OutcomeNonZeroExit, second.Outcome, "slot must be free while the first result is recorded")

	close(recorder.release)
	assert.Equal(t, pipeline.OutcomeNonZeroExit, (<-done).Outcome)
	assert.Len(t, recorder.all(), 2)
}

func TestAsyncRecorderDoesNotDelayCaller(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	recorder := newGatedRecorder()
	inv := newInvoker(t, cfg, pipeline.WithRunner(newSpyRunner()), pipeline.WithAsyncRecorder(recorder))

	done := make(chan pipeline.Result, 1)
	go func() { done <- inv.Invoke(context.Background(), "all") }()

	select {
	case res := <-done:
		assert.True(t, res.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("Invoke waited for an async recorder")
	}
	<-recorder.entered
	assert.Empty(t, recorder.all())

	close(recorder.release)
	inv.Wait()
	require.Len(t, recorder.all(), 1)
	assert.Equal(t, pipeline.OutcomeSucceeded, recorder.all()[0].Outcome)
}

func TestInvokeUsesConfiguredCommand(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	spy := newSpyRunner()
	inv := newInvoker(t, cfg, pipeline.WithRunner(spy))

	inv.Invoke(context.Background(), "3")
	inv.Invoke(context.Background(), "all")

	cmds := spy.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, cfg.Pipeline.Binary, cmds[0].Binary)
	assert.Equal(t, []string{"3"}, cmds[0].Args)
	assert.Empty(t, cmds[1].Args)
	assert.Equal(t, cfg.Pipeline.WorkDir, cmds[1].Dir)
}
