package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conewatch/internal/config"
	"conewatch/internal/logging"
)

// Recorder persists finished invocation results.
type Recorder interface {
	Record(ctx context.Context, result Result) error
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithRunner injects a custom runner (primarily for tests).
func WithRunner(runner Runner) Option {
	return func(i *Invoker) {
		if runner != nil {
			i.runner = runner
		}
	}
}

// WithRecorder hands every finished Result to recorder. Recorders run in
// the order they were added.
func WithRecorder(recorder Recorder) Option {
	return func(i *Invoker) {
		if recorder != nil {
			i.recorders = append(i.recorders, recorder)
		}
	}
}

// WithAsyncRecorder hands every finished Result to recorder on its own
// goroutine so a slow recorder never delays the caller. Wait blocks until
// pending async records are done.
func WithAsyncRecorder(recorder Recorder) Option {
	return func(i *Invoker) {
		if recorder != nil {
			i.async = append(i.async, recorder)
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Invoker) {
		i.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Invoker) {
		if now != nil {
			i.now = now
		}
	}
}

// Invoker serializes runs of the pipeline executable.
type Invoker struct {
	binary    string
	workDir   string
	timeout   time.Duration
	policy    string
	runner    Runner
	guard     *guard
	recorders []Recorder
	async     []Recorder
	pending   sync.WaitGroup
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	stop chan struct{}
}

var errShuttingDown = errors.New("invoker shutting down")

// New constructs an Invoker from the pipeline section of cfg.
func New(cfg *config.Config, opts ...Option) (*Invoker, error) {
	if cfg == nil {
		return nil, errors.New("pipeline invoker requires configuration")
	}
	binary := strings.TrimSpace(cfg.Pipeline.Binary)
	if binary == "" {
		return nil, errors.New("pipeline binary required")
	}
	timeout := cfg.PipelineTimeout()
	if timeout <= 0 {
		return nil, fmt.Errorf("pipeline timeout must be positive, got %s", timeout)
	}
	g, err := newGuard(cfg.PipelineLockPath(), cfg.Pipeline.Concurrency == config.PolicyQueue)
	if err != nil {
		return nil, err
	}
	inv := &Invoker{
		binary:  binary,
		workDir: cfg.Pipeline.WorkDir,
		timeout: timeout,
		policy:  cfg.Pipeline.Concurrency,
		runner:  ExecRunner{},
		guard:   g,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(inv)
	}
	inv.logger = logging.NewComponentLogger(inv.logger, "pipeline")
	return inv, nil
}

// Binary returns the configured executable.
func (i *Invoker) Binary() string { return i.binary }

// Timeout returns the per-invocation wall-clock bound.
func (i *Invoker) Timeout() time.Duration { return i.timeout }

// Policy returns the concurrency policy.
func (i *Invoker) Policy() string { return i.policy }

// Running reports whether an invocation is in flight in this process.
func (i *Invoker) Running() bool { return i.guard.busy() }

// Invoke runs the pipeline for step and returns its Result. Invalid steps
// are rejected before anything is spawned. ctx only bounds the wait for the
// slot in queue mode; an admitted run is stopped by the timeout or
// CancelRunning, never by the caller going away. Synchronous recorders run
// after the slot is released.
func (i *Invoker) Invoke(ctx context.Context, step string) Result {
	result := Result{
		ID:        uuid.NewString(),
		Step:      step,
		StartedAt: i.now().UTC(),
	}
	ctx = logging.WithStep(logging.WithInvocationID(ctx, result.ID), step)
	logger := logging.WithContext(ctx, i.logger)

	parsed, err := ParseStep(step)
	if err != nil {
		result.Outcome = OutcomeInvalidStep
		logger.Info("pipeline request rejected",
			logging.String("reason", "invalid step"),
			logging.String(logging.FieldEventType, "pipeline_invalid_step"),
		)
		return i.finish(ctx, result)
	}
	result.Step = parsed.String()

	release, err := i.guard.acquire(ctx)
	if err != nil {
		result.Outcome = outcomeFor(err)
		if result.Outcome != OutcomeBusy {
			result.Detail = err.Error()
		}
		logger.Info("pipeline request not admitted",
			logging.String("outcome", string(result.Outcome)),
			logging.String("policy", i.policy),
			logging.String(logging.FieldEventType, "pipeline_not_admitted"),
		)
		return i.finish(ctx, result)
	}
	result = i.execute(ctx, logger, parsed, result)
	release()
	return i.finish(ctx, result)
}

// CancelRunning kills any invocation in flight. Later invocations run
// normally.
func (i *Invoker) CancelRunning() {
	i.mu.Lock()
	defer i.mu.Unlock()
	close(i.stop)
	i.stop = make(chan struct{})
}

// Wait blocks until every async recorder has finished.
func (i *Invoker) Wait() {
	i.pending.Wait()
}

// execute runs the admitted invocation. The caller's cancellation is
// ignored from here on: only the timeout or CancelRunning stop the process.
func (i *Invoker) execute(ctx context.Context, logger *slog.Logger, parsed Step, result Result) Result {
	i.mu.Lock()
	stop := i.stop
	i.mu.Unlock()

	detached, abort := context.WithCancelCause(context.WithoutCancel(ctx))
	defer abort(nil)
	go func() {
		select {
		case <-stop:
			abort(errShuttingDown)
		case <-detached.Done():
		}
	}()
	runCtx, cancel := context.WithTimeoutCause(detached, i.timeout, ErrTimeout)
	defer cancel()

	start := i.now()
	result.StartedAt = start.UTC()
	logger.Info("pipeline started",
		logging.String("binary", i.binary),
		logging.Duration("timeout", i.timeout),
		logging.String(logging.FieldEventType, "pipeline_started"),
	)

	out, runErr := i.runner.Run(runCtx, Command{Binary: i.binary, Args: parsed.Args(), Dir: i.workDir})
	result.Duration = i.now().Sub(start)
	result.Stdout = out.Stdout
	result.Stderr = out.Stderr

	if runErr != nil && runCtx.Err() != nil {
		runErr = contextFailure(runCtx)
	}
	result.Outcome = outcomeFor(runErr)
	switch result.Outcome {
	case OutcomeSucceeded:
		result.Success = true
		code := 0
		result.ExitCode = &code
	case OutcomeNonZeroExit:
		code := out.ExitCode
		result.ExitCode = &code
	case OutcomeTimeout:
		result.TimedOut = true
	default:
		result.Detail = runErr.Error()
	}

	if result.Success {
		logger.Info("pipeline finished",
			logging.Duration("duration", result.Duration),
			logging.Int("stdout_bytes", len(result.Stdout)),
			logging.String(logging.FieldEventType, "pipeline_succeeded"),
		)
	} else {
		logging.WarnWithContext(logger, "pipeline failed", "pipeline_failed",
			logging.String("outcome", string(result.Outcome)),
			logging.Duration("duration", result.Duration),
			logging.Error(result.Err()),
			logging.String(logging.FieldErrorHint, hintFor(result.Outcome)),
			logging.String(logging.FieldImpact, "output artifacts were not refreshed by this run"),
		)
	}
	return result
}

// finish runs after the slot is released so recorders never hold it.
func (i *Invoker) finish(ctx context.Context, result Result) Result {
	// Detached: the requesting client may already be gone.
	recordCtx := context.WithoutCancel(ctx)
	for _, recorder := range i.recorders {
		i.record(recordCtx, recorder, result)
	}
	for _, recorder := range i.async {
		i.pending.Add(1)
		go func() {
			defer i.pending.Done()
			i.record(recordCtx, recorder, result)
		}()
	}
	return result
}

func (i *Invoker) record(ctx context.Context, recorder Recorder, result Result) {
	if err := recorder.Record(ctx, result); err != nil {
		logging.WarnWithContext(i.logger, "invocation record failed", "invocation_record_failed",
			logging.String(logging.FieldInvocationID, result.ID),
			logging.String("recorder", fmt.Sprintf("%T", recorder)),
			logging.Error(err),
			logging.String(logging.FieldImpact, "invocation missing from history or notifications"),
		)
	}
}

func hintFor(outcome Outcome) string {
	switch outcome {
	case OutcomeTimeout:
		return "raise pipeline.timeout or check why the pipeline hangs"
	case OutcomeExecutableNotFound:
		return "build the pipeline binary or set pipeline.binary"
	case OutcomeNonZeroExit:
		return "inspect the pipeline stderr output"
	case OutcomeCanceled:
		return "the daemon shut down while the pipeline was running"
	default:
		return "check pipeline.work_dir and binary permissions"
	}
}
