package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const defaultWaitDelay = 2 * time.Second

// Command describes one process to launch.
type Command struct {
	Binary string
	Args   []string
	Dir    string
}

// Output is what a finished process produced. ExitCode is meaningful only
// when the process ran to completion.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Exited   bool
}

// Runner launches a Command and waits for it. A nil error means exit status
// zero. Failures wrap ErrExecutableNotFound, ErrStartFailed, ErrNonZeroExit,
// ErrTimeout (when ctx's cause is ErrTimeout) or ErrCanceled.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Output, error)
}

// ExecRunner runs commands as real child processes in their own process
// group. When ctx ends the whole group is killed.
type ExecRunner struct {
	// WaitDelay bounds how long Wait blocks on inherited pipes after the
	// group was killed.
	WaitDelay time.Duration
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, spec Command) (Output, error) {
	cmd := exec.CommandContext(ctx, spec.Binary, spec.Args...) //nolint:gosec
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if ctxErr := contextFailure(ctx); ctxErr != nil {
			return Output{}, ctxErr
		}
		return Output{}, classifyStartError(spec.Binary, err)
	}

	waitErr := cmd.Wait()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if state := cmd.ProcessState; state != nil {
		out.ExitCode = state.ExitCode()
		out.Exited = state.Exited()
	}

	if ctxErr := contextFailure(ctx); ctxErr != nil {
		return out, ctxErr
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return out, fmt.Errorf("%w: exit code %d", ErrNonZeroExit, exitErr.ExitCode())
		}
		return out, fmt.Errorf("%w: wait: %v", ErrStartFailed, waitErr)
	}
	return out, nil
}

// contextFailure reports ErrTimeout or ErrCanceled when ctx has ended.
func contextFailure(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); errors.Is(cause, ErrTimeout) {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrCanceled, context.Cause(ctx))
}

func classifyStartError(binary string, err error) error {
	switch {
	case errors.Is(err, exec.ErrNotFound),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s: %v", ErrExecutableNotFound, binary, err)
	default:
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
}
