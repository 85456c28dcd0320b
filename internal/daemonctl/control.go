// Package daemonctl launches and stops a background conewatch daemon.
//
// The daemon is an ordinary `conewatch serve` process detached into its own
// session. Liveness is judged by the HTTP API; the PID comes from the status
// payload or, when the API is unreachable, from the daemon's pid file.
package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"conewatch/internal/api"
	"conewatch/internal/client"
	"conewatch/internal/config"
	"conewatch/internal/daemonrun"
)

// ErrDaemonNotRunning indicates there is no daemon to talk to or stop.
var ErrDaemonNotRunning = errors.New("daemon not running")

const pollInterval = 200 * time.Millisecond

// LaunchOptions controls how the background process is started.
type LaunchOptions struct {
	ConfigPath string
	LogLevel   string
}

// StartState describes what EnsureStarted had to do.
type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State StartState
	PID   int
}

// StopResult captures daemon stop outcome.
type StopResult struct {
	PID        int
	ForcedKill bool
}

// Launch starts a detached `serve` process and returns its PID.
func Launch(executablePath string, opts LaunchOptions) (int, error) {
	if strings.TrimSpace(executablePath) == "" {
		return 0, errors.New("resolve executable: executable path is empty")
	}

	args := []string{"serve"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return 0, fmt.Errorf("launch daemon: %w", err)
	}
	pid := proc.Process.Pid
	return pid, proc.Process.Release()
}

// WaitForAPI polls the status endpoint until it answers or timeout passes.
func WaitForAPI(ctx context.Context, c *client.Client, timeout time.Duration) (api.StatusResponse, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		status, err := c.Status(ctx)
		if err == nil {
			return status, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return api.StatusResponse{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return api.StatusResponse{}, fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon unless its API already answers.
func EnsureStarted(ctx context.Context, c *client.Client, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	if status, err := c.Status(ctx); err == nil {
		return StartResult{State: StartStateAlreadyRunning, PID: status.PID}, nil
	} else if !client.IsAPIUnavailable(err) {
		return StartResult{}, err
	}

	pid, err := Launch(executablePath, opts)
	if err != nil {
		return StartResult{}, err
	}
	status, err := WaitForAPI(ctx, c, waitTimeout)
	if err != nil {
		return StartResult{}, err
	}
	if status.PID > 0 {
		pid = status.PID
	}
	return StartResult{State: StartStateStarted, PID: pid}, nil
}

// Stop sends SIGTERM to the daemon and escalates to SIGKILL if it is still
// alive after gracePeriod.
func Stop(ctx context.Context, cfg *config.Config, c *client.Client, gracePeriod time.Duration) (StopResult, error) {
	pid := 0
	if c != nil {
		if status, err := c.Status(ctx); err == nil {
			pid = status.PID
		}
	}
	if pid <= 0 && cfg != nil {
		if recorded, err := daemonrun.ReadPID(cfg); err == nil {
			pid = recorded
		}
	}
	if pid <= 0 {
		return StopResult{}, ErrDaemonNotRunning
	}
	if pid == os.Getpid() {
		return StopResult{}, fmt.Errorf("refusing to signal current process (pid %d)", pid)
	}
	if !processAlive(pid) {
		if cfg != nil {
			_ = os.Remove(daemonrun.PIDPath(cfg))
		}
		return StopResult{}, ErrDaemonNotRunning
	}

	result := StopResult{PID: pid}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return result, fmt.Errorf("signal daemon process %d: %w", pid, err)
	}
	if waitForExit(ctx, pid, gracePeriod) {
		return result, nil
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return result, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	result.ForcedKill = true
	if cfg != nil {
		_ = os.Remove(daemonrun.PIDPath(cfg))
	}
	waitForExit(ctx, pid, gracePeriod)
	return result, nil
}

func waitForExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !processAlive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !processAlive(pid)
		case <-time.After(pollInterval / 4):
		}
	}
}

// processAlive reports whether pid names a live process we may signal.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
