package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"conewatch/internal/config"
	"conewatch/internal/daemon"
	"conewatch/internal/logging"
	"conewatch/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	daemon     *daemon.Daemon
	configPath string
	serverURL  string
}

// setupCLITestEnv writes a config file for cfg and, when serve is true,
// starts a daemon on a loopback port.
func setupCLITestEnv(t *testing.T, cfg *config.Config, serve bool) *cliTestEnv {
	t.Helper()

	configPath := filepath.Join(testsupport.BaseDir(cfg), "conewatch.toml")
	writeTestConfig(t, configPath, cfg)
	env := &cliTestEnv{cfg: cfg, configPath: configPath}
	if !serve {
		return env
	}

	store := testsupport.MustOpenHistory(t, cfg)
	d, err := daemon.New(cfg, logging.NewNop(), daemon.WithHistory(store))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	env.daemon = d
	env.serverURL = "http://" + d.Addr()
	return env
}

func (e *cliTestEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	flags := []string{"--config", e.configPath}
	if e.serverURL != "" {
		flags = append(flags, "--server", e.serverURL)
	}
	return runCLI(t, append(flags, args...))
}

func runCLI(t *testing.T, args []string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
