package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"conewatch/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Every directory it names exists on return.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.OutputDir = filepath.Join(base, "output")
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.ParamsFile = filepath.Join(base, "config", "default_params.json")
	cfgVal.Server.Bind = "127.0.0.1:0"
	cfgVal.Pipeline.WorkDir = base
	cfgVal.Pipeline.Binary = filepath.Join(base, "build", "driverless")
	cfgVal.Watch.FSNotify = false
	cfgVal.History.Path = filepath.Join(base, "state", "history.db")
	cfgVal.Logging.RetentionDays = 0

	for _, dir := range []string{cfgVal.Paths.OutputDir, cfgVal.Paths.DataDir, cfgVal.Paths.LogDir, cfgVal.Paths.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithPipelineScript writes a shell script as the pipeline binary.
func WithPipelineScript(body string) ConfigOption {
	return func(b *configBuilder) {
		target := b.cfg.Pipeline.Binary
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			b.t.Fatalf("mkdir build dir: %v", err)
		}
		if err := os.WriteFile(target, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
			b.t.Fatalf("write pipeline stub: %v", err)
		}
	}
}

// WithPipelineTimeout sets the invocation timeout in seconds.
func WithPipelineTimeout(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.TimeoutSeconds = seconds
	}
}

// WithConcurrency sets the invocation concurrency policy.
func WithConcurrency(policy string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.Concurrency = policy
	}
}

// WithAPIToken enables bearer authentication on the API.
func WithAPIToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Server.APIToken = token
		b.cfg.Client.APIToken = token
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.OutputDir)
}
