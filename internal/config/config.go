package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and file locations.
type Paths struct {
	OutputDir  string `toml:"output_dir"`
	DataDir    string `toml:"data_dir"`
	LogDir     string `toml:"log_dir"`
	StateDir   string `toml:"state_dir"`
	ParamsFile string `toml:"params_file"`
}

// Server contains HTTP and WebSocket settings.
type Server struct {
	Bind                string `toml:"bind"`
	APIToken            string `toml:"api_token"`
	PingIntervalSeconds int    `toml:"ping_interval"`
	SubscriberBuffer    int    `toml:"subscriber_buffer"`
}

// Watch contains artifact change detection settings.
type Watch struct {
	PollIntervalMillis int      `toml:"poll_interval_ms"`
	Artifacts          []string `toml:"artifacts"`
	// FSNotify enables filesystem events as an early wake-up for the poller.
	// Change decisions are still made by comparing modification times.
	FSNotify bool `toml:"fsnotify"`
}

// Pipeline contains settings for the external processing executable.
type Pipeline struct {
	Binary         string `toml:"binary"`
	WorkDir        string `toml:"work_dir"`
	TimeoutSeconds int    `toml:"timeout"`
	// Concurrency is either "reject" (second caller gets busy) or "queue".
	Concurrency  string `toml:"concurrency"`
	CrossProcess bool   `toml:"cross_process_lock"`
}

// Client contains settings used by CLI commands that talk to a running daemon.
type Client struct {
	ServerURL             string `toml:"server_url"`
	APIToken              string `toml:"api_token"`
	ReconnectDelaySeconds int    `toml:"reconnect_delay"`
	MaxReconnectAttempts  int    `toml:"max_reconnect_attempts"`
}

// Params contains settings for the pipeline parameter document.
type Params struct {
	RequiredKeys []string `toml:"required_keys"`
}

// History contains settings for the invocation history database.
type History struct {
	Enabled    bool   `toml:"enabled"`
	Path       string `toml:"path"`
	MaxRecords int    `toml:"max_records"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Notifications contains ntfy settings for pipeline outcome alerts.
type Notifications struct {
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout"`
	// OnSuccess also announces successful runs; failures are always sent.
	OnSuccess bool `toml:"on_success"`
}

// Config encapsulates all configuration values for conewatch.
//
// Configuration sections by subsystem:
//   - Paths: output/data directories, logs, state, parameter document
//   - Server: HTTP bind address, API token, WebSocket keepalive
//   - Watch: watched artifacts and polling cadence
//   - Pipeline: external executable, timeout, concurrency policy
//   - Client: daemon URL and reconnect policy for CLI viewers
//   - Params: required top-level keys of the parameter document
//   - History: invocation history persistence
//   - Notifications: ntfy alerts for pipeline outcomes
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Server        Server        `toml:"server"`
	Watch         Watch         `toml:"watch"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Client        Client        `toml:"client"`
	Params        Params        `toml:"params"`
	History       History       `toml:"history"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/conewatch/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("conewatch.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// The output directory is created so the watcher has something to observe
// before the pipeline first runs.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.OutputDir, c.Paths.LogDir, c.Paths.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ArtifactPaths returns the absolute paths of the watched artifacts.
func (c *Config) ArtifactPaths() []string {
	out := make([]string, 0, len(c.Watch.Artifacts))
	for _, name := range c.Watch.Artifacts {
		if filepath.IsAbs(name) {
			out = append(out, name)
			continue
		}
		out = append(out, filepath.Join(c.Paths.OutputDir, name))
	}
	return out
}

// PollInterval returns the detection cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Watch.PollIntervalMillis) * time.Millisecond
}

// PingInterval returns the WebSocket keepalive interval.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Server.PingIntervalSeconds) * time.Second
}

// PipelineTimeout returns the wall-clock bound for one invocation.
func (c *Config) PipelineTimeout() time.Duration {
	return time.Duration(c.Pipeline.TimeoutSeconds) * time.Second
}

// ReconnectDelay returns the fixed backoff between reconnect attempts.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Client.ReconnectDelaySeconds) * time.Second
}

// DaemonLockPath returns the flock path guarding single-instance execution.
func (c *Config) DaemonLockPath() string {
	return filepath.Join(c.Paths.StateDir, "conewatch.lock")
}

// PipelineLockPath returns the flock path serializing pipeline runs across
// processes, or "" when cross-process locking is disabled.
func (c *Config) PipelineLockPath() string {
	if !c.Pipeline.CrossProcess {
		return ""
	}
	return filepath.Join(c.Paths.StateDir, "pipeline.lock")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
