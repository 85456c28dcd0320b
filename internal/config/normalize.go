package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeServer()
	c.normalizeWatch()
	if err := c.normalizePipeline(); err != nil {
		return err
	}
	c.normalizeClient()
	c.normalizeParams()
	if err := c.normalizeHistory(); err != nil {
		return err
	}
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		c.Paths.OutputDir = defaultOutputDir
	}
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ParamsFile) == "" {
		c.Paths.ParamsFile = defaultParamsFile
	}
	if c.Paths.ParamsFile, err = expandPath(c.Paths.ParamsFile); err != nil {
		return fmt.Errorf("paths.params_file: %w", err)
	}
	return nil
}

func (c *Config) normalizeServer() {
	c.Server.Bind = strings.TrimSpace(c.Server.Bind)
	if c.Server.Bind == "" {
		c.Server.Bind = defaultBind
	}
	if host, ok := os.LookupEnv("SERVER_HOST"); ok && strings.TrimSpace(host) != "" {
		if _, port, err := net.SplitHostPort(c.Server.Bind); err == nil {
			c.Server.Bind = net.JoinHostPort(strings.TrimSpace(host), port)
		}
	}
	c.Server.APIToken = strings.TrimSpace(c.Server.APIToken)
	if c.Server.APIToken == "" {
		if value, ok := os.LookupEnv("CONEWATCH_API_TOKEN"); ok {
			c.Server.APIToken = strings.TrimSpace(value)
		}
	}
	if c.Server.PingIntervalSeconds <= 0 {
		c.Server.PingIntervalSeconds = defaultPingIntervalSeconds
	}
	if c.Server.SubscriberBuffer <= 0 {
		c.Server.SubscriberBuffer = defaultSubscriberBuffer
	}
}

func (c *Config) normalizeWatch() {
	if c.Watch.PollIntervalMillis <= 0 {
		c.Watch.PollIntervalMillis = defaultPollIntervalMillis
	}
	artifacts := make([]string, 0, len(c.Watch.Artifacts))
	seen := make(map[string]struct{}, len(c.Watch.Artifacts))
	for _, name := range c.Watch.Artifacts {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		artifacts = append(artifacts, trimmed)
	}
	if len(artifacts) == 0 {
		artifacts = append(artifacts, defaultArtifacts...)
	}
	c.Watch.Artifacts = artifacts
}

func (c *Config) normalizePipeline() error {
	if value, ok := os.LookupEnv("CONEWATCH_PIPELINE_BINARY"); ok && strings.TrimSpace(value) != "" {
		c.Pipeline.Binary = value
	}
	c.Pipeline.Binary = strings.TrimSpace(c.Pipeline.Binary)
	if c.Pipeline.Binary == "" {
		c.Pipeline.Binary = defaultPipelineBinary
	}
	if strings.TrimSpace(c.Pipeline.WorkDir) == "" {
		c.Pipeline.WorkDir = defaultPipelineWorkDir
	}
	var err error
	if c.Pipeline.WorkDir, err = expandPath(c.Pipeline.WorkDir); err != nil {
		return fmt.Errorf("pipeline.work_dir: %w", err)
	}
	// Bare names are resolved through PATH at invocation time; anything with a
	// separator is anchored to the work dir.
	if strings.ContainsRune(c.Pipeline.Binary, filepath.Separator) || strings.HasPrefix(c.Pipeline.Binary, "~") {
		binary := c.Pipeline.Binary
		if !filepath.IsAbs(binary) && !strings.HasPrefix(binary, "~") {
			binary = filepath.Join(c.Pipeline.WorkDir, binary)
		}
		if c.Pipeline.Binary, err = expandPath(binary); err != nil {
			return fmt.Errorf("pipeline.binary: %w", err)
		}
	}
	if c.Pipeline.TimeoutSeconds <= 0 {
		c.Pipeline.TimeoutSeconds = defaultPipelineTimeout
	}
	c.Pipeline.Concurrency = strings.ToLower(strings.TrimSpace(c.Pipeline.Concurrency))
	if c.Pipeline.Concurrency == "" {
		c.Pipeline.Concurrency = defaultConcurrencyPolicy
	}
	return nil
}

func (c *Config) normalizeClient() {
	c.Client.ServerURL = strings.TrimRight(strings.TrimSpace(c.Client.ServerURL), "/")
	if c.Client.ServerURL == "" {
		c.Client.ServerURL = defaultServerURL
	}
	c.Client.APIToken = strings.TrimSpace(c.Client.APIToken)
	if c.Client.APIToken == "" {
		c.Client.APIToken = c.Server.APIToken
	}
	if c.Client.ReconnectDelaySeconds <= 0 {
		c.Client.ReconnectDelaySeconds = defaultReconnectDelaySeconds
	}
	if c.Client.MaxReconnectAttempts < 0 {
		c.Client.MaxReconnectAttempts = 0
	}
}

func (c *Config) normalizeParams() {
	keys := make([]string, 0, len(c.Params.RequiredKeys))
	for _, key := range c.Params.RequiredKeys {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	c.Params.RequiredKeys = keys
}

func (c *Config) normalizeHistory() error {
	if strings.TrimSpace(c.History.Path) == "" {
		c.History.Path = filepath.Join(c.Paths.StateDir, "history.db")
	}
	var err error
	if c.History.Path, err = expandPath(c.History.Path); err != nil {
		return fmt.Errorf("history.path: %w", err)
	}
	if c.History.MaxRecords < 0 {
		c.History.MaxRecords = 0
	}
	return nil
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("CONEWATCH_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		c.Notifications.RequestTimeoutSeconds = defaultNtfyTimeoutSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
