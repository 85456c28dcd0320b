package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"conewatch/internal/client"
	"conewatch/internal/config"
)

type outputFormat string

const (
	outputText outputFormat = "text"
	outputJSON outputFormat = "json"
	outputYAML outputFormat = "yaml"
)

type commandContext struct {
	configFlag *string
	serverFlag *string
	outputFlag *string

	configOnce   sync.Once
	config       *config.Config
	configPath   string
	configExists bool
	configErr    error
}

func newCommandContext(configFlag, serverFlag, outputFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		serverFlag: serverFlag,
		outputFlag: outputFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = fmt.Errorf("load config: %w", err)
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.configExists = exists
	})
	return c.config, c.configErr
}

func (c *commandContext) outputFormat() (outputFormat, error) {
	raw := "text"
	if c.outputFlag != nil {
		raw = strings.ToLower(strings.TrimSpace(*c.outputFlag))
	}
	switch outputFormat(raw) {
	case "", outputText:
		return outputText, nil
	case outputJSON:
		return outputJSON, nil
	case outputYAML:
		return outputYAML, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (use text, json, or yaml)", raw)
	}
}

func (c *commandContext) serverURL() string {
	if c.serverFlag != nil {
		if value := strings.TrimSpace(*c.serverFlag); value != "" {
			return value
		}
	}
	if cfg, err := c.ensureConfig(); err == nil && cfg != nil {
		return cfg.Client.ServerURL
	}
	return ""
}

func (c *commandContext) apiClient() (*client.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return client.New(c.serverURL(), cfg.Client.APIToken)
}

// withClient runs fn against the daemon API, rewording connection failures
// into something actionable.
func (c *commandContext) withClient(fn func(*client.Client) error) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	if err := fn(api); err != nil {
		return wrapAPIError(err, c.serverURL())
	}
	return nil
}

func wrapAPIError(err error, server string) error {
	if client.IsAPIUnavailable(err) {
		return fmt.Errorf("connect to daemon: %s is not reachable; start it with `conewatch serve`", server)
	}
	return err
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
