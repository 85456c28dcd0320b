package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateWatch(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateClient(); err != nil {
		return err
	}
	return c.validateNotifications()
}

func (c *Config) validateServer() error {
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("server.bind must be host:port: %w", err)
	}
	return ensurePositiveMap(map[string]int{
		"server.ping_interval":     c.Server.PingIntervalSeconds,
		"server.subscriber_buffer": c.Server.SubscriberBuffer,
	})
}

func (c *Config) validateWatch() error {
	if len(c.Watch.Artifacts) == 0 {
		return errors.New("watch.artifacts must list at least one file")
	}
	if c.Watch.PollIntervalMillis <= 0 {
		return errors.New("watch.poll_interval_ms must be positive")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if strings.TrimSpace(c.Pipeline.Binary) == "" {
		return errors.New("pipeline.binary must be set")
	}
	if c.Pipeline.TimeoutSeconds <= 0 {
		return errors.New("pipeline.timeout must be positive (seconds)")
	}
	switch c.Pipeline.Concurrency {
	case PolicyReject, PolicyQueue:
	default:
		return fmt.Errorf("pipeline.concurrency must be %q or %q, got %q", PolicyReject, PolicyQueue, c.Pipeline.Concurrency)
	}
	return nil
}

func (c *Config) validateClient() error {
	parsed, err := url.Parse(c.Client.ServerURL)
	if err != nil {
		return fmt.Errorf("client.server_url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("client.server_url must use http or https, got %q", parsed.Scheme)
	}
	if c.Client.ReconnectDelaySeconds <= 0 {
		return errors.New("client.reconnect_delay must be positive (seconds)")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.NtfyTopic == "" {
		return nil
	}
	parsed, err := url.Parse(c.Notifications.NtfyTopic)
	if err != nil {
		return fmt.Errorf("notifications.ntfy_topic: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("notifications.ntfy_topic must be an http(s) URL, got %q", c.Notifications.NtfyTopic)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
