// Package config loads, normalizes, and validates conewatch configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// CONEWATCH_API_TOKEN and SERVER_HOST. The Config type centralizes every knob
// the daemon and CLI need: the watched artifact set, the pipeline executable
// and its timeout, the HTTP bind address, and the client reconnect policy.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
