// Package logging assembles structured slog loggers and formatting helpers used
// across conewatch.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so request handlers can tag log lines with
// invocation IDs, pipeline steps, and subscriber IDs. A bounded StreamHub
// keeps recent events in memory for the daemon's log endpoint, and a no-op
// logger is provided for tests and wiring code that cannot fail.
//
// Prefer these constructors over hand-rolled slog setup so new components emit
// data with the same shape as the rest of the system.
package logging
