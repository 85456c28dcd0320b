// Package main hosts the conewatch CLI entrypoint and command graph.
//
// `conewatch serve` runs the daemon in the foreground. Every other command
// either talks to a running daemon over its HTTP API (run, status, watch,
// history, params, logs) or works on local files (config). Commands that
// return structured data honor --output json|yaml.
package main
