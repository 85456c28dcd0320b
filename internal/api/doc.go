// Package api defines wire-format types and converters for the HTTP API.
// The daemon encodes these payloads and the CLI client decodes them, so both
// sides share one definition.
//
// # Key Types
//
// StatusResponse: daemon liveness, artifact presence, connection count and
// whether the pipeline is running.
//
// RunPipelineResponse: the outcome of one pipeline invocation request.
//
// Invocation/InvocationListResponse: stored invocation history.
//
// LogEvent/LogStreamResponse: structured log payloads for tailing.
//
// # Converters
//
// FromResult: pipeline.Result -> RunPipelineResponse.
//
// FromEntry/FromEntries: history.Entry -> Invocation.
//
// FromLogEvents: logging.LogEvent -> LogEvent.
//
// # Design Notes
//
// JSON tags are snake_case to match the browser viewer. Timestamps use
// RFC3339 with milliseconds. Exit codes are pointers so "no exit code"
// (timeouts, rejected requests) is distinguishable from exit status 0.
package api
