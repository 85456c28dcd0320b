package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// StatusResponse reports daemon runtime information.
type StatusResponse struct {
	Status            string            `json:"status" yaml:"status"`
	Files             map[string]bool   `json:"files" yaml:"files"`
	ActiveConnections int               `json:"active_connections" yaml:"active_connections"`
	PipelineRunning   bool              `json:"pipeline_running" yaml:"pipeline_running"`
	Timestamp         string            `json:"timestamp" yaml:"timestamp"`
	PID               int               `json:"pid,omitempty" yaml:"pid,omitempty"`
	Checks            []CheckStatus     `json:"checks,omitempty" yaml:"checks,omitempty"`
	Dependencies      []DependencyState `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// CheckStatus is one preflight check result.
type CheckStatus struct {
	Name   string `json:"name" yaml:"name"`
	Passed bool   `json:"passed" yaml:"passed"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// DependencyState captures availability of an external executable.
type DependencyState struct {
	Name      string `json:"name" yaml:"name"`
	Command   string `json:"command" yaml:"command"`
	Available bool   `json:"available" yaml:"available"`
	Detail    string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// RunPipelineResponse is the body returned by the run-pipeline endpoint.
// Exactly one of Message and Error is set.
type RunPipelineResponse struct {
	Success      bool   `json:"success" yaml:"success"`
	Step         string `json:"step" yaml:"step"`
	Message      string `json:"message,omitempty" yaml:"message,omitempty"`
	Error        string `json:"error,omitempty" yaml:"error,omitempty"`
	Output       string `json:"output" yaml:"output"`
	Outcome      string `json:"outcome" yaml:"outcome"`
	ExitCode     *int   `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	TimedOut     bool   `json:"timed_out" yaml:"timed_out"`
	InvocationID string `json:"invocation_id" yaml:"invocation_id"`
	DurationMS   int64  `json:"duration_ms" yaml:"duration_ms"`
}

// Invocation is one stored invocation record.
type Invocation struct {
	ID         string `json:"invocation_id" yaml:"invocation_id"`
	Step       string `json:"step" yaml:"step"`
	Success    bool   `json:"success" yaml:"success"`
	Outcome    string `json:"outcome" yaml:"outcome"`
	ExitCode   *int   `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	TimedOut   bool   `json:"timed_out" yaml:"timed_out"`
	StartedAt  string `json:"started_at" yaml:"started_at"`
	DurationMS int64  `json:"duration_ms" yaml:"duration_ms"`
	Detail     string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// InvocationListResponse wraps a page of history, newest first.
type InvocationListResponse struct {
	Invocations []Invocation `json:"invocations" yaml:"invocations"`
	Total       int          `json:"total" yaml:"total"`
}

// ParamsResponse carries the parameter document or acknowledges a write.
type ParamsResponse struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	ConfigFile string          `json:"config_file"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LogEvent is a structured log line.
type LogEvent struct {
	Sequence     uint64            `json:"seq"`
	Timestamp    string            `json:"ts"`
	Level        string            `json:"level"`
	Message      string            `json:"msg"`
	Component    string            `json:"component,omitempty"`
	Step         string            `json:"step,omitempty"`
	InvocationID string            `json:"invocation_id,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
}

// LogStreamResponse wraps log events and the cursor for the next fetch.
type LogStreamResponse struct {
	Events []LogEvent `json:"events"`
	Next   uint64     `json:"next"`
}
