package api

import (
	"time"

	"conewatch/internal/deps"
	"conewatch/internal/history"
	"conewatch/internal/logging"
	"conewatch/internal/pipeline"
	"conewatch/internal/preflight"
)

// FormatTime renders t in the API timestamp layout, or "" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

// FromResult converts an invocation result to the run-pipeline payload.
func FromResult(result pipeline.Result) RunPipelineResponse {
	dto := RunPipelineResponse{
		Success:      result.Success,
		Step:         result.Step,
		Output:       result.Output(),
		Outcome:      string(result.Outcome),
		ExitCode:     result.ExitCode,
		TimedOut:     result.TimedOut,
		InvocationID: result.ID,
		DurationMS:   result.Duration.Milliseconds(),
	}
	if result.Success {
		dto.Message = result.Message()
	} else {
		dto.Error = result.Message()
	}
	return dto
}

// FromEntry converts a stored history entry.
func FromEntry(entry history.Entry) Invocation {
	return Invocation{
		ID:         entry.ID,
		Step:       entry.Step,
		Success:    entry.Success,
		Outcome:    entry.Outcome,
		ExitCode:   entry.ExitCode,
		TimedOut:   entry.TimedOut,
		StartedAt:  FormatTime(entry.StartedAt),
		DurationMS: entry.DurationMS,
		Detail:     entry.Detail,
	}
}

// FromEntries converts a slice of history entries, preserving order.
func FromEntries(entries []history.Entry) []Invocation {
	out := make([]Invocation, 0, len(entries))
	for _, entry := range entries {
		out = append(out, FromEntry(entry))
	}
	return out
}

// FromChecks converts preflight results.
func FromChecks(results []preflight.Result) []CheckStatus {
	if len(results) == 0 {
		return nil
	}
	out := make([]CheckStatus, 0, len(results))
	for _, r := range results {
		out = append(out, CheckStatus{Name: r.Name, Passed: r.Passed, Detail: r.Detail})
	}
	return out
}

// FromDependencies converts dependency statuses.
func FromDependencies(statuses []deps.Status) []DependencyState {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]DependencyState, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, DependencyState{
			Name:      s.Name,
			Command:   s.Command,
			Available: s.Available,
			Detail:    s.Detail,
		})
	}
	return out
}

// FromLogEvents converts hub events for the log endpoint.
func FromLogEvents(events []logging.LogEvent) []LogEvent {
	if len(events) == 0 {
		return nil
	}
	out := make([]LogEvent, 0, len(events))
	for _, evt := range events {
		out = append(out, LogEvent{
			Sequence:     evt.Sequence,
			Timestamp:    FormatTime(evt.Timestamp),
			Level:        evt.Level,
			Message:      evt.Message,
			Component:    evt.Component,
			Step:         evt.Step,
			InvocationID: evt.InvocationID,
			Fields:       evt.Fields,
		})
	}
	return out
}
