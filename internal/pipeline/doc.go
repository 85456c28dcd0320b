// Package pipeline runs the external processing executable one invocation at
// a time.
//
// An Invoker validates the requested step, spawns the configured binary with
// the step argument, captures stdout and stderr, and bounds the run with a
// wall-clock timeout that kills the whole process group. Overlapping requests
// are either rejected as busy or queued, depending on the configured policy,
// and a lock file extends that exclusion across processes. Every request
// produces exactly one Result; nothing is retried.
//
// The Runner interface isolates process management so tests can substitute a
// spy that records invocations without spawning anything.
package pipeline
