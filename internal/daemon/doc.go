// Package daemon coordinates the long-running conewatch process.
//
// It wires configuration, the artifact monitor, the subscriber registry and
// the pipeline invoker into a single lifecycle with flock-based locking to
// prevent multiple instances. The HTTP server exposes the viewer WebSocket,
// file downloads from the output and data directories, pipeline runs, the
// parameter document, invocation history and the in-memory log stream.
//
// Keep orchestration here: change detection, delivery and subprocess control
// live in their own packages while the daemon focuses on startup, shutdown
// and request handling.
package daemon
