// Package notifications announces pipeline outcomes over ntfy.
//
// The Service is a pipeline.Recorder: the invoker hands it every finished
// Result and it decides whether the outcome is worth a push. Failures are
// always sent; successes only when notifications.on_success is set. With no
// topic configured NewService returns a no-op.
package notifications
