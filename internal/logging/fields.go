package logging

import (
	"context"
	"log/slog"
)

// Standard attribute keys shared by every component.
const (
	FieldComponent    = "component"
	FieldEventType    = "event_type"
	FieldErrorHint    = "error_hint"
	FieldImpact       = "impact"
	FieldInvocationID = "invocation_id"
	FieldSubscriberID = "subscriber_id"
	FieldStep         = "step"
	FieldRemoteAddr   = "remote_addr"
)

type contextKey int

const (
	invocationIDKey contextKey = iota
	stepKey
	subscriberIDKey
)

// WithInvocationID stores a pipeline invocation identifier on the context.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey, id)
}

// WithStep stores the requested pipeline step on the context.
func WithStep(ctx context.Context, step string) context.Context {
	return context.WithValue(ctx, stepKey, step)
}

// WithSubscriberID stores a notification subscriber identifier on the context.
func WithSubscriberID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, subscriberIDKey, id)
}

// InvocationIDFromContext returns the invocation id, if any.
func InvocationIDFromContext(ctx context.Context) (string, bool) {
	return stringFromContext(ctx, invocationIDKey)
}

// StepFromContext returns the pipeline step, if any.
func StepFromContext(ctx context.Context) (string, bool) {
	return stringFromContext(ctx, stepKey)
}

// SubscriberIDFromContext returns the subscriber id, if any.
func SubscriberIDFromContext(ctx context.Context) (string, bool) {
	return stringFromContext(ctx, subscriberIDKey)
}

func stringFromContext(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(key).(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// WithContext returns a logger enriched with identifiers stored on ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	var attrs []any
	if id, ok := InvocationIDFromContext(ctx); ok {
		attrs = append(attrs, String(FieldInvocationID, id))
	}
	if step, ok := StepFromContext(ctx); ok {
		attrs = append(attrs, String(FieldStep, step))
	}
	if id, ok := SubscriberIDFromContext(ctx); ok {
		attrs = append(attrs, String(FieldSubscriberID, id))
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
