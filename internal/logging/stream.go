package logging

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// LogEvent represents a structured log line published to the streaming hub.
type LogEvent struct {
	Sequence     uint64            `json:"seq"`
	Timestamp    time.Time         `json:"ts"`
	Level        string            `json:"level"`
	Message      string            `json:"msg"`
	Component    string            `json:"component,omitempty"`
	Step         string            `json:"step,omitempty"`
	InvocationID string            `json:"invocation_id,omitempty"`
	SubscriberID string            `json:"subscriber_id,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
}

// StreamHub keeps the most recent log events in a fixed-size ring and lets
// readers long-poll for events newer than a sequence number.
type StreamHub struct {
	mu      sync.Mutex
	ring    []LogEvent
	head    int // index of the oldest retained event
	count   int
	lastSeq uint64
	changed chan struct{}
}

const defaultStreamCapacity = 512

// NewStreamHub returns a hub retaining up to capacity events.
func NewStreamHub(capacity int) *StreamHub {
	if capacity <= 0 {
		capacity = defaultStreamCapacity
	}
	return &StreamHub{
		ring:    make([]LogEvent, capacity),
		changed: make(chan struct{}),
	}
}

// Publish stamps evt with the next sequence number and stores it, evicting
// the oldest event when the ring is full.
func (h *StreamHub) Publish(evt LogEvent) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastSeq++
	evt.Sequence = h.lastSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if h.count < len(h.ring) {
		h.ring[(h.head+h.count)%len(h.ring)] = evt
		h.count++
	} else {
		h.ring[h.head] = evt
		h.head = (h.head + 1) % len(h.ring)
	}
	close(h.changed)
	h.changed = make(chan struct{})
}

// Fetch returns up to limit events with a sequence greater than since,
// oldest first, plus the last published sequence. With wait set and nothing
// new, it blocks until a Publish or until ctx ends.
func (h *StreamHub) Fetch(ctx context.Context, since uint64, limit int, wait bool) ([]LogEvent, uint64, error) {
	if h == nil {
		return nil, since, nil
	}
	for {
		h.mu.Lock()
		events := h.collectLocked(since, limit)
		last, changed := h.lastSeq, h.changed
		h.mu.Unlock()

		if len(events) > 0 || !wait {
			return events, last, nil
		}
		select {
		case <-ctx.Done():
			return nil, last, ctx.Err()
		case <-changed:
		}
	}
}

// Tail returns the newest limit events without blocking.
func (h *StreamHub) Tail(limit int) ([]LogEvent, uint64) {
	if h == nil {
		return nil, 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]LogEvent, 0, n)
	for i := h.count - n; i < h.count; i++ {
		out = append(out, h.at(i))
	}
	return out, h.lastSeq
}

// FirstSequence reports the oldest sequence still retained, or the last
// published sequence when the ring is empty.
func (h *StreamHub) FirstSequence() uint64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return h.lastSeq
	}
	return h.at(0).Sequence
}

// at returns the i-th retained event, 0 being the oldest.
func (h *StreamHub) at(i int) LogEvent {
	return h.ring[(h.head+i)%len(h.ring)]
}

func (h *StreamHub) collectLocked(since uint64, limit int) []LogEvent {
	if limit <= 0 || limit > h.count {
		limit = h.count
	}
	var out []LogEvent
	for i := 0; i < h.count && len(out) < limit; i++ {
		if evt := h.at(i); evt.Sequence > since {
			out = append(out, evt)
		}
	}
	return out
}

// streamHandler tees every record into a StreamHub before passing it on.
type streamHandler struct {
	next   slog.Handler
	hub    *StreamHub
	scoped []slog.Attr
}

func newStreamHandler(next slog.Handler, hub *StreamHub) slog.Handler {
	if hub == nil || next == nil {
		return next
	}
	return &streamHandler{next: next, hub: hub}
}

func (h *streamHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *streamHandler) Handle(ctx context.Context, record slog.Record) error {
	evt := LogEvent{
		Timestamp: record.Time,
		Level:     strings.ToUpper(record.Level.String()),
		Message:   strings.TrimSpace(record.Message),
	}
	// Logger-scoped attrs first so call-site attrs win.
	for _, attr := range h.scoped {
		evt.absorb(attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		evt.absorb(attr)
		return true
	})
	h.hub.Publish(evt)
	return h.next.Handle(ctx, record.Clone())
}

func (h *streamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &streamHandler{
		next:   h.next.WithAttrs(attrs),
		hub:    h.hub,
		scoped: append(slices.Clip(h.scoped), attrs...),
	}
}

func (h *streamHandler) WithGroup(name string) slog.Handler {
	return &streamHandler{next: h.next.WithGroup(name), hub: h.hub, scoped: h.scoped}
}

// absorb routes well-known keys to their dedicated fields and everything
// else into Fields.
func (e *LogEvent) absorb(attr slog.Attr) {
	key := strings.TrimSpace(attr.Key)
	if key == "" {
		return
	}
	value := attrString(attr.Value)
	switch key {
	case FieldComponent:
		e.Component = value
	case FieldStep:
		e.Step = value
	case FieldInvocationID:
		e.InvocationID = value
	case FieldSubscriberID:
		e.SubscriberID = value
	default:
		if e.Fields == nil {
			e.Fields = make(map[string]string)
		}
		e.Fields[key] = value
	}
}
