package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrOutboxFull reports that a subscriber is not draining its events.
	ErrOutboxFull = errors.New("subscriber outbox full")
	// ErrOutboxClosed reports that the subscriber's connection has ended.
	ErrOutboxClosed = errors.New("subscriber outbox closed")
)

// Outbox is a Subscriber backed by a bounded channel. Send never blocks:
// a full or closed outbox is a delivery failure, and a full outbox closes
// itself so the owning connection shuts down once it has drained what was
// already queued. The owning connection drains Events from its own goroutine.
type Outbox struct {
	id          string
	connectedAt time.Time

	mu     sync.Mutex
	closed bool
	events chan ChangeEvent
}

// NewOutbox creates an outbox with a fresh identifier and room for size
// pending events.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 1
	}
	return &Outbox{
		id:          uuid.NewString(),
		connectedAt: time.Now().UTC(),
		events:      make(chan ChangeEvent, size),
	}
}

// ID returns the subscriber identifier.
func (o *Outbox) ID() string { return o.id }

// ConnectedAt returns when the outbox was created.
func (o *Outbox) ConnectedAt() time.Time { return o.connectedAt }

// Events returns the channel drained by the connection writer. It is closed
// by Close.
func (o *Outbox) Events() <-chan ChangeEvent { return o.events }

// Send enqueues event without blocking.
func (o *Outbox) Send(_ context.Context, event ChangeEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutboxClosed
	}
	select {
	case o.events <- event:
		return nil
	default:
		o.closeLocked()
		return ErrOutboxFull
	}
}

// Close marks the outbox dead and closes the event channel. It is safe to
// call more than once.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked()
}

func (o *Outbox) closeLocked() {
	if o.closed {
		return
	}
	o.closed = true
	close(o.events)
}
