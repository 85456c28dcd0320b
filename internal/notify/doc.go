// Package notify fans artifact change events out to live subscribers.
//
// The Registry exclusively owns the set of subscribers; the Dispatcher reads
// point-in-time snapshots of it, attempts delivery to each subscriber once,
// and prunes every subscriber whose delivery failed after the pass. Delivery
// is best effort and at most once: events are not queued for subscribers that
// connect later.
package notify
