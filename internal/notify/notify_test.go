package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	id   string
	fail bool

	mu       sync.Mutex
	received []ChangeEvent
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Send(_ context.Context, event ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection reset")
	}
	f.received = append(f.received, event)
	return nil
}

func (f *fakeSubscriber) events() []ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ChangeEvent(nil), f.received...)
}

func TestRegistryAddRemoveIdempotent(t *testing.T) {
	reg := NewRegistry()
	a := &fakeSubscriber{id: "a"}
	b := &fakeSubscriber{id: "b"}

	reg.Add(a)
	reg.Add(a)
	reg.Add(b)
	assert.Equal(t, 2, reg.Len())

	assert.True(t, reg.Remove("a"))
	assert.False(t, reg.Remove("a"))
	assert.False(t, reg.Remove("missing"))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistrySnapshotIsPointInTimeCopy(t *testing.T) {
	reg := NewRegistry()
	for i := 0; i < 3; i++ {
		reg.Add(&fakeSubscriber{id: fmt.Sprintf("s%d", i)})
	}
	snap := reg.Snapshot()
	reg.Remove("s1")
	reg.Add(&fakeSubscriber{id: "s3"})

	ids := make([]string, len(snap))
	for i, sub := range snap {
		ids[i] = sub.ID()
	}
	assert.Equal(t, []string{"s0", "s1", "s2"}, ids)
	assert.Equal(t, 3, reg.Len())
}

func TestBroadcastAttemptsEverySubscriberAndPrunesFailures(t *testing.T) {
	reg := NewRegistry()
	good1 := &fakeSubscriber{id: "good1"}
	bad := &fakeSubscriber{id: "bad", fail: true}
	good2 := &fakeSubscriber{id: "good2"}
	reg.Add(good1)
	reg.Add(bad)
	reg.Add(good2)

	d := NewDispatcher(reg, nil)
	report := d.Broadcast(context.Background(), NewReloadEvent([]string{"detected_cones.json"}))
	assert.Equal(t, Report{Attempted: 3, Delivered: 2, Pruned: 1}, report)
	assert.Equal(t, 2, reg.Len())

	report = d.Broadcast(context.Background(), NewReloadEvent([]string{"detected_cones.png"}))
	assert.Equal(t, Report{Attempted: 2, Delivered: 2}, report)

	require.Len(t, good1.events(), 2)
	assert.Equal(t, []string{"detected_cones.json"}, good1.events()[0].Files)
	assert.Equal(t, []string{"detected_cones.png"}, good2.events()[1].Files)
	assert.Empty(t, bad.events())
}

func TestBroadcastToEmptyRegistryIsNoop(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, nil)
	assert.Equal(t, Report{}, d.Broadcast(context.Background(), NewReloadEvent([]string{"a"})))

	late := &fakeSubscriber{id: "late"}
	reg.Add(late)
	assert.Empty(t, late.events(), "events are not saved for later subscribers")

	d.Notify(context.Background(), []string{"b"})
	require.Len(t, late.events(), 1)
	assert.Equal(t, []string{"b"}, late.events()[0].Files)
}

func TestOutboxFullIsDeliveryFailure(t *testing.T) {
	reg := NewRegistry()
	slow := NewOutbox(1)
	fast := NewOutbox(4)
	reg.Add(slow)
	reg.Add(fast)
	d := NewDispatcher(reg, nil)

	first := d.Broadcast(context.Background(), NewReloadEvent([]string{"a"}))
	assert.Equal(t, 2, first.Delivered)

	second := d.Broadcast(context.Background(), NewReloadEvent([]string{"b"}))
	assert.Equal(t, Report{Attempted: 2, Delivered: 1, Pruned: 1}, second)
	assert.Equal(t, 1, reg.Len())
	assert.Len(t, fast.Events(), 2)

	// the overflowing outbox closed itself after keeping what it had queued
	assert.ErrorIs(t, slow.Send(context.Background(), NewReloadEvent(nil)), ErrOutboxClosed)
	ev, ok := <-slow.Events()
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, ev.Files)
	_, ok = <-slow.Events()
	assert.False(t, ok)
}

func TestOutboxCloseRejectsSends(t *testing.T) {
	box := NewOutbox(2)
	box.Close()
	box.Close()
	assert.ErrorIs(t, box.Send(context.Background(), NewReloadEvent(nil)), ErrOutboxClosed)
	_, open := <-box.Events()
	assert.False(t, open)
	assert.NotEmpty(t, box.ID())
}

func TestReloadEventWireFormat(t *testing.T) {
	data, err := json.Marshal(NewReloadEvent([]string{"detected_cones.json", "original_image.png"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"reload","files":["detected_cones.json","original_image.png"]}`, string(data))

	data, err = json.Marshal(ChangeEvent{Type: EventTypeReload})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"reload","files":[]}`, string(data))
}

func TestConcurrentAddRemoveDuringBroadcast(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := fmt.Sprintf("%d-%d", i, j)
				reg.Add(&fakeSubscriber{id: id})
				d.Broadcast(context.Background(), NewReloadEvent([]string{"x"}))
				reg.Remove(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Len())
}
