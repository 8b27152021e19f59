package bus

import (
	"testing"
	"time"

	"github.com/corvidlabs/axiomd/internal/types"
)

func TestBus_SubscribeFiltersByTaskID(t *testing.T) {
	b := New()
	done := make(chan struct{})
	defer close(done)

	ch := b.Subscribe("t1", done)
	b.Publish(types.Event{Kind: types.EventOutputChunk, TaskID: "t2"})
	b.Publish(types.Event{Kind: types.EventOutputChunk, TaskID: "t1"})

	select {
	case ev := <-ch:
		if ev.TaskID != "t1" {
			t.Fatalf("expected event for t1, got %s", ev.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestBus_TapReceivesEverything(t *testing.T) {
	b := New()
	done := make(chan struct{})
	defer close(done)

	tap := b.NewTap(done)
	b.Publish(types.Event{Kind: types.EventStateChange, TaskID: "a"})
	b.Publish(types.Event{Kind: types.EventStateChange, TaskID: "b"})

	for i := 0; i < 2; i++ {
		select {
		case <-tap:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBus_PublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New()
	done := make(chan struct{})
	defer close(done)

	ch := b.Subscribe("t1", done)
	// Fill the subscriber's buffer without draining it.
	for i := 0; i < subscriberBufSize+10; i++ {
		finished := make(chan struct{})
		go func() {
			b.Publish(types.Event{Kind: types.EventOutputChunk, TaskID: "t1"})
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(time.Second):
			t.Fatalf("Publish blocked on a full subscriber at iteration %d", i)
		}
	}
	if len(ch) == 0 {
		t.Fatal("expected subscriber channel to have buffered events")
	}
}

func TestBus_ClosedDoneIsGarbageCollected(t *testing.T) {
	b := New()
	done := make(chan struct{})
	_ = b.Subscribe("t1", done)
	close(done)

	// Two publishes: the first observes the closed done channel and GCs
	// the subscription; nothing should panic or block afterward.
	b.Publish(types.Event{Kind: types.EventOutputChunk, TaskID: "t1"})
	b.Publish(types.Event{Kind: types.EventOutputChunk, TaskID: "t1"})

	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	if n != 0 {
		t.Fatalf("expected subscription to be garbage-collected, got %d remaining", n)
	}
}
