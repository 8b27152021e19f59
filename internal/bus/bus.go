package bus

import (
	"log"
	"sync"

	"github.com/corvidlabs/axiomd/internal/types"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 1024
)

// subscription pairs a delivery channel with an optional task-id filter
// and a done channel the subscriber closes to unregister — closing the
// channel is a first-class signal, not an error condition.
type subscription struct {
	ch     chan types.Event
	taskID string // "" = unfiltered tap
	done   <-chan struct{}
	lagged bool // true once a drop has been reported for this episode
}

// Bus is the observable event bus. A supervisor owns exactly one Bus,
// passed explicitly through every component's constructor rather than
// held as a package-level singleton, so tests can start with a fresh
// Bus per scenario.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Publish fans out ev to every subscriber whose filter matches. Publish
// never blocks: a full subscriber channel drops the event for that
// subscriber and logs a warning once per lag episode, without raising it
// to the producer. No subscriber-lagged event is published and the
// number of dropped events is not recorded.
func (b *Bus) Publish(ev types.Event) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var stale []*subscription
	for _, s := range subs {
		select {
		case <-s.done:
			stale = append(stale, s)
			continue
		default:
		}
		if s.taskID != "" && s.taskID != ev.TaskID {
			continue
		}
		select {
		case s.ch <- ev:
			s.lagged = false
		default:
			if !s.lagged {
				s.lagged = true
				log.Printf("[BUS] WARNING: subscriber lagged, dropping kind=%s task=%s", ev.Kind, ev.TaskID)
			}
		}
	}
	if len(stale) > 0 {
		b.gc(stale)
	}
}

// gc removes closed subscriptions discovered during Publish.
func (b *Bus) gc(stale []*subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range stale {
		for i, cur := range b.subs {
			if cur == s {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}
}

// Subscribe returns a channel delivering every Event for taskID. Close
// done to unregister; the bus garbage-collects the channel lazily, on
// its next Publish call, rather than synchronously, so closing doesn't
// need the write lock on its own.
func (b *Bus) Subscribe(taskID string, done <-chan struct{}) <-chan types.Event {
	ch := make(chan types.Event, subscriberBufSize)
	b.mu.Lock()
	b.subs = append(b.subs, &subscription{ch: ch, taskID: taskID, done: done})
	b.mu.Unlock()
	return ch
}

// NewTap registers and returns an unfiltered channel receiving every
// published Event, for passive in-process observers such as a log or
// metrics sink. Close done to unregister.
func (b *Bus) NewTap(done <-chan struct{}) <-chan types.Event {
	ch := make(chan types.Event, tapBufSize)
	b.mu.Lock()
	b.subs = append(b.subs, &subscription{done: done, ch: ch})
	b.mu.Unlock()
	return ch
}
