// Package eventbus decouples the orchestration core from its observers.
// The ledger, escalation machine, planner, sequencer, and dispatcher
// publish; the alerts pipeline and tests subscribe.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one in-memory signal.
//
// Publish never blocks: a subscriber that cannot keep up loses events
// rather than stalling a tick. Data payloads are the small structs in
// events.go.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  atomic.Uint64
	dropped atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Snapshot targets so no lock is held during sends.
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// A concurrently closed channel would panic the send; swallow it,
		// the subscriber is gone either way.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped reports how many events were lost to slow subscribers.
func (b *fanout) Dropped() uint64 { return b.dropped.Load() }
