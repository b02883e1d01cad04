// Package eventbus is an in-memory fan-out of small domain signals.
//
// Publish never blocks; subscribers get buffered channels and a slow
// subscriber drops events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by reviewwatch components.
const (
	TypeTrackerObserved = "tracker.observed"
	TypeSchemaMismatch  = "tracker.schema_mismatch"
	TypeMonitorStarted  = "monitor.started"
	TypeMonitorStopped  = "monitor.stopped"
	TypeManuscriptMoved = "monitor.updated"
	TypeReconnect       = "monitor.reconnect"
	TypeNotifySent      = "notifier.sent"
	TypeNotifyFailed    = "notifier.failed"
	TypeNotifyDeduped   = "notifier.deduped"
	TypeNotifyDropped   = "notifier.dropped"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a bus that owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Deliver under the read lock so unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Nop discards everything. Components use it when no bus is wired.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
