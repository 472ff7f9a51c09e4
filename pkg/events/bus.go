package events

import "sync"

// Bus is an in-process event sink. Components append events only after their
// state transition has committed, so a subscriber can never observe an event
// without the corresponding state change.
type Bus struct {
	mu   sync.RWMutex
	log  []Event
	subs []chan Event
}

func NewBus() *Bus {
	return &Bus{}
}

// Emit appends ev to the retained log and fans it out to subscribers.
// Slow subscribers are skipped rather than blocking the emitter.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	b.log = append(b.log, ev)
	subs := make([]chan Event, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a buffered channel receiving future events.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Log returns a snapshot of every emitted event, oldest first.
func (b *Bus) Log() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.log))
	copy(out, b.log)
	return out
}
