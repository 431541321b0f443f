package circuit

import (
	"sync"
	"time"
)

// Event describes a state transition.
type Event struct {
	Key  string
	From State
	To   State
	At   time.Time
}

// Broker fans transition events out to subscribers. A subscriber whose buffer is
// full misses the event rather than stalling the breaker.
type Broker struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	dropped uint64
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a function that unsubscribes and closes it.
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *Broker) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Dropped counts events lost to full subscriber buffers.
func (b *Broker) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
