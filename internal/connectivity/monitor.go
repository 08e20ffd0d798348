package connectivity

import (
	"sync"
	"time"
)

// Event reports a connectivity transition
type Event struct {
	Connected bool
	At        time.Time
}

// Monitor tells whether the remote image store is reachable and notifies
// subscribers of transitions
type Monitor interface {
	IsConnected() bool
	// Subscribe returns a channel of transitions and a function to stop receiving
	Subscribe() (<-chan Event, func())
}

// broadcaster holds the connected flag and fans transitions out to subscribers.
// Slow subscribers miss events rather than block the sender; the current
// state is always available from IsConnected.
type broadcaster struct {
	mu          sync.RWMutex
	connected   bool
	subscribers map[int]chan Event
	nextID      int
}

func newBroadcaster(initial bool) *broadcaster {
	return &broadcaster{
		connected:   initial,
		subscribers: make(map[int]chan Event),
	}
}

func (b *broadcaster) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 4)
	b.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subscribers, id)
			close(ch)
		})
	}
}

// set stores the new state and reports whether it changed
func (b *broadcaster) set(connected bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected == connected {
		return false
	}
	b.connected = connected

	event := Event{Connected: connected, At: time.Now()}
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	return true
}
