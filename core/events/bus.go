package events

import (
	"sync"
	"time"

	"yieldvault/observability"
)

// Bus fans events out to buffered subscribers. Slow subscribers lose events
// rather than stalling the emitting engine.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Record
	nextID  uint64
	dropped uint64
	now     func() time.Time
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Record), now: time.Now}
}

// Emit implements the Emitter interface.
func (b *Bus) Emit(ev Event) {
	if b == nil || ev == nil {
		return
	}
	rec := ToRecord(ev, b.now().UTC())
	observability.Events().RecordEvent(rec.Type)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- rec:
		default:
			b.dropped++
		}
	}
}

// Subscribe registers a subscriber with the supplied buffer size. The returned
// cancel function closes the channel and must be called exactly once.
func (b *Bus) Subscribe(buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Record, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped reports how many deliveries were discarded because a subscriber
// buffer was full.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
