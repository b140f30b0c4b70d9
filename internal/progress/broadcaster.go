package progress

import (
	"sync"

	"github.com/rs/zerolog"

	"doc2long/internal/models"
)

// DefaultBuffer is the per-subscriber channel capacity used when none is given.
const DefaultBuffer = 256

// Subscription is one consumer of the event stream.
type Subscription struct {
	id uint64
	C  <-chan models.ProgressEvent
	b  *Broadcaster
}

// Unsubscribe stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.b != nil {
		s.b.unsubscribe(s.id)
	}
}

// Broadcaster fans ProgressEvents out to subscribers. Publishing never blocks:
// an event for a subscriber whose buffer is full is dropped and logged.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]chan models.ProgressEvent
	nextID uint64
	buffer int
	closed bool
	log    zerolog.Logger
}

// NewBroadcaster creates a broadcaster whose subscriptions buffer `buffer` events.
func NewBroadcaster(buffer int, log zerolog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		subs:   make(map[uint64]chan models.ProgressEvent),
		buffer: buffer,
		log:    log.With().Str("component", "broadcaster").Logger(),
	}
}

// Subscribe registers a new consumer. After Close it returns a subscription
// whose channel is already closed.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.ProgressEvent, b.buffer)
	if b.closed {
		close(ch)
		return &Subscription{C: ch}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return &Subscription{id: id, C: ch, b: b}
}

// Publish delivers ev to every subscriber.
func (b *Broadcaster) Publish(ev models.ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn().
				Uint64("subscriber", id).
				Str("task", ev.TaskID).
				Str("status", string(ev.Status)).
				Msg("subscriber buffer full, event dropped")
		}
	}
}

// Close closes every subscription channel. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *Broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}
