package bus

import (
	"sync"
	"time"

	"github.com/sipeed/picocrm/pkg/logger"
)

const defaultBuffer = 64

// MessageBus fans inbox events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type MessageBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewMessageBus() *MessageBus {
	return &MessageBus{subs: make(map[int]chan Event)}
}

func (mb *MessageBus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	for id, ch := range mb.subs {
		select {
		case ch <- ev:
		default:
			logger.WarnCF("bus", "Subscriber buffer full, dropping event", map[string]interface{}{
				"subscriber": id,
				"kind":       string(ev.Kind),
			})
		}
	}
}

// Subscribe returns a buffered event stream and a function that detaches it.
func (mb *MessageBus) Subscribe() (<-chan Event, func()) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	ch := make(chan Event, defaultBuffer)
	if mb.closed {
		close(ch)
		return ch, func() {}
	}
	id := mb.nextID
	mb.nextID++
	mb.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			mb.mu.Lock()
			defer mb.mu.Unlock()
			if c, ok := mb.subs[id]; ok {
				delete(mb.subs, id)
				close(c)
			}
		})
	}
}

// Handle runs fn for every event until the bus closes or stop is called.
func (mb *MessageBus) Handle(fn EventHandler) (stop func()) {
	ch, unsubscribe := mb.Subscribe()
	go func() {
		for ev := range ch {
			fn(ev)
		}
	}()
	return unsubscribe
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	for id, ch := range mb.subs {
		close(ch)
		delete(mb.subs, id)
	}
}
