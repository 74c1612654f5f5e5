// Package broadcast fans agent notifications out to host page subscribers,
// standing in for the same-document post a page would otherwise receive.
package broadcast

import (
	"sync"

	"github.com/jmylchreest/notedown/internal/logger"
	"github.com/jmylchreest/notedown/internal/protocol"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 8

// Hub delivers published messages to every current subscriber. A
// subscriber that falls behind loses messages rather than blocking the
// publisher.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan protocol.Message
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan protocol.Message)}
}

// Subscribe registers a subscriber. The returned cancel function removes
// it and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan protocol.Message, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan protocol.Message, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish sends msg to all subscribers without blocking.
func (h *Hub) Publish(msg protocol.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			logger.Debug("broadcast dropped for slow subscriber", "subscriber", id, "type", msg.Type)
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
