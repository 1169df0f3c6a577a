package server

import (
	"log/slog"
	"sync"
)

// subscriberBuffer is the number of messages a slow subscriber may lag behind.
const subscriberBuffer = 16

// Hub fans out messages to WebSocket subscribers. It is safe for concurrent use.
type Hub struct {
	mu   sync.Mutex
	subs map[chan any]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan any]struct{})}
}

// Subscribe registers a subscriber. The returned function unregisters it
// and closes the channel.
func (h *Hub) Subscribe() (<-chan any, func()) {
	ch := make(chan any, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Broadcast sends msg to every subscriber. Subscribers whose buffer is
// full miss the message.
func (h *Hub) Broadcast(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			slog.Warn("dropping message for slow WebSocket subscriber")
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
