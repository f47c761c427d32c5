// Package broadcast fans values out to any number of subscribers. Late
// subscribers only see values published after they subscribed.
package broadcast

import "sync"

// Hub is a multi-consumer stream of T.
type Hub[T any] struct {
	mu      sync.Mutex
	clients map[chan T]struct{}
	buffer  int
	closed  bool
	onDrop  func()
}

// NewHub creates a hub whose subscriber channels hold buffer values.
func NewHub[T any](buffer int) *Hub[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub[T]{
		clients: make(map[chan T]struct{}),
		buffer:  buffer,
	}
}

// OnDrop registers a callback run whenever a slow subscriber loses a value.
func (h *Hub[T]) OnDrop(fn func()) {
	h.mu.Lock()
	h.onDrop = fn
	h.mu.Unlock()
}

// Subscribe registers a new client. The returned cancel func unregisters
// and closes the channel; it is safe to call more than once.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client := make(chan T, h.buffer)
	if h.closed {
		close(client)
		return client, func() {}
	}
	h.clients[client] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
		})
	}
	return client, cancel
}

// Publish delivers v to every client without blocking. A client whose
// buffer is full loses its oldest pending value so it always ends up with
// the newest one.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	for client := range h.clients {
		select {
		case client <- v:
			continue
		default:
		}

		select {
		case <-client:
		default:
		}
		if h.onDrop != nil {
			h.onDrop()
		}
		select {
		case client <- v:
		default:
		}
	}
}

// Subscribers returns the number of registered clients.
func (h *Hub[T]) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close closes every client channel. Later calls are no-ops.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for client := range h.clients {
		close(client)
		delete(h.clients, client)
	}
}
