package util

import "sync"

// Handlers is a concurrency-safe list of callbacks. Callers invoke the
// snapshot returned by All outside of their own locks.
type Handlers[F any] struct {
	mu     sync.Mutex
	nextID int
	items  []handlerEntry[F]
}

type handlerEntry[F any] struct {
	id int
	fn F
}

// Add registers fn and returns a function that removes it again.
func (h *Handlers[F]) Add(fn F) (remove func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.items = append(h.items, handlerEntry[F]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, it := range h.items {
				if it.id == id {
					h.items = append(h.items[:i:i], h.items[i+1:]...)
					return
				}
			}
		})
	}
}

// All returns the registered callbacks in registration order.
func (h *Handlers[F]) All() []F {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]F, len(h.items))
	for i, it := range h.items {
		out[i] = it.fn
	}
	return out
}

// Len reports how many callbacks are registered.
func (h *Handlers[F]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}
