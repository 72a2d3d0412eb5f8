package channel

import (
	"maps"
	"slices"
	"sync"
)

// handlerSet is a registry of callbacks for one event kind.
type handlerSet[T any] struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(T)
}

func (h *handlerSet[T]) add(fn func(T)) func() {
	h.mu.Lock()
	if h.fns == nil {
		h.fns = make(map[int]func(T))
	}
	id := h.next
	h.next++
	h.fns[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.fns, id)
			h.mu.Unlock()
		})
	}
}

// each calls every handler in registration order. The set is snapshotted so
// a handler may unsubscribe itself.
func (h *handlerSet[T]) each(v T) {
	h.mu.RLock()
	ids := slices.Sorted(maps.Keys(h.fns))
	fns := maps.Clone(h.fns)
	h.mu.RUnlock()

	for _, id := range ids {
		fns[id](v)
	}
}

func (h *handlerSet[T]) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.fns)
}
