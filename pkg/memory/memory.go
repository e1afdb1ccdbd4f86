package memory

import "sync"

// Memory keeps the most recent items up to a fixed capacity.
type Memory[T any] struct {
	items    []T
	capacity int
	mu       sync.RWMutex
}

func NewMemory[T any](capacity int) *Memory[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Memory[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

// All returns a copy of the stored items, oldest first
func (m *Memory[T]) All() []T {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]T, len(m.items))
	copy(items, m.items)
	return items
}

// Store appends an item, evicting the oldest once over capacity.
func (m *Memory[T]) Store(item T) {
	if m == nil || m.capacity == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = append(m.items, item)
	if len(m.items) > m.capacity {
		m.items = m.items[len(m.items)-m.capacity:]
	}
}

func (m *Memory[T]) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Clear drops every item.
func (m *Memory[T]) Clear() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = m.items[:0]
}
