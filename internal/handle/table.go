// Package handle keeps Go values reachable while an integer token standing in
// for them travels through native code as opaque user data.
package handle

import "sync"

// Handle is a non-zero token identifying a table entry.
type Handle uintptr

// Table maps handles to values. Take removes the entry, so each inserted value
// is handed back at most once.
type Table[T any] struct {
	mu      sync.Mutex
	next    Handle
	entries map[Handle]T
}

// NewTable returns an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{entries: make(map[Handle]T)}
}

// Insert stores v and returns its handle.
func (t *Table[T]) Insert(v T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		t.next++
		if t.next == 0 {
			continue
		}
		if _, taken := t.entries[t.next]; !taken {
			break
		}
	}
	t.entries[t.next] = v
	return t.next
}

// Get returns the value for h without removing it.
func (t *Table[T]) Get(h Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[h]
	return v, ok
}

// Take removes and returns the value for h.
func (t *Table[T]) Take(h Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.entries[h]
	if ok {
		delete(t.entries, h)
	}
	return v, ok
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Drain removes every entry and returns the values.
func (t *Table[T]) Drain() []T {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]T, 0, len(t.entries))
	for h, v := range t.entries {
		out = append(out, v)
		delete(t.entries, h)
	}
	return out
}
