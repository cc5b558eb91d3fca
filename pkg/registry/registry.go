// Package registry provides a concurrent collection that several independent
// consumers can walk at their own pace while items are added and removed.
//
// Items live in an arena of slots. Every structural change bumps a generation
// counter; a cursor remembers the generation it was opened at and fails with
// ErrModified as soon as the two disagree. Consumers are expected to drop the
// stale cursor and open a new one on their next pass.
package registry

import (
	"errors"
	"sync"
)

var (
	// ErrModified is returned by GetNext when the registry changed after the
	// cursor was opened.
	ErrModified = errors.New("registry modified during iteration")

	// ErrUnknownCursor is returned for cursors that were never opened or were
	// already released.
	ErrUnknownCursor = errors.New("unknown registry cursor")

	// ErrDuplicate is returned when adding an item that is already present.
	ErrDuplicate = errors.New("item already registered")

	// ErrNotFound is returned when removing an item that is not present.
	ErrNotFound = errors.New("item not registered")
)

// CursorID identifies one open iteration.
type CursorID uint64

type slot[T comparable] struct {
	item T
	used bool
}

type cursor struct {
	generation uint64
	next       int
}

// Registry is safe for concurrent use. A single cursor must only be advanced
// by one goroutine at a time.
type Registry[T comparable] struct {
	mu         sync.RWMutex
	slots      []slot[T]
	free       []int
	index      map[T]int
	generation uint64
	cursors    map[CursorID]*cursor
	lastCursor CursorID
}

// New returns an empty registry.
func New[T comparable]() *Registry[T] {
	return &Registry[T]{
		index:   make(map[T]int),
		cursors: make(map[CursorID]*cursor),
	}
}

// Add inserts item, reusing a free slot when one exists.
func (r *Registry[T]) Add(item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[item]; exists {
		return ErrDuplicate
	}

	var pos int
	if n := len(r.free); n > 0 {
		pos = r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[pos] = slot[T]{item: item, used: true}
	} else {
		pos = len(r.slots)
		r.slots = append(r.slots, slot[T]{item: item, used: true})
	}
	r.index[item] = pos
	r.generation++
	return nil
}

// Remove deletes item and releases its slot for reuse.
func (r *Registry[T]) Remove(item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, exists := r.index[item]
	if !exists {
		return ErrNotFound
	}

	r.slots[pos] = slot[T]{}
	r.free = append(r.free, pos)
	delete(r.index, item)
	r.generation++
	return nil
}

// StartIterating opens a cursor positioned before the first item.
func (r *Registry[T]) StartIterating() CursorID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastCursor++
	r.cursors[r.lastCursor] = &cursor{generation: r.generation}
	return r.lastCursor
}

// GetNext returns the next item for the cursor. ok is false once the cursor
// is exhausted. Calling GetNext again after that keeps reporting the end.
func (r *Registry[T]) GetNext(id CursorID) (item T, ok bool, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.cursors[id]
	if !exists {
		return item, false, ErrUnknownCursor
	}
	if c.generation != r.generation {
		return item, false, ErrModified
	}

	for c.next < len(r.slots) {
		s := r.slots[c.next]
		c.next++
		if s.used {
			return s.item, true, nil
		}
	}
	return item, false, nil
}

// StopIterating releases the cursor. Releasing an unknown cursor is a no-op.
func (r *Registry[T]) StopIterating(id CursorID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cursors, id)
}

// Len reports the number of items.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

// Contains reports whether item is present.
func (r *Registry[T]) Contains(item T) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.index[item]
	return exists
}

// Find returns the first item, in slot order, for which match returns true.
// match runs under the read lock and must not call back into the registry.
func (r *Registry[T]) Find(match func(T) bool) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.slots {
		if s.used && match(s.item) {
			return s.item, true
		}
	}
	var zero T
	return zero, false
}

// Items returns a copy of the current population in slot order.
func (r *Registry[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]T, 0, len(r.index))
	for _, s := range r.slots {
		if s.used {
			items = append(items, s.item)
		}
	}
	return items
}

// Cursors reports how many cursors are currently open.
func (r *Registry[T]) Cursors() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cursors)
}
