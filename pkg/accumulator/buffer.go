// Package accumulator provides the hand-off buffer between the per-event
// producers and the periodic flusher.
//
// Producers append under a mutex. The flusher drains by swapping the
// internal slice for a fresh one, so the lock is held for O(1) work and no
// producer ever waits behind a fit or a store write.
package accumulator

import (
	"sync"

	"github.com/unijord/xrfstage/pkg/event"
)

// Entry is one extracted sample waiting for the batch fit.
type Entry struct {
	Event    uint64
	Position event.Position
	Spectrum []float64
}

// Buffer is a mutex-guarded append buffer. The zero value is ready to use.
type Buffer[T any] struct {
	mu    sync.Mutex
	items []T
}

// New creates a Buffer with room for capacity items before it grows.
func New[T any](capacity int) *Buffer[T] {
	return &Buffer[T]{items: make([]T, 0, capacity)}
}

// Append adds one item.
func (b *Buffer[T]) Append(item T) {
	b.mu.Lock()
	b.items = append(b.items, item)
	b.mu.Unlock()
}

// AppendBatch adds items keeping their relative order.
func (b *Buffer[T]) AppendBatch(items []T) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	b.items = append(b.items, items...)
	b.mu.Unlock()
}

// Drain moves the buffered items out and leaves an empty buffer behind.
// The returned slice is owned by the caller.
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	drained := b.items
	b.items = nil
	b.mu.Unlock()
	return drained
}

// Requeue puts drained items back in front of anything appended since the
// drain. It is used when the work that followed a Drain failed, so the
// next Drain sees the same items again in the same order.
func (b *Buffer[T]) Requeue(items []T) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	b.items = append(items[:len(items):len(items)], b.items...)
	b.mu.Unlock()
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
