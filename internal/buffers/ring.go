// ring.go — Fixed-capacity ring buffer with cursor-based reads.
// Backs the diagnostics log buffer, per-tab network capture, and the
// debug-mode log forwarder. Thread-safe.
package buffers

import "sync"

// Cursor is a monotonic read position. Position counts every entry ever
// written, so a reader can detect eviction: anything older than
// totalWritten-len has been overwritten.
type Cursor struct {
	Position int64
}

// Ring is a fixed-capacity circular buffer. Writes evict the oldest entry
// once the buffer is full. Multiple readers keep independent cursors.
type Ring[T any] struct {
	mu           sync.RWMutex
	entries      []T
	capacity     int
	head         int   // index of the next write
	totalWritten int64 // monotonic counter of all entries ever written
}

// NewRing creates a ring buffer with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		entries:  make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Append adds one entry, evicting the oldest if at capacity.
func (r *Ring[T]) Append(entry T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) < r.capacity {
		r.entries = append(r.entries, entry)
	} else {
		r.entries[r.head] = entry
	}
	r.head = (r.head + 1) % r.capacity
	r.totalWritten++
}

// Snapshot returns all entries currently buffered, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.orderedLocked()
}

// Filter returns up to limit entries passing keep, oldest first.
// limit <= 0 means no limit.
func (r *Ring[T]) Filter(keep func(T) bool, limit int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []T
	for _, e := range r.orderedLocked() {
		if !keep(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ReadFrom returns entries written after the cursor and an advanced cursor.
// If the cursor position has been evicted the read starts at the oldest
// surviving entry.
func (r *Ring[T]) ReadFrom(cursor Cursor) ([]T, Cursor) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	next := Cursor{Position: r.totalWritten}
	if len(r.entries) == 0 {
		return nil, next
	}

	oldest := r.totalWritten - int64(len(r.entries))
	start := cursor.Position
	if start < oldest {
		start = oldest
	}
	available := r.totalWritten - start
	if available <= 0 {
		return nil, next
	}

	ordered := r.orderedLocked()
	return ordered[int64(len(ordered))-available:], next
}

// Len returns the number of buffered entries.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int { return r.capacity }

// TotalWritten returns the monotonic write counter.
func (r *Ring[T]) TotalWritten() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalWritten
}

// Clear drops all buffered entries. The monotonic counter is preserved so
// existing cursors stay valid.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.entries[:0]
	r.head = 0
}

// orderedLocked returns buffered entries oldest-first. Caller holds the lock.
func (r *Ring[T]) orderedLocked() []T {
	out := make([]T, len(r.entries))
	if len(r.entries) < r.capacity {
		copy(out, r.entries)
		return out
	}
	n := copy(out, r.entries[r.head:])
	copy(out[n:], r.entries[:r.head])
	return out
}
