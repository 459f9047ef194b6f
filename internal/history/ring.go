// Package history provides a fixed-capacity, oldest-evicted sample buffer.
// Health checks and resource samples are retained per service in one of these
// rings so that memory stays bounded no matter how long the daemon runs.
package history

// Ring is a bounded buffer that keeps only the most recent capacity items.
// The zero value is not usable; construct with NewRing. Ring is not
// goroutine-safe; owners guard it with their own lock.
type Ring[T any] struct {
	items    []T
	capacity int
	start    int
	size     int
}

// NewRing returns a ring holding at most capacity items. Capacity values
// below one are clamped to one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Append adds an item, evicting the oldest when full.
func (r *Ring[T]) Append(item T) {
	if r.size < r.capacity {
		r.items[(r.start+r.size)%r.capacity] = item
		r.size++
		return
	}
	r.items[r.start] = item
	r.start = (r.start + 1) % r.capacity
}

// Items returns the retained items, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.start+i)%r.capacity])
	}
	return out
}

// Last returns the most recent item, if any.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[(r.start+r.size-1)%r.capacity], true
}

// Len returns the number of retained items.
func (r *Ring[T]) Len() int {
	return r.size
}

// Capacity returns the maximum number of retained items.
func (r *Ring[T]) Capacity() int {
	return r.capacity
}
