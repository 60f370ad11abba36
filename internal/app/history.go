package app

// Ring is a circular buffer keeping the most recent values.
type Ring[T any] struct {
	buf   []T
	pos   int
	count int
}

// NewRing creates a new circular buffer with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	return &Ring[T]{
		buf: make([]T, capacity),
	}
}

// Push adds a value to the ring buffer.
func (r *Ring[T]) Push(val T) {
	r.buf[r.pos] = val
	r.pos = (r.pos + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Values returns all stored values in chronological order.
func (r *Ring[T]) Values() []T {
	if r.count == 0 {
		return nil
	}
	result := make([]T, r.count)
	if r.count < len(r.buf) {
		copy(result, r.buf[:r.count])
	} else {
		start := r.pos
		n := copy(result, r.buf[start:])
		copy(result[n:], r.buf[:start])
	}
	return result
}

// Last returns the most recent value, or the zero value if empty.
func (r *Ring[T]) Last() T {
	var zero T
	if r.count == 0 {
		return zero
	}
	idx := (r.pos - 1 + len(r.buf)) % len(r.buf)
	return r.buf[idx]
}

// Len returns the number of stored values.
func (r *Ring[T]) Len() int {
	return r.count
}

// Reset drops every value.
func (r *Ring[T]) Reset() {
	r.pos, r.count = 0, 0
}
