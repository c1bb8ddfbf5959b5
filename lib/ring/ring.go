package ring

// Ring is a bounded ring buffer that keeps the most recent Cap values.
// Once full, appending overwrites the oldest entry. The zero value is not
// usable; construct with New.
type Ring[T any] struct {
	buf   []T
	start int
	count int
}

// New creates a ring buffer holding at most capacity values.
// A non-positive capacity is treated as 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf: make([]T, capacity),
	}
}

// Append adds a value, evicting the oldest if the ring is full
func (r *Ring[T]) Append(v T) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = v
		r.count++
		return
	}

	// Full: overwrite the oldest slot and advance the start
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// Len returns the number of values currently held
func (r *Ring[T]) Len() int {
	return r.count
}

// Cap returns the maximum number of values the ring can hold
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Values returns the held values oldest-first as a fresh slice
func (r *Ring[T]) Values() []T {
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Reset discards all held values, keeping capacity
func (r *Ring[T]) Reset() {
	r.start = 0
	r.count = 0
}
