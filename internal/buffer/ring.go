// Package buffer holds small fixed-capacity containers.
package buffer

// Ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
// It is not safe for concurrent use.
type Ring[T any] struct {
	entries []T
	head    int
	size    int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{entries: make([]T, capacity)}
}

func (r *Ring[T]) Add(entry T) {
	if r == nil || len(r.entries) == 0 {
		return
	}
	tail := (r.head + r.size) % len(r.entries)
	r.entries[tail] = entry
	if r.size < len(r.entries) {
		r.size++
		return
	}
	r.head = (r.head + 1) % len(r.entries)
}

func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	return r.size
}

func (r *Ring[T]) Cap() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// List copies the entries out, oldest first.
func (r *Ring[T]) List() []T {
	if r == nil || r.size == 0 {
		return nil
	}
	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.entries[(r.head+i)%len(r.entries)])
	}
	return out
}
