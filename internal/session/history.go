package session

// ring is a fixed-capacity FIFO that evicts its oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	n    int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

// push appends v and reports whether the oldest element was evicted.
func (r *ring[T]) push(v T) bool {
	if r.n == len(r.buf) {
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.n)%len(r.buf)] = v
	r.n++
	return false
}

func (r *ring[T]) len() int { return r.n }

func (r *ring[T]) last() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.buf[(r.head+r.n-1)%len(r.buf)], true
}

// tail copies the newest k elements, oldest first.
func (r *ring[T]) tail(k int) []T {
	if k > r.n {
		k = r.n
	}
	if k <= 0 {
		return nil
	}
	out := make([]T, k)
	start := r.head + r.n - k
	for i := 0; i < k; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// slice copies every element, oldest first.
func (r *ring[T]) slice() []T {
	return r.tail(r.n)
}
