package session

import "sync"

// LineBuffer is a fixed-capacity circular buffer of output lines. The
// oldest line is evicted when a new one arrives at capacity.
type LineBuffer struct {
	mu       sync.RWMutex
	buf      []string
	capacity int
	pos      int // next write position
	full     bool
}

// NewLineBuffer creates a buffer holding at most capacity lines.
func NewLineBuffer(capacity int) *LineBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &LineBuffer{
		buf:      make([]string, capacity),
		capacity: capacity,
	}
}

// Append adds lines at the newest end.
func (lb *LineBuffer) Append(lines ...string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	for _, line := range lines {
		lb.buf[lb.pos] = line
		lb.pos = (lb.pos + 1) % lb.capacity
		if lb.pos == 0 {
			lb.full = true
		}
	}
}

// Len returns the number of buffered lines.
func (lb *LineBuffer) Len() int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if lb.full {
		return lb.capacity
	}
	return lb.pos
}

// Lines returns every buffered line, oldest first.
func (lb *LineBuffer) Lines() []string {
	return lb.Tail(lb.capacity)
}

// Tail returns the newest n lines, oldest first.
func (lb *LineBuffer) Tail(n int) []string {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	size := lb.pos
	if lb.full {
		size = lb.capacity
	}
	if n > size {
		n = size
	}
	if n <= 0 {
		return nil
	}

	result := make([]string, n)
	start := (lb.pos - n + lb.capacity) % lb.capacity
	for i := 0; i < n; i++ {
		result[i] = lb.buf[(start+i)%lb.capacity]
	}
	return result
}
