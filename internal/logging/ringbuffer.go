package logging

import "sync"

// ringBuffer keeps the tail of the log stream in memory so recent records
// can be inspected without touching the rotated files. It implements
// io.Writer; once full, the oldest bytes are overwritten.
type ringBuffer struct {
	mu      sync.Mutex
	buf     []byte
	w       int // next write position
	wrapped bool
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 10 << 20
	}
	return &ringBuffer{buf: make([]byte, capacity)}
}

func (rb *ringBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	if n >= len(rb.buf) {
		// Only the tail of an oversized write survives.
		copy(rb.buf, p[n-len(rb.buf):])
		rb.w = 0
		rb.wrapped = true
		return n, nil
	}

	head := copy(rb.buf[rb.w:], p)
	if head < n {
		copy(rb.buf, p[head:])
		rb.wrapped = true
	}
	rb.w = (rb.w + n) % len(rb.buf)
	if rb.w == 0 && head == n {
		rb.wrapped = true
	}
	return n, nil
}

// Snapshot returns the buffered bytes in write order.
func (rb *ringBuffer) Snapshot() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.wrapped {
		out := make([]byte, rb.w)
		copy(out, rb.buf[:rb.w])
		return out
	}
	out := make([]byte, len(rb.buf))
	n := copy(out, rb.buf[rb.w:])
	copy(out[n:], rb.buf[:rb.w])
	return out
}
