package klog

import "sync"

// DefaultRingSize is the capacity of the kernel message buffer
const DefaultRingSize = 4096

// Ring keeps the most recent bytes written to it. It backs the syslog
// system call and is usually teed next to the console logger
type Ring struct {
	mutex sync.Mutex
	buf   []byte
	size  int
}

// NewRing creates a ring of size bytes
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{size: size}
}

func (r *Ring) Write(p []byte) (int, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.buf = append(r.buf, p...)
	if over := len(r.buf) - r.size; over > 0 {
		r.buf = append(r.buf[:0], r.buf[over:]...)
	}
	return len(p), nil
}

// Size returns the capacity of the ring
func (r *Ring) Size() int { return r.size }

// Len returns the number of unread bytes held
func (r *Ring) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.buf)
}

// Head returns the oldest n bytes held
func (r *Ring) Head(n int) []byte {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	n = min(n, len(r.buf))
	return append([]byte(nil), r.buf[:n]...)
}

// Tail returns the newest n bytes held
func (r *Ring) Tail(n int) []byte {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	n = min(n, len(r.buf))
	return append([]byte(nil), r.buf[len(r.buf)-n:]...)
}

// Consume removes and returns the oldest n bytes held
func (r *Ring) Consume(n int) []byte {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	n = min(n, len(r.buf))
	out := append([]byte(nil), r.buf[:n]...)
	r.buf = append(r.buf[:0], r.buf[n:]...)
	return out
}

// Clear drops everything held
func (r *Ring) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.buf = r.buf[:0]
}
