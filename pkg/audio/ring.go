// Package audio holds the PCM helpers used by the audio plugins: a bounded
// byte ring, a playout pacer, G.711 companding and resampling.
package audio

import (
	"sync"
)

// Ring is a bounded FIFO of bytes. Writes never overwrite unread data; a
// full ring accepts only what fits. It is safe for one writer and one
// reader running on different goroutines.
type Ring struct {
	mu       sync.Mutex
	data     []byte
	readPos  int
	size     int
	capacity int
}

// NewRing returns a ring holding up to capacity bytes.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{data: make([]byte, capacity), capacity: capacity}
}

// NewRingFor sizes a ring for durationMs of 16 bit PCM.
func NewRingFor(sampleRate, channels, durationMs int) *Ring {
	return NewRing(sampleRate * durationMs / 1000 * channels * BytesPerSample)
}

// Write appends as much of p as fits and returns the number of bytes taken.
func (r *Ring) Write(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	if free := r.capacity - r.size; n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	writePos := (r.readPos + r.size) % r.capacity
	first := copy(r.data[writePos:], p[:n])
	copy(r.data, p[first:n])
	r.size += n
	return n
}

// Read moves up to len(p) of the oldest bytes into p.
func (r *Ring) Read(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read(p)
}

func (r *Ring) read(p []byte) int {
	n := len(p)
	if n > r.size {
		n = r.size
	}
	if n == 0 {
		return 0
	}

	first := copy(p[:n], r.data[r.readPos:])
	copy(p[first:n], r.data)
	r.readPos = (r.readPos + n) % r.capacity
	r.size -= n
	return n
}

// Peek returns a copy of the buffered bytes without consuming them.
func (r *Ring) Peek() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}
	out := make([]byte, r.size)
	first := copy(out, r.data[r.readPos:])
	copy(out[first:], r.data)
	return out
}

// Clear drops all buffered data.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readPos = 0
	r.size = 0
}

// Len is the number of unread bytes.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Free is the number of bytes a Write accepts right now.
func (r *Ring) Free() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity - r.size
}

// Cap returns the capacity in bytes.
func (r *Ring) Cap() int {
	return r.capacity
}
