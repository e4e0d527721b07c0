package port

import (
	"fmt"
	"sync"

	"github.com/realtime-ai/omxil/pkg/omx"
)

// Allocator provides the memory behind buffer headers.
type Allocator interface {
	Alloc(size int) ([]byte, error)
	Free(buf []byte)
}

// HeapAllocator allocates from the Go heap, optionally within a byte budget.
type HeapAllocator struct {
	mu     sync.Mutex
	limit  int64
	inUse  int64
	allocs int64
}

// NewHeapAllocator returns an allocator that refuses to hand out more than
// limit bytes at once. limit <= 0 means unbounded.
func NewHeapAllocator(limit int64) *HeapAllocator {
	return &HeapAllocator{limit: limit}
}

func (a *HeapAllocator) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: buffer size %d", omx.ErrBadParameter, size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limit > 0 && a.inUse+int64(size) > a.limit {
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			omx.ErrInsufficientResources, size, a.inUse, a.limit)
	}
	a.inUse += int64(size)
	a.allocs++
	return make([]byte, size), nil
}

func (a *HeapAllocator) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse -= int64(len(buf))
	a.allocs--
}

// InUse returns the bytes and buffers currently allocated.
func (a *HeapAllocator) InUse() (bytes int64, buffers int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse, a.allocs
}
