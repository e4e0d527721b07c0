package omx

import (
	"fmt"
	"strings"
	"time"
)

// BufferFlags mark stream properties carried by a buffer.
type BufferFlags uint32

const (
	FlagEOS BufferFlags = 1 << iota
	FlagStartTime
	FlagSyncFrame
	FlagExtraData
	FlagCodecConfig
)

func (f BufferFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, e := range []struct {
		flag BufferFlags
		name string
	}{
		{FlagEOS, "eos"},
		{FlagStartTime, "starttime"},
		{FlagSyncFrame, "syncframe"},
		{FlagExtraData, "extradata"},
		{FlagCodecConfig, "codecconfig"},
	} {
		if f&e.flag != 0 {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}

// BufferHeader describes one buffer of a port pool. A header has exactly one
// owner at a time: its port, the processor that claimed it, the tunnel peer
// or the client it was handed to.
type BufferHeader struct {
	Buffer    []byte
	FilledLen int
	Offset    int
	Flags     BufferFlags
	Timestamp time.Duration

	// Sequence is assigned by the output port on every release.
	Sequence uint64

	// PortIndex is the port the header was last claimed from, -1 while it
	// sits in a pool.
	PortIndex int

	InputPortIndex  int
	OutputPortIndex int

	AppPrivate any
}

// NewBufferHeader wraps buf in a pooled header.
func NewBufferHeader(buf []byte) *BufferHeader {
	return &BufferHeader{
		Buffer:          buf,
		PortIndex:       -1,
		InputPortIndex:  -1,
		OutputPortIndex: -1,
	}
}

// AllocLen is the size of the allocated region.
func (h *BufferHeader) AllocLen() int { return len(h.Buffer) }

// Data returns the filled part of the buffer.
func (h *BufferHeader) Data() []byte {
	return h.Buffer[h.Offset : h.Offset+h.FilledLen]
}

// Free returns the writable tail after the filled part.
func (h *BufferHeader) Free() []byte {
	return h.Buffer[h.Offset+h.FilledLen:]
}

// EOS reports whether the header carries the end-of-stream flag.
func (h *BufferHeader) EOS() bool { return h.Flags&FlagEOS != 0 }

// Check validates the length fields against the allocation.
func (h *BufferHeader) Check() error {
	if h == nil {
		return fmt.Errorf("%w: nil header", ErrBadParameter)
	}
	if h.FilledLen < 0 || h.Offset < 0 || h.Offset+h.FilledLen > h.AllocLen() {
		return fmt.Errorf("%w: offset %d + filled %d exceeds alloc %d",
			ErrBadParameter, h.Offset, h.FilledLen, h.AllocLen())
	}
	return nil
}

// Reset clears payload bookkeeping so the header can be refilled.
func (h *BufferHeader) Reset() {
	h.FilledLen = 0
	h.Offset = 0
	h.Flags = 0
	h.Timestamp = 0
}

// Write appends p to the filled region and returns the bytes copied.
func (h *BufferHeader) Write(p []byte) int {
	n := copy(h.Free(), p)
	h.FilledLen += n
	return n
}
