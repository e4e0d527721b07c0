package component

import "github.com/realtime-ai/omxil/pkg/omx"

// Callbacks receive what a component reports to its client. They run on the
// component's loop and must not block or call synchronous component methods
// (GetParameter, SetParameter, tunnel setup, Free) of the same component.
type Callbacks interface {
	OnEvent(c *Component, e omx.Event)
	// OnEmptyBufferDone returns an input header to the client for refill.
	OnEmptyBufferDone(c *Component, h *omx.BufferHeader)
	// OnFillBufferDone hands a filled output header to the client.
	OnFillBufferDone(c *Component, h *omx.BufferHeader)
}

// CallbackFuncs adapts plain functions to Callbacks. Nil fields are skipped.
type CallbackFuncs struct {
	Event           func(c *Component, e omx.Event)
	EmptyBufferDone func(c *Component, h *omx.BufferHeader)
	FillBufferDone  func(c *Component, h *omx.BufferHeader)
}

func (f CallbackFuncs) OnEvent(c *Component, e omx.Event) {
	if f.Event != nil {
		f.Event(c, e)
	}
}

func (f CallbackFuncs) OnEmptyBufferDone(c *Component, h *omx.BufferHeader) {
	if f.EmptyBufferDone != nil {
		f.EmptyBufferDone(c, h)
	}
}

func (f CallbackFuncs) OnFillBufferDone(c *Component, h *omx.BufferHeader) {
	if f.FillBufferDone != nil {
		f.FillBufferDone(c, h)
	}
}
