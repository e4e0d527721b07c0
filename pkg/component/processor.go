package component

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/reactor"
)

// Kernel is the view of its component a processor gets. Every method must
// be called from a processor hook, on the component's loop.
type Kernel interface {
	Name() string
	Role() string
	Logger() *logrus.Entry
	State() omx.State

	// Ports is the number of ports of the component.
	Ports() int
	// Select returns the ports in mask that have a header to claim.
	Select(mask omx.PortMask) omx.PortMask
	// Claim takes the oldest available header of a port, or nil.
	Claim(pid int) (*omx.BufferHeader, error)
	// Release hands a claimed header back to its port, which passes it on
	// to the tunnel peer or the client.
	Release(pid int, h *omx.BufferHeader) error

	Definition(pid int) (omx.PortDefinition, error)
	Param(idx omx.Index, pid int) (omx.Param, error)
	SetParam(p omx.Param) error
	// PortSettingsChanged announces new settings of an output port to the
	// client and to the tunnel peer.
	PortSettingsChanged(pid int, idx omx.Index) error

	// Watchers created here are stopped by the kernel whenever the
	// component leaves Executing or Pause.
	NewIOWatcher(fd int, events reactor.IOEvents) *reactor.IOWatcher
	NewTimerWatcher(after, repeat time.Duration) *reactor.TimerWatcher

	// Error raises an error event without a state change.
	Error(err error)
}

// Processor is the role specific part of a component. The kernel calls
// BuffersReady in Executing whenever headers are available and keeps
// calling it while the processor makes progress. Each call should do a
// bounded amount of work.
type Processor interface {
	BuffersReady(k Kernel) error
}

// ResourceHandler is called on Loaded->Idle and Idle->Loaded.
type ResourceHandler interface {
	AllocateResources(k Kernel) error
	DeallocateResources(k Kernel) error
}

// TransferHandler is called around Executing. PrepareToTransfer and
// TransferAndProcess run in order on Idle->Executing; StopAndReturn runs
// when leaving Executing or Pause and must release every claimed header.
type TransferHandler interface {
	PrepareToTransfer(k Kernel) error
	TransferAndProcess(k Kernel) error
	StopAndReturn(k Kernel) error
}

// IOHandler receives events of watchers created through the kernel.
type IOHandler interface {
	IOReady(k Kernel, ev reactor.IOEvent) error
}

// TimerHandler receives events of timers created through the kernel.
type TimerHandler interface {
	TimerReady(k Kernel, ev reactor.TimerEvent) error
}

// PauseHandler is called on Executing<->Pause.
type PauseHandler interface {
	Pause(k Kernel) error
	Resume(k Kernel) error
}

// PortHandler is called before the kernel flushes, disables or enables a
// port. PortFlush and PortDisable must release headers of that port.
type PortHandler interface {
	PortFlush(k Kernel, pid int) error
	PortDisable(k Kernel, pid int) error
	PortEnable(k Kernel, pid int) error
}

// ParamProvider declares the parameters a processor understands, with their
// defaults. SetParameter only accepts values of the declared types.
type ParamProvider interface {
	Params() []omx.Param
}

// BaseProcessor implements every optional hook as a successful no-op.
// Embed it and override what the role needs.
type BaseProcessor struct{}

func (BaseProcessor) AllocateResources(Kernel) error              { return nil }
func (BaseProcessor) DeallocateResources(Kernel) error            { return nil }
func (BaseProcessor) PrepareToTransfer(Kernel) error              { return nil }
func (BaseProcessor) TransferAndProcess(Kernel) error             { return nil }
func (BaseProcessor) StopAndReturn(Kernel) error                  { return nil }
func (BaseProcessor) IOReady(Kernel, reactor.IOEvent) error       { return nil }
func (BaseProcessor) TimerReady(Kernel, reactor.TimerEvent) error { return nil }
func (BaseProcessor) Pause(Kernel) error                          { return nil }
func (BaseProcessor) Resume(Kernel) error                         { return nil }
func (BaseProcessor) PortFlush(Kernel, int) error                 { return nil }
func (BaseProcessor) PortDisable(Kernel, int) error               { return nil }
func (BaseProcessor) PortEnable(Kernel, int) error                { return nil }
func (BaseProcessor) Params() []omx.Param                         { return nil }
