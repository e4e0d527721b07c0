package component

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/port"
	"github.com/realtime-ai/omxil/pkg/reactor"
)

const waitTimeout = 2 * time.Second

var errBoom = errors.New("boom")

type recorder struct {
	events chan omx.Event
	ebd    chan *omx.BufferHeader
	fbd    chan *omx.BufferHeader

	mu   sync.Mutex
	seen []omx.Event
}

func newRecorder() *recorder {
	return &recorder{
		events: make(chan omx.Event, 1024),
		ebd:    make(chan *omx.BufferHeader, 1024),
		fbd:    make(chan *omx.BufferHeader, 1024),
	}
}

func (r *recorder) callbacks() Callbacks {
	return CallbackFuncs{
		Event: func(_ *Component, e omx.Event) {
			r.mu.Lock()
			r.seen = append(r.seen, e)
			r.mu.Unlock()
			r.events <- e
		},
		EmptyBufferDone: func(_ *Component, h *omx.BufferHeader) { r.ebd <- h },
		FillBufferDone:  func(_ *Component, h *omx.BufferHeader) { r.fbd <- h },
	}
}

func (r *recorder) next(t *testing.T) omx.Event {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
	}
	return omx.Event{}
}

// waitCommand returns the terminal event of a command.
func (r *recorder) waitCommand(t *testing.T, cmd omx.Command, data int) omx.Event {
	t.Helper()
	for {
		e := r.next(t)
		if (e.Kind == omx.EventCmdComplete || e.Kind == omx.EventError) && e.Command == cmd && e.Data1 == data {
			return e
		}
	}
}

// waitPorts waits for the terminal events of a port command on every pid,
// in any order.
func (r *recorder) waitPorts(t *testing.T, cmd omx.Command, pids ...int) map[int]omx.Event {
	t.Helper()
	out := make(map[int]omx.Event)
	for len(out) < len(pids) {
		e := r.next(t)
		if (e.Kind == omx.EventCmdComplete || e.Kind == omx.EventError) && e.Command == cmd {
			out[e.Data1] = e
		}
	}
	return out
}

func (r *recorder) waitKind(t *testing.T, kind omx.EventKind) omx.Event {
	t.Helper()
	for {
		if e := r.next(t); e.Kind == kind {
			return e
		}
	}
}

func (r *recorder) count(kind omx.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.seen {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) errors() []omx.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []omx.Event
	for _, e := range r.seen {
		if e.Kind == omx.EventError {
			out = append(out, e)
		}
	}
	return out
}

// fakeProc records hook calls and fails on demand.
type fakeProc struct {
	BaseProcessor

	mu    sync.Mutex
	calls []string

	allocErr    error
	deallocErr  error
	prepareErr  error
	transferErr error
	stopErr     error

	onAlloc    func(k Kernel) error
	onPrepare  func(k Kernel)
	onTransfer func(k Kernel) error
	onBuffers  func(k Kernel) error
	onIO       func(k Kernel, ev reactor.IOEvent) error
	onTimer    func(k Kernel, ev reactor.TimerEvent) error
}

func (f *fakeProc) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeProc) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeProc) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// hook records a call and returns the error configured for it.
func (f *fakeProc) hook(name string, errp *error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return *errp
}

func (f *fakeProc) setErr(errp *error, err error) {
	f.mu.Lock()
	*errp = err
	f.mu.Unlock()
}

func (f *fakeProc) AllocateResources(k Kernel) error {
	err := f.hook("allocate", &f.allocErr)
	if f.onAlloc != nil && err == nil {
		err = f.onAlloc(k)
	}
	return err
}

func (f *fakeProc) DeallocateResources(Kernel) error {
	return f.hook("deallocate", &f.deallocErr)
}

func (f *fakeProc) PrepareToTransfer(k Kernel) error {
	if f.onPrepare != nil {
		f.onPrepare(k)
	}
	return f.hook("prepare", &f.prepareErr)
}

func (f *fakeProc) TransferAndProcess(k Kernel) error {
	err := f.hook("transfer", &f.transferErr)
	if f.onTransfer != nil && err == nil {
		err = f.onTransfer(k)
	}
	return err
}

func (f *fakeProc) StopAndReturn(Kernel) error {
	return f.hook("stop", &f.stopErr)
}

func (f *fakeProc) Pause(Kernel) error {
	f.record("pause")
	return nil
}

func (f *fakeProc) Resume(Kernel) error {
	f.record("resume")
	return nil
}

func (f *fakeProc) BuffersReady(k Kernel) error {
	f.record("buffers")
	if f.onBuffers != nil {
		return f.onBuffers(k)
	}
	return nil
}

func (f *fakeProc) IOReady(k Kernel, ev reactor.IOEvent) error {
	f.record("io")
	if f.onIO != nil {
		return f.onIO(k, ev)
	}
	return nil
}

func (f *fakeProc) TimerReady(k Kernel, ev reactor.TimerEvent) error {
	f.record("timer")
	if f.onTimer != nil {
		return f.onTimer(k, ev)
	}
	return nil
}

func (f *fakeProc) Params() []omx.Param {
	return []omx.Param{omx.ContentURI{URI: "file:///dev/null"}, omx.DefaultAudioPCM(0)}
}

func outPort(count, size int) port.Options {
	return port.Options{Domain: omx.DomainAudio, Dir: omx.DirOutput, MinBufCount: count, MinBufSize: size}
}

func inPort(count, size int) port.Options {
	return port.Options{Domain: omx.DomainAudio, Dir: omx.DirInput, MinBufCount: count, MinBufSize: size}
}

func newTestComponent(t *testing.T, name string, proc Processor, rec *recorder, cfg Config, ports ...port.Options) *Component {
	t.Helper()
	role := Role{Name: "test." + name, Ports: ports, NewProcessor: func() Processor { return proc }}
	cfg.Name = name
	cfg.Callbacks = rec.callbacks()
	c, err := New(cfg, Factory{Name: "OMX.test." + name, Roles: []Role{role}}, role)
	require.NoError(t, err)
	t.Cleanup(func() { c.Free(context.Background()) })
	return c
}

func setState(t *testing.T, c *Component, rec *recorder, s omx.State) omx.Event {
	t.Helper()
	require.NoError(t, c.SendCommand(omx.CommandStateSet, int(s)))
	return rec.waitCommand(t, omx.CommandStateSet, int(s))
}

func mustSetState(t *testing.T, c *Component, rec *recorder, s omx.State) {
	t.Helper()
	e := setState(t, c, rec, s)
	require.Equal(t, omx.EventCmdComplete, e.Kind, "%s: %v", s, e.Err)
	require.Equal(t, s, c.State())
}

func inspect(t *testing.T, c *Component) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	st, err := c.Inspect(ctx)
	require.NoError(t, err)
	return st
}

func nextHeader(t *testing.T, ch <-chan *omx.BufferHeader) *omx.BufferHeader {
	t.Helper()
	select {
	case h := <-ch:
		return h
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for header")
	}
	return nil
}

func noHeader(t *testing.T, ch <-chan *omx.BufferHeader) {
	t.Helper()
	select {
	case h := <-ch:
		t.Fatalf("unexpected header on port %d/%d", h.InputPortIndex, h.OutputPortIndex)
	default:
	}
}
