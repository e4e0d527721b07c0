package component

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/port"
	"github.com/realtime-ai/omxil/pkg/reactor"
	"github.com/realtime-ai/omxil/pkg/rm"
)

var legalTransitions = map[[2]omx.State]bool{
	{omx.StateLoaded, omx.StateIdle}:             true,
	{omx.StateLoaded, omx.StateWaitForResources}: true,
	{omx.StateWaitForResources, omx.StateLoaded}: true,
	{omx.StateWaitForResources, omx.StateIdle}:   true,
	{omx.StateIdle, omx.StateLoaded}:             true,
	{omx.StateIdle, omx.StateExecuting}:          true,
	{omx.StateExecuting, omx.StateIdle}:          true,
	{omx.StateExecuting, omx.StatePause}:         true,
	{omx.StatePause, omx.StateExecuting}:         true,
	{omx.StatePause, omx.StateIdle}:              true,
}

func driveTo(t *testing.T, target omx.State) (*Component, *recorder) {
	t.Helper()
	rec := newRecorder()
	proc := &fakeProc{}
	if target == omx.StateInvalid {
		proc.allocErr = errBoom
		proc.deallocErr = errBoom
	}
	c := newTestComponent(t, "fsm", proc, rec, Config{}, outPort(2, 64))

	path := map[omx.State][]omx.State{
		omx.StateIdle:             {omx.StateIdle},
		omx.StateExecuting:        {omx.StateIdle, omx.StateExecuting},
		omx.StatePause:            {omx.StateIdle, omx.StateExecuting, omx.StatePause},
		omx.StateWaitForResources: {omx.StateWaitForResources},
		omx.StateInvalid:          {omx.StateIdle},
	}
	for _, s := range path[target] {
		setState(t, c, rec, s)
	}
	require.Equal(t, target, c.State())
	return c, rec
}

func TestStateTransitionTable(t *testing.T) {
	for _, from := range omx.States() {
		for _, to := range omx.States() {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				c, rec := driveTo(t, from)
				e := setState(t, c, rec, to)

				if legalTransitions[[2]omx.State{from, to}] {
					assert.Equal(t, omx.EventCmdComplete, e.Kind, "%v", e.Err)
					assert.Equal(t, to, c.State())
					return
				}
				assert.Equal(t, omx.EventError, e.Kind)
				assert.ErrorIs(t, e.Err, omx.ErrIncorrectStateTransition)
				assert.Equal(t, from, c.State())
				assert.Equal(t, from, e.State)
			})
		}
	}
}

func TestRoundTripLeavesNoBuffers(t *testing.T) {
	alloc := port.NewHeapAllocator(0)
	rec := newRecorder()
	proc := &fakeProc{}
	c := newTestComponent(t, "rt", proc, rec, Config{Allocator: alloc}, inPort(3, 128), outPort(2, 256))

	mustSetState(t, c, rec, omx.StateIdle)
	bytes, bufs := alloc.InUse()
	assert.Equal(t, int64(3*128+2*256), bytes)
	assert.Equal(t, int64(5), bufs)

	mustSetState(t, c, rec, omx.StateExecuting)
	for i := 0; i < 3; i++ {
		select {
		case h := <-rec.ebd:
			assert.Equal(t, 0, h.InputPortIndex)
		case <-time.After(waitTimeout):
			t.Fatal("fresh input header not handed to client")
		}
	}
	mustSetState(t, c, rec, omx.StateIdle)
	mustSetState(t, c, rec, omx.StateLoaded)

	bytes, bufs = alloc.InUse()
	assert.Zero(t, bytes)
	assert.Zero(t, bufs)
	for _, ps := range inspect(t, c).Ports {
		assert.Zero(t, ps.Pool, "port %d", ps.Index)
	}
	assert.Equal(t, []string{"allocate", "prepare", "transfer", "stop", "deallocate"}, filterHooks(proc.Calls()))
}

func filterHooks(calls []string) []string {
	var out []string
	for _, c := range calls {
		if c != "buffers" {
			out = append(out, c)
		}
	}
	return out
}

func TestPoolExistsIffEnabledAndAtLeastIdle(t *testing.T) {
	alloc := port.NewHeapAllocator(0)
	rec := newRecorder()
	c := newTestComponent(t, "prop", &fakeProc{}, rec, Config{Allocator: alloc}, inPort(2, 64), outPort(2, 64))

	r := rand.New(rand.NewSource(42))
	states := omx.States()
	for step := 0; step < 300; step++ {
		switch r.Intn(3) {
		case 0:
			setState(t, c, rec, states[r.Intn(len(states))])
		default:
			cmd := omx.CommandPortDisable
			if r.Intn(2) == 0 {
				cmd = omx.CommandPortEnable
			}
			pid := r.Intn(3) - 1
			require.NoError(t, c.SendCommand(cmd, pid))
			if pid == omx.AllPorts {
				rec.waitPorts(t, cmd, 0, 1)
			} else {
				rec.waitCommand(t, cmd, pid)
			}
		}

		st := inspect(t, c)
		atLeastIdle := st.State == omx.StateIdle || st.State == omx.StateExecuting || st.State == omx.StatePause
		for _, ps := range st.Ports {
			enabled := ps.State != port.StateDisabled
			assert.Equal(t, enabled && atLeastIdle, ps.Pool > 0,
				"step %d: %s port %d %s pool %d", step, st.State, ps.Index, ps.State, ps.Pool)
		}
	}
	require.NotEqual(t, omx.StateInvalid, c.State())

	// A supplier reaching Idle first must not give its Loaded peer a pool.
	ctx := context.Background()
	tp := newTunnelPair(t)
	require.NoError(t, SetupTunnel(ctx, tp.src, 0, tp.sink, 0))
	mustSetState(t, tp.src, tp.srcRec, omx.StateIdle)
	assert.Equal(t, 4, inspect(t, tp.src).Ports[0].Pool)
	assert.Zero(t, inspect(t, tp.sink).Ports[0].Pool)

	def, err := ParamOf[omx.PortDefinition](ctx, tp.sink, 0)
	require.NoError(t, err)
	assert.False(t, def.Populated)
	require.NoError(t, tp.sink.SetParameter(ctx, def), "a Loaded port stays configurable")

	mustSetState(t, tp.sink, tp.sinkRec, omx.StateIdle)
	assert.Equal(t, 4, inspect(t, tp.sink).Ports[0].Pool)

	// The sink leaves and comes back while the supplier stays Idle.
	mustSetState(t, tp.sink, tp.sinkRec, omx.StateLoaded)
	assert.Zero(t, inspect(t, tp.sink).Ports[0].Pool)
	mustSetState(t, tp.sink, tp.sinkRec, omx.StateIdle)
	assert.Equal(t, 4, inspect(t, tp.sink).Ports[0].Pool)

	tp.both(t, omx.StateLoaded)
	for _, c := range []*Component{tp.src, tp.sink} {
		assert.Zero(t, inspect(t, c).Ports[0].Pool)
	}
}

func TestPoolAllocationFailureRollsBack(t *testing.T) {
	alloc := port.NewHeapAllocator(300)
	rec := newRecorder()
	proc := &fakeProc{}
	c := newTestComponent(t, "oom", proc, rec, Config{Allocator: alloc}, outPort(2, 128), inPort(2, 128))

	e := setState(t, c, rec, omx.StateIdle)
	assert.Equal(t, omx.EventError, e.Kind)
	assert.ErrorIs(t, e.Err, omx.ErrInsufficientResources)
	assert.Equal(t, omx.StateLoaded, c.State())
	assert.Zero(t, proc.count("allocate"))

	bytes, _ := alloc.InUse()
	assert.Zero(t, bytes)
}

func TestProcessorAllocationFailureRollsBack(t *testing.T) {
	alloc := port.NewHeapAllocator(0)
	rec := newRecorder()
	proc := &fakeProc{allocErr: fmt.Errorf("%w: codec init", omx.ErrInsufficientResources)}
	c := newTestComponent(t, "hookfail", proc, rec, Config{Allocator: alloc}, outPort(2, 128))

	e := setState(t, c, rec, omx.StateIdle)
	assert.Equal(t, omx.EventError, e.Kind)
	assert.ErrorIs(t, e.Err, omx.ErrInsufficientResources)
	assert.Equal(t, omx.StateLoaded, c.State())
	assert.Equal(t, 1, proc.count("deallocate"))
	bytes, _ := alloc.InUse()
	assert.Zero(t, bytes)

	// The component is usable again once the cause is gone.
	proc.setErr(&proc.allocErr, nil)
	mustSetState(t, c, rec, omx.StateIdle)
}

func TestDoubleFaultIsInvalid(t *testing.T) {
	rec := newRecorder()
	proc := &fakeProc{allocErr: errBoom, deallocErr: errBoom}
	c := newTestComponent(t, "df", proc, rec, Config{}, outPort(1, 64))

	e := setState(t, c, rec, omx.StateIdle)
	assert.Equal(t, omx.EventError, e.Kind)
	assert.ErrorIs(t, e.Err, errBoom)
	assert.ErrorIs(t, e.Err, omx.ErrInvalidState)
	assert.Equal(t, omx.StateInvalid, c.State())

	require.NoError(t, c.SendCommand(omx.CommandPortDisable, 0))
	e = rec.waitCommand(t, omx.CommandPortDisable, 0)
	assert.ErrorIs(t, e.Err, omx.ErrInvalidState)
}

func TestTransferFailureUnwinds(t *testing.T) {
	rec := newRecorder()
	proc := &fakeProc{transferErr: errBoom}
	c := newTestComponent(t, "xfer", proc, rec, Config{}, outPort(1, 64))

	mustSetState(t, c, rec, omx.StateIdle)
	e := setState(t, c, rec, omx.StateExecuting)
	assert.ErrorIs(t, e.Err, errBoom)
	assert.Equal(t, omx.StateIdle, c.State())
	assert.Equal(t, 1, proc.count("stop"))

	proc.setErr(&proc.stopErr, errBoom)
	e = setState(t, c, rec, omx.StateExecuting)
	assert.ErrorIs(t, e.Err, omx.ErrInvalidState)
	assert.Equal(t, omx.StateInvalid, c.State())
}

func TestPrepareFailureKeepsIdle(t *testing.T) {
	rec := newRecorder()
	proc := &fakeProc{prepareErr: errBoom}
	var timer *reactor.TimerWatcher
	proc.onPrepare = func(k Kernel) {
		timer = k.NewTimerWatcher(10*time.Millisecond, 10*time.Millisecond)
		timer.Start()
	}
	c := newTestComponent(t, "prep", proc, rec, Config{}, outPort(1, 64))

	mustSetState(t, c, rec, omx.StateIdle)
	e := setState(t, c, rec, omx.StateExecuting)
	assert.ErrorIs(t, e.Err, errBoom)
	assert.Equal(t, omx.StateIdle, c.State())
	assert.Zero(t, proc.count("transfer"))
	require.NotNil(t, timer)
	assert.False(t, timer.Active(), "watchers armed while preparing are stopped")
}

func TestCommandsAreSequenced(t *testing.T) {
	rec := newRecorder()
	c := newTestComponent(t, "seq", &fakeProc{}, rec, Config{}, outPort(2, 64))

	for _, s := range []omx.State{omx.StateIdle, omx.StateExecuting, omx.StatePause, omx.StateIdle, omx.StateLoaded} {
		require.NoError(t, c.SendCommand(omx.CommandStateSet, int(s)))
	}
	for _, s := range []omx.State{omx.StateIdle, omx.StateExecuting, omx.StatePause, omx.StateIdle, omx.StateLoaded} {
		e := rec.waitKind(t, omx.EventCmdComplete)
		assert.Equal(t, int(s), e.Data1)
	}
	assert.Empty(t, rec.errors())
}

func TestSendCommandValidation(t *testing.T) {
	rec := newRecorder()
	c := newTestComponent(t, "val", &fakeProc{}, rec, Config{}, outPort(1, 64))

	assert.ErrorIs(t, c.SendCommand(omx.CommandFlush, 3), omx.ErrBadPortIndex)
	assert.ErrorIs(t, c.SendCommand(omx.CommandStateSet, 42), omx.ErrBadParameter)
	assert.ErrorIs(t, c.SendCommand(omx.Command(9), 0), omx.ErrBadParameter)

	require.NoError(t, c.SendCommand(omx.CommandFlush, 0))
	e := rec.waitCommand(t, omx.CommandFlush, 0)
	assert.ErrorIs(t, e.Err, omx.ErrIncorrectStateOperation)

	require.NoError(t, c.Free(context.Background()))
	assert.ErrorIs(t, c.SendCommand(omx.CommandStateSet, int(omx.StateIdle)), omx.ErrComponentFreed)
}

func TestClientBuffers(t *testing.T) {
	rec := newRecorder()
	proc := &fakeProc{}
	var consumed []string
	proc.onBuffers = func(k Kernel) error {
		for {
			in, err := k.Claim(0)
			if err != nil || in == nil {
				return err
			}
			consumed = append(consumed, string(in.Data()))
			if err := k.Release(0, in); err != nil {
				return err
			}
		}
	}
	c := newTestComponent(t, "client", proc, rec, Config{}, inPort(2, 16))

	mustSetState(t, c, rec, omx.StateIdle)
	mustSetState(t, c, rec, omx.StateExecuting)

	for i := 0; i < 6; i++ {
		var h *omx.BufferHeader
		select {
		case h = <-rec.ebd:
		case <-time.After(waitTimeout):
			t.Fatal("no empty buffer from component")
		}
		assert.Zero(t, h.FilledLen)
		h.Write([]byte(fmt.Sprintf("chunk-%d", i)))
		require.NoError(t, c.EmptyThisBuffer(h))
	}
	// The last two chunks are consumed before their headers come back.
	nextHeader(t, rec.ebd)
	nextHeader(t, rec.ebd)
	mustSetState(t, c, rec, omx.StateIdle)

	require.Len(t, consumed, 6)
	assert.Equal(t, "chunk-0", consumed[0])
	assert.Equal(t, "chunk-5", consumed[5])

	stranger := omx.NewBufferHeader(make([]byte, 4))
	stranger.InputPortIndex = 0
	mustSetState(t, c, rec, omx.StateExecuting)
	require.NoError(t, c.EmptyThisBuffer(stranger))
	e := rec.waitKind(t, omx.EventError)
	assert.ErrorIs(t, e.Err, omx.ErrInvalidHeader)
	assert.Equal(t, omx.CommandNone, e.Command)

	stranger.InputPortIndex = 5
	assert.ErrorIs(t, c.EmptyThisBuffer(stranger), omx.ErrBadPortIndex)
}

// submitUnclaimed runs a component whose processor never claims and
// hands both input headers back to it with data.
func submitUnclaimed(t *testing.T, name string, alloc port.Allocator) (*Component, *recorder, []*omx.BufferHeader) {
	t.Helper()
	rec := newRecorder()
	c := newTestComponent(t, name, &fakeProc{}, rec, Config{Allocator: alloc}, inPort(2, 16), outPort(2, 16))
	mustSetState(t, c, rec, omx.StateIdle)
	mustSetState(t, c, rec, omx.StateExecuting)

	var sent []*omx.BufferHeader
	for i := 0; i < 2; i++ {
		h := nextHeader(t, rec.ebd)
		h.Write([]byte(fmt.Sprintf("pending-%d", i)))
		require.NoError(t, c.EmptyThisBuffer(h))
		sent = append(sent, h)
	}
	return c, rec, sent
}

func TestIdleReturnsUnconsumedClientBuffers(t *testing.T) {
	c, rec, sent := submitUnclaimed(t, "idle-return", port.NewHeapAllocator(0))
	mustSetState(t, c, rec, omx.StateIdle)

	got := []*omx.BufferHeader{nextHeader(t, rec.ebd), nextHeader(t, rec.ebd)}
	assert.ElementsMatch(t, sent, got)
	for _, h := range got {
		assert.Zero(t, h.FilledLen)
	}
	for i := 0; i < 2; i++ {
		h := nextHeader(t, rec.fbd)
		assert.Equal(t, 1, h.OutputPortIndex)
		assert.Zero(t, h.FilledLen)
	}
	noHeader(t, rec.ebd)
	for _, ps := range inspect(t, c).Ports {
		assert.Zero(t, ps.Held, "port %d", ps.Index)
		assert.Equal(t, 2, ps.Outstanding, "port %d", ps.Index)
	}

	// The client owns every header now; nothing is handed out again.
	mustSetState(t, c, rec, omx.StateExecuting)
	noHeader(t, rec.ebd)
	for _, h := range got {
		require.NoError(t, c.EmptyThisBuffer(h))
	}
	mustSetState(t, c, rec, omx.StateIdle)
	assert.ElementsMatch(t, sent, []*omx.BufferHeader{nextHeader(t, rec.ebd), nextHeader(t, rec.ebd)})
}

func TestDisableReturnsUnconsumedClientBuffers(t *testing.T) {
	alloc := port.NewHeapAllocator(0)
	c, rec, sent := submitUnclaimed(t, "disable-return", alloc)

	require.NoError(t, c.SendCommand(omx.CommandPortDisable, 0))
	e := rec.waitCommand(t, omx.CommandPortDisable, 0)
	require.Equal(t, omx.EventCmdComplete, e.Kind)
	assert.ElementsMatch(t, sent, []*omx.BufferHeader{nextHeader(t, rec.ebd), nextHeader(t, rec.ebd)})
	noHeader(t, rec.ebd)

	require.NoError(t, c.SendCommand(omx.CommandPortDisable, 1))
	e = rec.waitCommand(t, omx.CommandPortDisable, 1)
	require.Equal(t, omx.EventCmdComplete, e.Kind)
	for i := 0; i < 2; i++ {
		assert.Zero(t, nextHeader(t, rec.fbd).FilledLen)
	}

	for _, ps := range inspect(t, c).Ports {
		assert.Zero(t, ps.Pool, "port %d", ps.Index)
	}
	bytes, bufs := alloc.InUse()
	assert.Zero(t, bytes)
	assert.Zero(t, bufs)
	assert.Empty(t, rec.errors())
}

func TestFlushReturnsClientOutput(t *testing.T) {
	c, rec, sent := submitUnclaimed(t, "flush-return", port.NewHeapAllocator(0))

	require.NoError(t, c.SendCommand(omx.CommandFlush, omx.AllPorts))
	for _, e := range rec.waitPorts(t, omx.CommandFlush, 0, 1) {
		assert.Equal(t, omx.EventCmdComplete, e.Kind)
	}
	assert.ElementsMatch(t, sent, []*omx.BufferHeader{nextHeader(t, rec.ebd), nextHeader(t, rec.ebd)})
	for i := 0; i < 2; i++ {
		assert.Zero(t, nextHeader(t, rec.fbd).FilledLen)
	}
}

func TestFillBufferRoundTrip(t *testing.T) {
	rec := newRecorder()
	proc := &fakeProc{}
	produced := 0
	proc.onBuffers = func(k Kernel) error {
		for k.Select(omx.MaskOf(0)).Has(0) {
			h, _ := k.Claim(0)
			produced++
			h.Write([]byte{byte(produced)})
			if err := k.Release(0, h); err != nil {
				return err
			}
		}
		return nil
	}
	c := newTestComponent(t, "fill", proc, rec, Config{}, outPort(2, 8))
	mustSetState(t, c, rec, omx.StateIdle)
	mustSetState(t, c, rec, omx.StateExecuting)

	var last uint64
	for i := 0; i < 10; i++ {
		h := <-rec.fbd
		assert.Equal(t, 1, h.FilledLen)
		assert.Greater(t, h.Sequence, last)
		last = h.Sequence
		require.NoError(t, c.FillThisBuffer(h))
	}
	mustSetState(t, c, rec, omx.StateIdle)
}

func TestWaitForResources(t *testing.T) {
	mgr := rm.NewManager(map[string]int{"dsp": 1})
	req := []rm.Request{{Resource: "dsp", Amount: 1}}

	newRM := func(name string, rec *recorder) *Component {
		role := Role{Name: "test." + name, Ports: []port.Options{outPort(1, 32)}, Resources: req,
			NewProcessor: func() Processor { return &fakeProc{} }}
		c, err := New(Config{Name: name, Resources: mgr, Callbacks: rec.callbacks()}, Factory{Name: name, Roles: []Role{role}}, role)
		require.NoError(t, err)
		t.Cleanup(func() { c.Free(context.Background()) })
		return c
	}

	recA, recB := newRecorder(), newRecorder()
	a := newRM("a", recA)
	b := newRM("b", recB)

	mustSetState(t, a, recA, omx.StateIdle)
	require.NoError(t, b.SendCommand(omx.CommandStateSet, int(omx.StateIdle)))
	require.Eventually(t, func() bool { return b.State() == omx.StateWaitForResources }, waitTimeout, 5*time.Millisecond)

	mustSetState(t, a, recA, omx.StateLoaded)
	recB.waitKind(t, omx.EventResourcesAcquired)
	e := recB.waitCommand(t, omx.CommandStateSet, int(omx.StateIdle))
	assert.Equal(t, omx.EventCmdComplete, e.Kind)
	assert.Equal(t, 1, mgr.Used("dsp"))

	mustSetState(t, b, recB, omx.StateLoaded)
	assert.Zero(t, mgr.Used("dsp"))
}

func TestLoadedCancelsPendingIdle(t *testing.T) {
	mgr := rm.NewManager(map[string]int{"gate": 1})
	ok, err := mgr.Acquire("blocker", []rm.Request{{Resource: "gate", Amount: 1}})
	require.NoError(t, err)
	require.True(t, ok)

	role := Role{Name: "test.cancel", Ports: []port.Options{outPort(1, 32)},
		Resources:    []rm.Request{{Resource: "gate", Amount: 1}},
		NewProcessor: func() Processor { return &fakeProc{} }}
	rec := newRecorder()
	alloc := port.NewHeapAllocator(0)
	c, err := New(Config{Name: "cancel", Resources: mgr, Allocator: alloc, Callbacks: rec.callbacks()}, Factory{Name: "cancel", Roles: []Role{role}}, role)
	require.NoError(t, err)
	t.Cleanup(func() { c.Free(context.Background()) })

	require.NoError(t, c.SendCommand(omx.CommandStateSet, int(omx.StateIdle)))
	require.Eventually(t, func() bool { return c.State() == omx.StateWaitForResources }, waitTimeout, 5*time.Millisecond)

	// Queued behind the pending Idle.
	require.NoError(t, c.SendCommand(omx.CommandStateSet, int(omx.StateExecuting)))
	require.NoError(t, c.SendCommand(omx.CommandPortDisable, 0))

	require.NoError(t, c.SendCommand(omx.CommandStateSet, int(omx.StateLoaded)))
	e := rec.next(t)
	assert.Equal(t, omx.StateIdle, omx.State(e.Data1))
	assert.ErrorIs(t, e.Err, omx.ErrCommandCanceled)
	e = rec.next(t)
	assert.Equal(t, omx.CommandStateSet, e.Command)
	assert.Equal(t, omx.StateExecuting, omx.State(e.Data1))
	assert.ErrorIs(t, e.Err, omx.ErrCommandCanceled)
	e = rec.next(t)
	assert.Equal(t, omx.CommandPortDisable, e.Command)
	assert.ErrorIs(t, e.Err, omx.ErrCommandCanceled)
	e = rec.next(t)
	assert.Equal(t, omx.EventCmdComplete, e.Kind)
	assert.Equal(t, omx.StateLoaded, omx.State(e.Data1))
	assert.Equal(t, omx.StateLoaded, c.State())
	assert.Zero(t, mgr.Waiting())

	mgr.Release("blocker")
	assert.Zero(t, mgr.Used("gate"))
	bytes, _ := alloc.InUse()
	assert.Zero(t, bytes)
}

func TestPortDisableEnableWhileExecuting(t *testing.T) {
	alloc := port.NewHeapAllocator(0)
	rec := newRecorder()
	proc := &fakeProc{}
	c := newTestComponent(t, "ports", proc, rec, Config{Allocator: alloc}, inPort(2, 32), outPort(2, 32))
	mustSetState(t, c, rec, omx.StateIdle)
	mustSetState(t, c, rec, omx.StateExecuting)

	require.NoError(t, c.SendCommand(omx.CommandPortDisable, 1))
	e := rec.waitCommand(t, omx.CommandPortDisable, 1)
	require.Equal(t, omx.EventCmdComplete, e.Kind)
	st := inspect(t, c)
	assert.Equal(t, port.StateDisabled, st.Ports[1].State)
	assert.Zero(t, st.Ports[1].Pool)
	bytes, _ := alloc.InUse()
	assert.Equal(t, int64(64), bytes)

	def, err := ParamOf[omx.PortDefinition](context.Background(), c, 1)
	require.NoError(t, err)
	def.BufferCountActual = 4
	require.NoError(t, c.SetParameter(context.Background(), def), "disabled ports accept new definitions")

	require.NoError(t, c.SendCommand(omx.CommandPortEnable, 1))
	e = rec.waitCommand(t, omx.CommandPortEnable, 1)
	require.Equal(t, omx.EventCmdComplete, e.Kind)
	assert.Equal(t, 4, inspect(t, c).Ports[1].Pool)

	require.NoError(t, c.SendCommand(omx.CommandFlush, omx.AllPorts))
	for _, e := range rec.waitPorts(t, omx.CommandFlush, 0, 1) {
		assert.Equal(t, omx.EventCmdComplete, e.Kind)
	}
	assert.Empty(t, rec.errors())
}

func TestFreeFromExecuting(t *testing.T) {
	alloc := port.NewHeapAllocator(0)
	rec := newRecorder()
	proc := &fakeProc{}
	c := newTestComponent(t, "free", proc, rec, Config{Allocator: alloc}, outPort(2, 32))
	mustSetState(t, c, rec, omx.StateIdle)
	mustSetState(t, c, rec, omx.StateExecuting)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, c.Free(ctx))
	<-c.Done()
	bytes, _ := alloc.InUse()
	assert.Zero(t, bytes)
	assert.Equal(t, 1, proc.count("stop"))
	assert.Equal(t, 1, proc.count("deallocate"))

	_, err := c.Inspect(ctx)
	assert.ErrorIs(t, err, omx.ErrComponentFreed)
}
