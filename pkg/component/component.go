// Package component implements the component runtime: a lifecycle state
// machine driven by a single event loop per component, ports with buffer
// pools, tunnels between components, and the processor extension point
// roles plug their media logic into.
package component

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/port"
	"github.com/realtime-ai/omxil/pkg/reactor"
	"github.com/realtime-ai/omxil/pkg/rm"
)

// Config carries what a component borrows from its runtime.
type Config struct {
	// Name defaults to the role name.
	Name      string
	Allocator port.Allocator
	// Resources may be nil, in which case admission is never refused.
	Resources *rm.Manager
	Callbacks Callbacks
	Logger    *logrus.Entry
}

type transition struct {
	from, to omx.State
	ctx      context.Context
	span     trace.Span
	// hooked is set once AllocateResources has been called.
	hooked bool
}

type portOp struct {
	cmd  omx.Command
	pid  int
	span trace.Span
}

// Component is one instance of a role. Its methods are safe for concurrent
// use; all state is owned by the component's loop goroutine.
type Component struct {
	id    string
	name  string
	role  string
	roles []string

	alloc     port.Allocator
	resources *rm.Manager
	requests  []rm.Request
	cb        Callbacks
	log       *logrus.Entry

	proc     Processor
	k        *kernel
	portOpts []port.Options

	inbox  *reactor.Inbox
	done   chan struct{}
	mirror atomic.Int32

	// Loop-owned state below.
	state      omx.State
	ports      []*port.Port
	peers      []*Component
	peerActive []bool
	eosSent    []bool
	sinkEOS    bool
	params     map[paramKey]omx.Param
	// stashed holds supplier registrations that arrived before Idle.
	stashed [][]*omx.BufferHeader

	pending        *transition
	portOps        []*portOp
	queue          []cmdMsg
	awaitingGrant  bool
	holdsResources bool

	ioWatchers []*reactor.IOWatcher
	timers     []*reactor.TimerWatcher
	deferred   []any

	tickPending bool
	progress    uint64
}

// New instantiates role of factory f and starts its loop in Loaded.
func New(cfg Config, f Factory, role Role) (*Component, error) {
	if role.NewProcessor == nil {
		return nil, fmt.Errorf("%w: role %q has no processor", omx.ErrBadParameter, role.Name)
	}
	if cfg.Allocator == nil {
		cfg.Allocator = port.NewHeapAllocator(0)
	}
	if cfg.Callbacks == nil {
		cfg.Callbacks = CallbackFuncs{}
	}
	if cfg.Name == "" {
		cfg.Name = role.Name
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &Component{
		id:        uuid.NewString(),
		name:      cfg.Name,
		role:      role.Name,
		alloc:     cfg.Allocator,
		resources: cfg.Resources,
		requests:  role.Resources,
		cb:        cfg.Callbacks,
		proc:      role.NewProcessor(),
		portOpts:  append([]port.Options(nil), role.Ports...),
		inbox:     reactor.NewInbox(),
		done:      make(chan struct{}),
	}
	for _, r := range f.Roles {
		c.roles = append(c.roles, r.Name)
	}
	c.log = logger.WithFields(logrus.Fields{
		"component": c.name,
		"role":      c.role,
	})
	c.k = &kernel{c: c}

	n := len(role.Ports)
	c.ports = make([]*port.Port, n)
	c.peers = make([]*Component, n)
	c.peerActive = make([]bool, n)
	c.eosSent = make([]bool, n)
	c.stashed = make([][]*omx.BufferHeader, n)
	for i, opts := range role.Ports {
		c.ports[i] = port.New(i, opts)
	}
	if err := c.initParams(); err != nil {
		return nil, err
	}

	c.setState(omx.StateLoaded)
	go c.run()
	return c, nil
}

func (c *Component) ID() string      { return c.id }
func (c *Component) Name() string    { return c.name }
func (c *Component) Role() string    { return c.role }
func (c *Component) Roles() []string { return append([]string(nil), c.roles...) }

// Ports is the number of ports.
func (c *Component) Ports() int { return len(c.portOpts) }

// PortOptions returns the static options of port pid.
func (c *Component) PortOptions(pid int) (port.Options, error) {
	if pid < 0 || pid >= len(c.portOpts) {
		return port.Options{}, fmt.Errorf("%w: %d", omx.ErrBadPortIndex, pid)
	}
	return c.portOpts[pid], nil
}

// State returns the last state the component entered.
func (c *Component) State() omx.State {
	return omx.State(c.mirror.Load())
}

// Done is closed when the component has been freed.
func (c *Component) Done() <-chan struct{} { return c.done }

// SendCommand queues a command. For StateSet param is the target state, for
// port commands a port index or omx.AllPorts. The outcome is reported by a
// CmdComplete or Error event per command and, for AllPorts, per port.
func (c *Component) SendCommand(cmd omx.Command, param int) error {
	switch cmd {
	case omx.CommandStateSet:
		if param < int(omx.StateInvalid) || param > int(omx.StateWaitForResources) {
			return fmt.Errorf("%w: state %d", omx.ErrBadParameter, param)
		}
	case omx.CommandFlush, omx.CommandPortDisable, omx.CommandPortEnable:
		if param != omx.AllPorts && (param < 0 || param >= len(c.portOpts)) {
			return fmt.Errorf("%w: %d", omx.ErrBadPortIndex, param)
		}
	default:
		return fmt.Errorf("%w: command %s", omx.ErrBadParameter, cmd)
	}
	if !c.inbox.Post(cmdMsg{cmd: cmd, param: param}) {
		return omx.ErrComponentFreed
	}
	return nil
}

func (c *Component) checkClientBuffer(h *omx.BufferHeader, pid int, dir omx.Direction) error {
	if err := h.Check(); err != nil {
		return err
	}
	if pid < 0 || pid >= len(c.portOpts) || c.portOpts[pid].Dir != dir {
		return fmt.Errorf("%w: %d is not an %s port", omx.ErrBadPortIndex, pid, dir)
	}
	switch c.State() {
	case omx.StateIdle, omx.StateExecuting, omx.StatePause:
		return nil
	}
	return fmt.Errorf("%w: buffers cannot be passed in %s", omx.ErrIncorrectStateOperation, c.State())
}

// EmptyThisBuffer gives a filled input header to the component. The header
// comes back through OnEmptyBufferDone once consumed.
func (c *Component) EmptyThisBuffer(h *omx.BufferHeader) error {
	if h == nil {
		return fmt.Errorf("%w: nil header", omx.ErrBadParameter)
	}
	if err := c.checkClientBuffer(h, h.InputPortIndex, omx.DirInput); err != nil {
		return err
	}
	if !c.inbox.Post(clientBufferMsg{pid: h.InputPortIndex, h: h}) {
		return omx.ErrComponentFreed
	}
	return nil
}

// FillThisBuffer gives an empty output header to the component. The header
// comes back through OnFillBufferDone once filled.
func (c *Component) FillThisBuffer(h *omx.BufferHeader) error {
	if h == nil {
		return fmt.Errorf("%w: nil header", omx.ErrBadParameter)
	}
	if err := c.checkClientBuffer(h, h.OutputPortIndex, omx.DirOutput); err != nil {
		return err
	}
	if !c.inbox.Post(clientBufferMsg{pid: h.OutputPortIndex, h: h}) {
		return omx.ErrComponentFreed
	}
	return nil
}

// call runs fn on the loop and waits for it.
func (c *Component) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !c.inbox.Post(callMsg{fn: fn, done: done}) {
		return omx.ErrComponentFreed
	}
	select {
	case <-done:
		return nil
	case <-c.done:
		return omx.ErrComponentFreed
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", omx.ErrTimeout, c.name, ctx.Err())
	}
}

// Free tears down tunnels, releases every resource and stops the loop. A
// component not in Loaded is stopped forcibly.
func (c *Component) Free(ctx context.Context) error {
	if !c.inbox.Post(freeMsg{}) {
		<-c.done
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: free %s: %v", omx.ErrTimeout, c.name, ctx.Err())
	}
}

func (c *Component) post(msg any) {
	if !c.inbox.Post(msg) {
		c.log.WithField("msg", fmt.Sprintf("%T", msg)).Debug("component freed, message dropped")
	}
}

func (c *Component) run() {
	defer close(c.done)
	for range c.inbox.Ready() {
		for {
			msg, ok := c.inbox.Pop()
			if !ok {
				break
			}
			if c.dispatch(msg) {
				return
			}
		}
	}
}

func (c *Component) dispatch(msg any) (exit bool) {
	switch m := msg.(type) {
	case cmdMsg:
		c.handleCommand(m)
	case clientBufferMsg:
		c.handleClientBuffer(m)
	case peerBufferMsg:
		c.handlePeerBuffer(m)
	case useBuffersMsg:
		c.handleUseBuffers(m)
	case freeBuffersMsg:
		c.handleFreeBuffers(m)
	case reqBuffersMsg:
		c.handleReqBuffers(m)
	case peerStateMsg:
		c.handlePeerState(m)
	case portSettingsMsg:
		c.handlePortSettings(m)
	case teardownMsg:
		c.handleTeardown(m)
	case callMsg:
		m.fn()
		close(m.done)
	case buffersReadyMsg:
		c.handleBuffersReady()
	case grantMsg:
		c.handleGrant()
	case reactor.IOEvent:
		c.handleWatcher(m, m.Stale())
	case reactor.TimerEvent:
		c.handleWatcher(m, m.Stale())
	case freeMsg:
		c.shutdown()
		return true
	default:
		c.log.Warnf("unknown message %T", msg)
	}
	c.advance()
	return false
}

func (c *Component) setState(s omx.State) {
	if c.state != s {
		c.log.WithFields(logrus.Fields{"from": c.state, "to": s}).Debug("state changed")
	}
	c.state = s
	c.mirror.Store(int32(s))
}

func (c *Component) emit(e omx.Event) {
	e.Timestamp = time.Now()
	if e.Kind == omx.EventError {
		e.State = c.state
		c.log.WithError(e.Err).WithField("command", e.Command).Warn("error event")
	}
	c.cb.OnEvent(c, e)
}

func (c *Component) complete(cmd omx.Command, data int) {
	c.emit(omx.Event{Kind: omx.EventCmdComplete, Command: cmd, Data1: data})
}

func (c *Component) fail(cmd omx.Command, data int, err error) {
	c.emit(omx.Event{Kind: omx.EventError, Command: cmd, Data1: data, Err: err})
}

// raise reports an error not tied to a command.
func (c *Component) raise(err error) {
	c.emit(omx.Event{Kind: omx.EventError, Command: omx.CommandNone, Data1: -1, Err: err})
}

// PortStatus is a snapshot of one port.
type PortStatus struct {
	Index       int
	State       port.State
	Tunneled    bool
	Supplier    bool
	Pool        int
	Held        int
	Parked      int
	Claimed     int
	Outstanding int
}

// Status is a snapshot of a component, taken on its loop.
type Status struct {
	Name  string
	Role  string
	State omx.State
	Ports []PortStatus
}

// Inspect takes a status snapshot.
func (c *Component) Inspect(ctx context.Context) (Status, error) {
	var st Status
	err := c.call(ctx, func() {
		st = Status{Name: c.name, Role: c.role, State: c.state}
		for _, p := range c.ports {
			st.Ports = append(st.Ports, PortStatus{
				Index:       p.Index(),
				State:       p.State(),
				Tunneled:    p.Tunneled(),
				Supplier:    p.Supplier(),
				Pool:        p.PoolSize(),
				Held:        p.HeldCount(),
				Parked:      p.ParkedCount(),
				Claimed:     p.ClaimedCount(),
				Outstanding: p.Outstanding(),
			})
		}
	})
	return st, err
}
