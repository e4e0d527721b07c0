package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/realtime-ai/omxil/pkg/component"
	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/trace"
)

// Link is one tunnel of the pipeline.
type Link struct {
	From     string
	FromPort int
	To       string
	ToPort   int
}

func (l Link) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", l.From, l.FromPort, l.To, l.ToPort)
}

type waitKey struct {
	cmd  omx.Command
	data int
}

type node struct {
	name string
	c    *component.Component
	sink bool

	mu      sync.Mutex
	waiters map[waitKey]chan omx.Event
	eos     bool
}

// expect registers interest in the terminal event of a command.
func (n *node) expect(cmd omx.Command, data int) chan omx.Event {
	ch := make(chan omx.Event, 1)
	n.mu.Lock()
	n.waiters[waitKey{cmd, data}] = ch
	n.mu.Unlock()
	return ch
}

func (n *node) forget(cmd omx.Command, data int) {
	n.mu.Lock()
	delete(n.waiters, waitKey{cmd, data})
	n.mu.Unlock()
}

// Pipeline is a graph of tunneled components driven as one unit. Components
// are ordered as added, sources first.
type Pipeline struct {
	name string
	rt   *Runtime
	bus  *EventBus
	log  *logrus.Entry

	mu     sync.Mutex
	nodes  []*node
	byName map[string]*node
	links  []Link

	// eos and async errors.
	sigMu    sync.Mutex
	notify   chan struct{}
	asyncErr error
}

func (r *Runtime) NewPipeline(name string) *Pipeline {
	bus := NewEventBus()
	bus.Start(context.Background())
	return &Pipeline{
		name:   name,
		rt:     r,
		bus:    bus,
		log:    logrus.WithField("pipeline", name),
		byName: make(map[string]*node),
		notify: make(chan struct{}, 1),
	}
}

func (p *Pipeline) Name() string { return p.name }
func (p *Pipeline) Bus() Bus     { return p.bus }

// AddComponent creates a component for role under a unique name.
func (p *Pipeline) AddComponent(name, role string) (*component.Component, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byName[name]; ok {
		return nil, fmt.Errorf("%w: component %q already in pipeline", omx.ErrBadParameter, name)
	}

	n := &node{name: name, waiters: make(map[waitKey]chan omx.Event), sink: true}
	c, err := p.rt.NewComponent(name, role, component.CallbackFuncs{
		Event: func(_ *component.Component, e omx.Event) { p.onEvent(n, e) },
		FillBufferDone: func(_ *component.Component, h *omx.BufferHeader) {
			p.log.WithField("component", name).Debug("output on an unlinked port dropped")
		},
	})
	if err != nil {
		return nil, err
	}
	n.c = c
	for pid := 0; pid < c.Ports(); pid++ {
		if opts, _ := c.PortOptions(pid); opts.Dir == omx.DirOutput {
			n.sink = false
		}
	}
	p.nodes = append(p.nodes, n)
	p.byName[name] = n
	p.log.WithFields(logrus.Fields{"component": name, "role": role}).Debug("component added")
	return c, nil
}

// Component returns the component called name.
func (p *Pipeline) Component(name string) (*component.Component, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.byName[name]
	if !ok {
		return nil, false
	}
	return n.c, true
}

// Components lists component names in pipeline order.
func (p *Pipeline) Components() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.nodes))
	for _, n := range p.nodes {
		out = append(out, n.name)
	}
	return out
}

func (p *Pipeline) Links() []Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Link(nil), p.links...)
}

// Link tunnels from:fromPort to to:toPort.
func (p *Pipeline) Link(ctx context.Context, from string, fromPort int, to string, toPort int) error {
	p.mu.Lock()
	out, ok1 := p.byName[from]
	in, ok2 := p.byName[to]
	p.mu.Unlock()
	if !ok1 || !ok2 {
		return fmt.Errorf("%w: link %s -> %s: unknown component", omx.ErrBadParameter, from, to)
	}
	if err := component.SetupTunnel(ctx, out.c, fromPort, in.c, toPort); err != nil {
		return fmt.Errorf("link %s:%d -> %s:%d: %w", from, fromPort, to, toPort, err)
	}
	p.mu.Lock()
	p.links = append(p.links, Link{From: from, FromPort: fromPort, To: to, ToPort: toPort})
	p.mu.Unlock()
	return nil
}

// Unlink tears down a tunnel made by Link.
func (p *Pipeline) Unlink(ctx context.Context, l Link) error {
	p.mu.Lock()
	out, ok1 := p.byName[l.From]
	in, ok2 := p.byName[l.To]
	p.mu.Unlock()
	if !ok1 || !ok2 {
		return fmt.Errorf("%w: unlink %s: unknown component", omx.ErrBadParameter, l)
	}
	err := trace.WithSpan(ctx, fmt.Sprintf("pipeline.%s.unlink", p.name), func(ctx context.Context) error {
		return component.TeardownTunnel(ctx, out.c, l.FromPort, in.c, l.ToPort)
	}, oteltrace.WithAttributes(
		attribute.String(trace.AttrPipelineName, p.name),
		attribute.String(trace.AttrTunnelOut, fmt.Sprintf("%s:%d", l.From, l.FromPort)),
		attribute.String(trace.AttrTunnelIn, fmt.Sprintf("%s:%d", l.To, l.ToPort)),
	))
	if err != nil {
		return err
	}
	p.mu.Lock()
	for i, x := range p.links {
		if x == l {
			p.links = append(p.links[:i], p.links[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	return nil
}

// onEvent runs on the component's loop.
func (p *Pipeline) onEvent(n *node, e omx.Event) {
	if e.Kind == omx.EventCmdComplete || (e.Kind == omx.EventError && e.Command != omx.CommandNone) {
		n.mu.Lock()
		key := waitKey{e.Command, e.Data1}
		if ch, ok := n.waiters[key]; ok {
			delete(n.waiters, key)
			ch <- e
		}
		n.mu.Unlock()
	}

	switch {
	case e.Kind == omx.EventBufferFlag && n.sink:
		n.mu.Lock()
		n.eos = true
		n.mu.Unlock()
		p.signal(nil)
	case e.Kind == omx.EventError && e.Command == omx.CommandNone:
		p.signal(fmt.Errorf("%s: %w", n.name, e.Err))
	}

	fields := logrus.Fields{"component": n.name, "event": e.Kind}
	if e.Kind == omx.EventError {
		p.log.WithFields(fields).WithError(e.Err).Warn("component error")
	} else {
		p.log.WithFields(fields).Debug(e.String())
	}
	p.bus.Publish(Event{Type: eventTypeOf(e), Timestamp: e.Timestamp, Component: n.name, Payload: e})
}

func (p *Pipeline) signal(err error) {
	p.sigMu.Lock()
	if err != nil && p.asyncErr == nil {
		p.asyncErr = err
	}
	p.sigMu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pipeline) snapshot() []*node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*node(nil), p.nodes...)
}

// command sends cmd to every node and waits for each terminal event.
func (p *Pipeline) command(ctx context.Context, nodes []*node, cmd omx.Command, param int) error {
	chans := make([]chan omx.Event, len(nodes))
	var errs []error
	for i, n := range nodes {
		chans[i] = n.expect(cmd, param)
		if err := n.c.SendCommand(cmd, param); err != nil {
			n.forget(cmd, param)
			chans[i] = nil
			errs = append(errs, fmt.Errorf("%s: %w", n.name, err))
		}
	}
	for i, n := range nodes {
		if chans[i] == nil {
			continue
		}
		select {
		case e := <-chans[i]:
			if e.Kind == omx.EventError {
				errs = append(errs, fmt.Errorf("%s: %w", n.name, e.Err))
			}
		case <-ctx.Done():
			n.forget(cmd, param)
			errs = append(errs, fmt.Errorf("%w: %s did not finish %s: %v", omx.ErrTimeout, n.name, cmd, ctx.Err()))
		}
	}
	return errors.Join(errs...)
}

// SetState moves every component to target. Components already there are
// skipped. Executing and Pause are entered downstream first, every other
// state upstream first. Without a deadline on ctx the runtime's state
// timeout applies.
func (p *Pipeline) SetState(ctx context.Context, target omx.State) error {
	return p.setState(ctx, target, func(omx.State) bool { return true })
}

func (p *Pipeline) setState(ctx context.Context, target omx.State, want func(omx.State) bool) (err error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.rt.cfg.StateTimeout)
		defer cancel()
	}
	ctx, span := trace.InstrumentPipelineState(ctx, p.name, target.String())
	defer func() {
		trace.RecordError(span, err)
		span.End()
	}()

	var nodes []*node
	for _, n := range p.snapshot() {
		if s := n.c.State(); s != target && want(s) {
			nodes = append(nodes, n)
		}
	}
	if target == omx.StateExecuting || target == omx.StatePause {
		for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
			nodes[i], nodes[j] = nodes[j], nodes[i]
		}
	}
	if target == omx.StateExecuting {
		p.resetStream(nodes)
	}

	start := time.Now()
	if err := p.command(ctx, nodes, omx.CommandStateSet, int(target)); err != nil {
		return fmt.Errorf("pipeline %s to %s: %w", p.name, target, err)
	}
	p.log.WithFields(logrus.Fields{"state": target, "elapsed": time.Since(start)}).
		WithFields(trace.LogFields(ctx)).Info("pipeline state changed")
	p.bus.Publish(Event{Type: EventPipelineState, Payload: target})
	return nil
}

func (p *Pipeline) resetStream(nodes []*node) {
	for _, n := range nodes {
		n.mu.Lock()
		n.eos = false
		n.mu.Unlock()
	}
	p.sigMu.Lock()
	p.asyncErr = nil
	p.sigMu.Unlock()
}

// PortCommand runs a flush, disable or enable on one port of a component
// and waits for it.
func (p *Pipeline) PortCommand(ctx context.Context, name string, cmd omx.Command, pid int) error {
	p.mu.Lock()
	n, ok := p.byName[name]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown component %q", omx.ErrBadParameter, name)
	}
	if cmd == omx.CommandStateSet {
		return fmt.Errorf("%w: use SetState", omx.ErrBadParameter)
	}
	if pid == omx.AllPorts {
		var errs []error
		for i := 0; i < n.c.Ports(); i++ {
			errs = append(errs, p.PortCommand(ctx, name, cmd, i))
		}
		return errors.Join(errs...)
	}
	return p.command(ctx, []*node{n}, cmd, pid)
}

// WaitEOS blocks until every sink component (one without output ports) has
// reported end of stream, a component raises an error outside a command,
// or ctx is done.
func (p *Pipeline) WaitEOS(ctx context.Context) error {
	for {
		p.sigMu.Lock()
		err := p.asyncErr
		p.sigMu.Unlock()
		if err != nil {
			return err
		}
		if p.allSinksDone() {
			return nil
		}
		select {
		case <-p.notify:
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for end of stream: %v", omx.ErrTimeout, ctx.Err())
		}
	}
}

func (p *Pipeline) allSinksDone() bool {
	sinks := 0
	for _, n := range p.snapshot() {
		if !n.sink {
			continue
		}
		sinks++
		n.mu.Lock()
		eos := n.eos
		n.mu.Unlock()
		if !eos {
			return false
		}
	}
	return sinks > 0
}

// Inspect snapshots every component.
func (p *Pipeline) Inspect(ctx context.Context) ([]component.Status, error) {
	var out []component.Status
	for _, n := range p.snapshot() {
		st, err := n.c.Inspect(ctx)
		if err != nil {
			return out, fmt.Errorf("%s: %w", n.name, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// Stop brings every component back to Loaded and frees them. Components
// that do not get there in time are freed forcibly.
func (p *Pipeline) Stop(ctx context.Context) error {
	var errs []error
	active := func(s omx.State) bool { return s == omx.StateExecuting || s == omx.StatePause }
	if err := p.setState(ctx, omx.StateIdle, active); err != nil {
		errs = append(errs, err)
	}
	idle := func(s omx.State) bool { return s == omx.StateIdle || s == omx.StateWaitForResources }
	if err := p.setState(ctx, omx.StateLoaded, idle); err != nil {
		errs = append(errs, err)
	}

	freeCtx, cancel := context.WithTimeout(context.Background(), p.rt.cfg.StateTimeout)
	defer cancel()
	for _, n := range p.snapshot() {
		if err := n.c.Free(freeCtx); err != nil {
			errs = append(errs, fmt.Errorf("free %s: %w", n.name, err))
		}
	}
	p.mu.Lock()
	p.nodes = nil
	p.byName = make(map[string]*node)
	p.links = nil
	p.mu.Unlock()
	p.bus.Stop()
	return errors.Join(errs...)
}
