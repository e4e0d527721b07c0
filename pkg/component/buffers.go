package component

import (
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/reactor"
	"github.com/realtime-ai/omxil/pkg/trace"
)

func (c *Component) stopping() bool {
	return c.pending != nil && c.pending.to == omx.StateIdle
}

func (c *Component) disabling(pid int) bool {
	for _, op := range c.portOps {
		if op.pid == pid && op.cmd == omx.CommandPortDisable {
			return true
		}
	}
	return false
}

// circulating reports whether headers of port pid may leave the component.
func (c *Component) circulating(pid int) bool {
	if c.state != omx.StateExecuting && c.state != omx.StatePause {
		return false
	}
	p := c.ports[pid]
	return !c.stopping() && p.Enabled() && !c.disabling(pid)
}

func (c *Component) isSink() bool {
	for _, p := range c.ports {
		if p.IsOutput() {
			return false
		}
	}
	return true
}

// deliver passes a header on from port pid: to the client for ports
// without a tunnel, to the peer otherwise. A supplier keeps the header
// parked while the peer cannot take it.
func (c *Component) deliver(pid int, h *omx.BufferHeader) {
	p := c.ports[pid]
	switch {
	case !p.Tunneled():
		if p.IsOutput() {
			c.cb.OnFillBufferDone(c, h)
		} else {
			c.cb.OnEmptyBufferDone(c, h)
		}
	case !p.Supplier():
		c.sendToPeer(pid, h)
	case c.circulating(pid) && c.peerActive[pid]:
		c.sendToPeer(pid, h)
	default:
		p.Park(h)
	}
}

func (c *Component) sendToPeer(pid int, h *omx.BufferHeader) {
	p := c.ports[pid]
	peer := c.peers[pid]
	if peer == nil {
		c.log.WithField("port", pid).Warn("no tunnel peer, header dropped")
		return
	}
	peer.post(peerBufferMsg{pid: p.PeerPort(), h: h})
}

// returnHome puts a force-released header back with its owner. Partial
// output is discarded; unconsumed client input goes back to the client.
func (c *Component) returnHome(pid int, h *omx.BufferHeader) {
	p := c.ports[pid]
	switch {
	case p.Tunneled() && !p.Supplier():
		c.sendToPeer(pid, h)
	case !p.Tunneled() && !p.IsOutput():
		c.cb.OnEmptyBufferDone(c, h)
	default:
		h.Reset()
		if err := p.Accept(h); err != nil {
			c.log.WithError(err).WithField("port", pid).Warn("returned header rejected")
		}
	}
}

// returnToClient hands every header held on a port without a tunnel back
// to the client: input through EmptyBufferDone, output empty through
// FillBufferDone. The count is noted on span.
func (c *Component) returnToClient(span oteltrace.Span, pid int) {
	p := c.ports[pid]
	hdrs := p.TakeHeld()
	if len(hdrs) == 0 {
		return
	}
	for _, h := range hdrs {
		h.Reset()
		if p.IsOutput() {
			c.cb.OnFillBufferDone(c, h)
		} else {
			c.cb.OnEmptyBufferDone(c, h)
		}
	}
	trace.AddEvent(span, "client buffers returned",
		attribute.Int(trace.AttrPortIndex, pid),
		attribute.Int("buffers", len(hdrs)))
}

// activatePort starts circulation on an enabled port in Executing or
// Pause: the peer is told, and input buffers this port allocated are sent
// out to be filled.
func (c *Component) activatePort(pid int) {
	p := c.ports[pid]
	if p.Tunneled() {
		c.peers[pid].post(peerStateMsg{pid: p.PeerPort(), active: true})
	}
	if !p.IsOutput() && p.Owned() {
		for _, h := range p.TakeHeld() {
			h.Reset()
			c.deliver(pid, h)
		}
	}
	c.flushParked(pid)
}

func (c *Component) flushParked(pid int) {
	if !c.circulating(pid) || !c.peerActive[pid] {
		return
	}
	for _, h := range c.ports[pid].TakeParked() {
		c.sendToPeer(pid, h)
	}
}

func (c *Component) sendUseBuffers(pid int) {
	p := c.ports[pid]
	peer := c.peers[pid]
	if peer == nil {
		return
	}
	peer.post(useBuffersMsg{pid: p.PeerPort(), hdrs: p.Headers()})
}

func (c *Component) handleUseBuffers(m useBuffersMsg) {
	p := c.ports[m.pid]
	if !p.Tunneled() || p.Supplier() {
		c.log.WithField("port", m.pid).Warn("unexpected buffer registration")
		return
	}
	if !p.Enabled() {
		return
	}
	if (c.state == omx.StateLoaded || c.state == omx.StateWaitForResources) && !c.populating() {
		c.stashed[m.pid] = m.hdrs
		c.log.WithField("port", m.pid).Debug("peer buffers stashed until Idle")
		return
	}
	c.registerPeerBuffers(m.pid, m.hdrs)
}

func (c *Component) registerPeerBuffers(pid int, hdrs []*omx.BufferHeader) {
	p := c.ports[pid]
	p.DropRegistrations()
	for _, h := range hdrs {
		p.Register(h)
	}
	c.log.WithFields(logrus.Fields{"port": pid, "count": len(hdrs)}).Debug("peer buffers registered")
}

func (c *Component) handleFreeBuffers(m freeBuffersMsg) {
	c.stashed[m.pid] = nil
	c.ports[m.pid].DropRegistrations()
}

func (c *Component) handleReqBuffers(m reqBuffersMsg) {
	p := c.ports[m.pid]
	if p.Supplier() && p.HasPool() {
		c.sendUseBuffers(m.pid)
	}
}

func (c *Component) handlePeerState(m peerStateMsg) {
	c.peerActive[m.pid] = m.active
	p := c.ports[m.pid]
	if m.active {
		c.flushParked(m.pid)
		c.kick()
		return
	}
	if p.Tunneled() && !p.Supplier() {
		for _, h := range p.TakeHeld() {
			c.sendToPeer(m.pid, h)
		}
	}
}

func (c *Component) handlePeerBuffer(m peerBufferMsg) {
	p := c.ports[m.pid]
	if !p.Owns(m.h) {
		// Registrations were dropped; hand the header back to its owner.
		if p.Tunneled() && !p.Supplier() {
			c.sendToPeer(m.pid, m.h)
		}
		return
	}
	if !p.Supplier() && !c.circulating(m.pid) {
		c.sendToPeer(m.pid, m.h)
		return
	}
	if p.IsOutput() {
		m.h.Reset()
	}
	if err := p.Accept(m.h); err != nil {
		c.log.WithError(err).WithField("port", m.pid).Warn("peer header rejected")
		return
	}
	c.kick()
}

func (c *Component) handleClientBuffer(m clientBufferMsg) {
	p := c.ports[m.pid]
	if p.Tunneled() {
		c.raise(errPort(omx.ErrIncorrectStateOperation, m.pid, "port is tunneled"))
		return
	}
	if !p.Owns(m.h) {
		c.raise(errPort(omx.ErrInvalidHeader, m.pid, "header does not belong to port"))
		return
	}
	if p.IsOutput() {
		m.h.Reset()
	}
	if err := p.Accept(m.h); err != nil {
		c.raise(err)
		return
	}
	c.kick()
}

func (c *Component) anyReady() bool {
	for _, p := range c.ports {
		if p.Ready() {
			return true
		}
	}
	return false
}

// kick schedules a BuffersReady call through the inbox.
func (c *Component) kick() {
	if c.tickPending || c.state != omx.StateExecuting || c.stopping() || !c.anyReady() {
		return
	}
	c.tickPending = true
	c.post(buffersReadyMsg{})
}

func (c *Component) handleBuffersReady() {
	c.tickPending = false
	if c.state != omx.StateExecuting || c.stopping() {
		return
	}
	before := c.progress
	if err := c.proc.BuffersReady(c.k); err != nil {
		c.raise(err)
	}
	if c.progress != before {
		c.kick()
	}
}

// handleWatcher delivers an I/O or timer event to the processor. Events
// are only meaningful in Executing: in Pause they wait for Resume, in any
// other state they are dropped.
func (c *Component) handleWatcher(ev any, stale bool) {
	if stale {
		return
	}
	switch {
	case c.state == omx.StatePause && !c.stopping():
		c.deferred = append(c.deferred, ev)
		return
	case c.state != omx.StateExecuting || c.stopping():
		c.log.WithField("state", c.state).Debug("watcher event dropped")
		return
	}

	var err error
	switch e := ev.(type) {
	case reactor.IOEvent:
		if h, ok := c.proc.(IOHandler); ok {
			err = h.IOReady(c.k, e)
		}
	case reactor.TimerEvent:
		if h, ok := c.proc.(TimerHandler); ok {
			err = h.TimerReady(c.k, e)
		}
	}
	if err != nil {
		c.raise(err)
	}
	c.kick()
}

func (c *Component) replayWatcher(ev any) {
	switch e := ev.(type) {
	case reactor.IOEvent:
		c.handleWatcher(e, e.Stale())
	case reactor.TimerEvent:
		c.handleWatcher(e, e.Stale())
	}
}

// onEOS raises the buffer flag event once per stream: for output ports when
// the flagged header leaves, for sinks when the flagged input is consumed.
func (c *Component) onEOS(pid int, h *omx.BufferHeader) {
	p := c.ports[pid]
	switch {
	case p.IsOutput():
		if c.eosSent[pid] {
			return
		}
		c.eosSent[pid] = true
	case c.isSink():
		if c.sinkEOS {
			return
		}
		c.sinkEOS = true
	default:
		return
	}
	c.log.WithField("port", pid).Info("end of stream")
	c.emit(omx.Event{Kind: omx.EventBufferFlag, Data1: pid, Flags: h.Flags})
}
