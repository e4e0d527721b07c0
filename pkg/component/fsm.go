package component

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/trace"
)

func (c *Component) busy() bool {
	return c.pending != nil || len(c.portOps) > 0
}

// cancelable reports whether a Loaded command may abort the in-flight
// transition: Loaded->Idle waiting for resources or for buffers.
func (c *Component) cancelable() bool {
	t := c.pending
	return t != nil && t.to == omx.StateIdle &&
		(t.from == omx.StateLoaded || t.from == omx.StateWaitForResources)
}

// populating reports whether a Loaded->Idle transition is gathering
// buffers, with resources granted.
func (c *Component) populating() bool {
	return c.cancelable() && !c.awaitingGrant
}

func (c *Component) handleCommand(m cmdMsg) {
	if m.cmd == omx.CommandStateSet && omx.State(m.param) == omx.StateLoaded && c.cancelable() {
		c.cancelIdle()
		return
	}
	if c.busy() {
		c.queue = append(c.queue, m)
		return
	}
	c.execute(m)
}

func (c *Component) execute(m cmdMsg) {
	if m.cmd == omx.CommandStateSet {
		c.beginTransition(omx.State(m.param))
		return
	}
	c.beginPortCommand(m.cmd, m.param)
}

// advance completes operations whose conditions are now met and runs
// deferred commands once nothing is in flight.
func (c *Component) advance() {
	for {
		c.checkTransition()
		c.checkPortOps()
		if c.busy() || len(c.queue) == 0 {
			return
		}
		m := c.queue[0]
		c.queue = c.queue[1:]
		c.execute(m)
	}
}

func (c *Component) beginTransition(to omx.State) {
	from := c.state
	if err := omx.CheckTransition(from, to); err != nil {
		if from == omx.StateInvalid {
			err = fmt.Errorf("%w: %w", err, omx.ErrInvalidState)
		}
		c.fail(omx.CommandStateSet, int(to), err)
		return
	}

	ctx, span := trace.InstrumentTransition(context.Background(), c.name, c.role, c.id, from.String(), to.String())
	c.pending = &transition{from: from, to: to, ctx: ctx, span: span}
	c.log.WithFields(logrus.Fields{"from": from, "to": to}).WithFields(trace.LogFields(ctx)).Debug("transition started")

	switch {
	case from == omx.StateLoaded && to == omx.StateWaitForResources:
		c.setState(omx.StateWaitForResources)
		c.finishTransition(nil)
	case from == omx.StateWaitForResources && to == omx.StateLoaded:
		c.cancelGrant()
		c.setState(omx.StateLoaded)
		c.finishTransition(nil)
	case to == omx.StateIdle && (from == omx.StateLoaded || from == omx.StateWaitForResources):
		c.toIdleFromLoaded()
	case from == omx.StateIdle && to == omx.StateExecuting:
		c.toExecuting()
	case from == omx.StateExecuting && to == omx.StatePause:
		c.toPause()
	case from == omx.StatePause && to == omx.StateExecuting:
		c.toResume()
	case to == omx.StateIdle:
		c.toIdleFromExecuting()
	case from == omx.StateIdle && to == omx.StateLoaded:
		c.toLoaded()
	}
}

// finishTransition reports the outcome of the in-flight transition. The
// state must already be what the client should see.
func (c *Component) finishTransition(err error) {
	t := c.pending
	c.pending = nil
	if err != nil {
		trace.RecordError(t.span, err)
		c.fail(omx.CommandStateSet, int(t.to), err)
	} else {
		c.complete(omx.CommandStateSet, int(t.to))
	}
	t.span.End()
}

// checkTransition completes transitions that wait on other components.
func (c *Component) checkTransition() {
	t := c.pending
	if t == nil || t.to != omx.StateIdle {
		return
	}
	switch t.from {
	case omx.StateLoaded, omx.StateWaitForResources:
		if c.awaitingGrant {
			return
		}
		for _, p := range c.ports {
			if p.Enabled() && !p.Populated() {
				return
			}
		}
		c.setState(omx.StateIdle)
		c.finishTransition(nil)
	case omx.StateExecuting, omx.StatePause:
		for _, p := range c.ports {
			if p.Supplier() && p.Enabled() && !p.Home() {
				return
			}
		}
		for _, p := range c.ports {
			for _, h := range p.TakeParked() {
				h.Reset()
				if err := p.Accept(h); err != nil {
					c.log.WithError(err).Warn("parked header rejected")
				}
			}
		}
		c.setState(omx.StateIdle)
		c.finishTransition(nil)
	}
}

func (c *Component) toIdleFromLoaded() {
	if c.resources != nil && len(c.requests) > 0 && !c.holdsResources {
		ok, err := c.resources.Acquire(c.id, c.requests)
		if err != nil {
			c.setState(omx.StateLoaded)
			c.finishTransition(err)
			return
		}
		if !ok {
			c.awaitingGrant = true
			c.setState(omx.StateWaitForResources)
			c.log.Info("waiting for resources")
			if err := c.resources.Wait(c.id, c.requests, func() { c.post(grantMsg{}) }); err != nil {
				c.awaitingGrant = false
				c.setState(omx.StateLoaded)
				c.finishTransition(err)
			}
			return
		}
		c.holdsResources = true
	}
	c.allocateForIdle()
}

func (c *Component) handleGrant() {
	if !c.awaitingGrant {
		return
	}
	c.awaitingGrant = false
	c.holdsResources = true
	c.emit(omx.Event{Kind: omx.EventResourcesAcquired})
	c.allocateForIdle()
}

func (c *Component) cancelGrant() {
	if !c.awaitingGrant {
		return
	}
	c.awaitingGrant = false
	if !c.resources.Cancel(c.id) {
		// Granted while the grant message was queued.
		c.resources.Release(c.id)
	}
}

func (c *Component) releaseResources() {
	c.cancelGrant()
	if c.holdsResources {
		c.resources.Release(c.id)
		c.holdsResources = false
	}
}

func (c *Component) allocateForIdle() {
	for pid, p := range c.ports {
		if !p.Enabled() || !p.MemoryOwner() || p.HasPool() {
			continue
		}
		if _, err := p.AllocatePool(c.alloc); err != nil {
			c.rollbackIdle(fmt.Errorf("port %d: %w", pid, err))
			return
		}
	}
	if rh, ok := c.proc.(ResourceHandler); ok {
		c.pending.hooked = true
		if err := rh.AllocateResources(c.k); err != nil {
			c.rollbackIdle(err)
			return
		}
	}
	for pid, p := range c.ports {
		switch {
		case !p.Enabled() || !p.Tunneled():
		case p.Supplier():
			c.sendUseBuffers(pid)
		case c.stashed[pid] != nil:
			c.registerPeerBuffers(pid, c.stashed[pid])
			c.stashed[pid] = nil
		}
	}
}

// rollbackIdle undoes a partial Loaded->Idle. A failure while undoing
// leaves the component Invalid.
func (c *Component) rollbackIdle(cause error) {
	var undoErr error
	if rh, ok := c.proc.(ResourceHandler); ok && c.pending.hooked {
		undoErr = rh.DeallocateResources(c.k)
	}
	c.freeOwnedPools()
	c.stashRegistrations()
	c.releaseResources()

	if undoErr != nil {
		c.setState(omx.StateInvalid)
		c.finishTransition(errors.Join(cause, fmt.Errorf("%w: rollback: %v", omx.ErrInvalidState, undoErr)))
		return
	}
	c.setState(omx.StateLoaded)
	c.finishTransition(cause)
}

// cancelIdle aborts the pending Idle for a Loaded command. Commands queued
// behind the Idle are canceled as well, so terminal events keep the order
// the commands were sent in.
func (c *Component) cancelIdle() {
	c.log.WithField("queued", len(c.queue)).Info("pending Idle canceled")
	superseded := fmt.Errorf("%w: superseded by Loaded", omx.ErrCommandCanceled)
	c.rollbackIdle(superseded)

	queued := c.queue
	c.queue = nil
	for _, m := range queued {
		if m.cmd == omx.CommandStateSet || m.param != omx.AllPorts {
			c.fail(m.cmd, m.param, superseded)
			continue
		}
		for pid := range c.ports {
			c.fail(m.cmd, pid, superseded)
		}
	}

	if c.state == omx.StateLoaded {
		c.complete(omx.CommandStateSet, int(omx.StateLoaded))
		return
	}
	c.fail(omx.CommandStateSet, int(omx.StateLoaded), fmt.Errorf("%w: rollback failed", omx.ErrInvalidState))
}

// freeOwnedPools frees every pool this component allocated and tells tunnel
// peers their registrations are gone.
func (c *Component) freeOwnedPools() {
	for pid, p := range c.ports {
		if !p.Owned() {
			continue
		}
		if p.Supplier() {
			if peer := c.peers[pid]; peer != nil {
				peer.post(freeBuffersMsg{pid: p.PeerPort()})
			}
		}
		p.FreePool(c.alloc)
	}
}

// stashRegistrations forgets the headers tunnel suppliers registered and
// keeps them for the next Loaded->Idle, unless the supplier frees them first.
func (c *Component) stashRegistrations() {
	for pid, p := range c.ports {
		if p.Tunneled() && !p.Supplier() && p.HasPool() {
			c.stashed[pid] = p.Headers()
		}
		p.DropRegistrations()
	}
}

func (c *Component) toExecuting() {
	if th, ok := c.proc.(TransferHandler); ok {
		if err := th.PrepareToTransfer(c.k); err != nil {
			c.stopWatchers()
			c.finishTransition(err)
			return
		}
		if err := th.TransferAndProcess(c.k); err != nil {
			undoErr := th.StopAndReturn(c.k)
			c.stopWatchers()
			if undoErr != nil {
				c.setState(omx.StateInvalid)
				c.finishTransition(errors.Join(err, fmt.Errorf("%w: unwinding: %v", omx.ErrInvalidState, undoErr)))
				return
			}
			c.finishTransition(err)
			return
		}
	}

	c.setState(omx.StateExecuting)
	for i := range c.eosSent {
		c.eosSent[i] = false
	}
	c.sinkEOS = false
	c.finishTransition(nil)

	for pid, p := range c.ports {
		if p.Enabled() {
			c.activatePort(pid)
		}
	}
	c.kick()
}

func (c *Component) toPause() {
	if ph, ok := c.proc.(PauseHandler); ok {
		if err := ph.Pause(c.k); err != nil {
			c.finishTransition(err)
			return
		}
	}
	c.setState(omx.StatePause)
	c.finishTransition(nil)
}

func (c *Component) toResume() {
	if ph, ok := c.proc.(PauseHandler); ok {
		if err := ph.Resume(c.k); err != nil {
			c.finishTransition(err)
			return
		}
	}
	c.setState(omx.StateExecuting)
	c.finishTransition(nil)

	events := c.deferred
	c.deferred = nil
	for _, ev := range events {
		c.replayWatcher(ev)
	}
	c.kick()
}

// toIdleFromExecuting stops processing and gathers every header back to its
// owner. Headers the client submitted go back to the client. Supplier ports
// complete the transition once all their headers are home.
func (c *Component) toIdleFromExecuting() {
	if th, ok := c.proc.(TransferHandler); ok {
		if err := th.StopAndReturn(c.k); err != nil {
			c.finishTransition(err)
			return
		}
	}
	c.deferred = nil
	c.stopWatchers()

	for pid, p := range c.ports {
		if p.Tunneled() && p.Enabled() {
			c.peers[pid].post(peerStateMsg{pid: p.PeerPort(), active: false})
		}
	}
	for pid, p := range c.ports {
		for _, h := range p.TakeClaimed() {
			c.returnHome(pid, h)
		}
		switch {
		case !p.Tunneled():
			c.returnToClient(c.pending.span, pid)
		case !p.Supplier():
			for _, h := range p.TakeHeld() {
				c.sendToPeer(pid, h)
			}
		}
	}
}

func (c *Component) toLoaded() {
	if rh, ok := c.proc.(ResourceHandler); ok {
		if err := rh.DeallocateResources(c.k); err != nil {
			c.finishTransition(err)
			return
		}
	}
	c.freeOwnedPools()
	c.stashRegistrations()
	c.releaseResources()
	c.setState(omx.StateLoaded)
	c.finishTransition(nil)
}

func (c *Component) stopWatchers() {
	for _, w := range c.ioWatchers {
		w.Stop()
	}
	for _, w := range c.timers {
		w.Stop()
	}
}

// shutdown runs on Free. Anything above Loaded is torn down without
// waiting for peers.
func (c *Component) shutdown() {
	c.inbox.Close()
	c.stopWatchers()

	switch c.state {
	case omx.StateExecuting, omx.StatePause:
		if th, ok := c.proc.(TransferHandler); ok {
			if err := th.StopAndReturn(c.k); err != nil {
				c.log.WithError(err).Warn("stop on free")
			}
		}
		fallthrough
	case omx.StateIdle:
		if rh, ok := c.proc.(ResourceHandler); ok {
			if err := rh.DeallocateResources(c.k); err != nil {
				c.log.WithError(err).Warn("deallocate on free")
			}
		}
	}
	if c.pending != nil {
		c.pending.span.End()
		c.pending = nil
	}
	for _, op := range c.portOps {
		op.span.End()
	}
	c.portOps = nil

	c.freeOwnedPools()
	for pid, p := range c.ports {
		p.DropRegistrations()
		if peer := c.peers[pid]; peer != nil {
			peer.post(teardownMsg{pid: p.PeerPort()})
			c.unbind(pid)
		}
	}
	c.releaseResources()
	c.log.Debug("freed")
}
