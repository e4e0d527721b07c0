package component

import (
	"context"
	"fmt"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/trace"
)

func (c *Component) beginPortCommand(cmd omx.Command, param int) {
	if c.state == omx.StateInvalid {
		c.fail(cmd, param, fmt.Errorf("%w: %s", omx.ErrInvalidState, cmd))
		return
	}
	if cmd == omx.CommandFlush && c.state != omx.StateIdle && c.state != omx.StateExecuting && c.state != omx.StatePause {
		c.fail(cmd, param, fmt.Errorf("%w: flush in %s", omx.ErrIncorrectStateOperation, c.state))
		return
	}

	pids := []int{param}
	if param == omx.AllPorts {
		pids = pids[:0]
		for pid := range c.ports {
			pids = append(pids, pid)
		}
	}
	for _, pid := range pids {
		_, span := trace.InstrumentPortCommand(context.Background(), c.name, cmd.String(), pid)
		op := &portOp{cmd: cmd, pid: pid, span: span}
		c.portOps = append(c.portOps, op)

		var err error
		switch cmd {
		case omx.CommandFlush:
			err = c.flushPort(span, pid)
		case omx.CommandPortDisable:
			err = c.disablePort(span, pid)
		case omx.CommandPortEnable:
			err = c.enablePort(pid)
		}
		if err != nil {
			c.finishPortOp(op, err)
		}
	}
}

func (c *Component) finishPortOp(op *portOp, err error) {
	for i, o := range c.portOps {
		if o == op {
			c.portOps = append(c.portOps[:i], c.portOps[i+1:]...)
			break
		}
	}
	if err != nil {
		trace.RecordError(op.span, err)
		c.fail(op.cmd, op.pid, err)
	} else {
		c.complete(op.cmd, op.pid)
	}
	op.span.End()
}

// checkPortOps completes port commands whose conditions are met.
func (c *Component) checkPortOps() {
	for _, op := range append([]*portOp(nil), c.portOps...) {
		p := c.ports[op.pid]
		switch op.cmd {
		case omx.CommandFlush:
			c.finishPortOp(op, nil)
			c.kick()
		case omx.CommandPortDisable:
			if p.HasPool() && p.Owned() && p.Home() {
				if p.Supplier() {
					c.peers[op.pid].post(freeBuffersMsg{pid: p.PeerPort()})
				}
				p.FreePool(c.alloc)
			}
			if !p.HasPool() {
				c.finishPortOp(op, nil)
			}
		case omx.CommandPortEnable:
			if !p.Enabled() {
				continue
			}
			if c.state == omx.StateLoaded || c.state == omx.StateWaitForResources || p.Populated() {
				c.finishPortOp(op, nil)
				if c.state == omx.StateExecuting || c.state == omx.StatePause {
					c.activatePort(op.pid)
					c.kick()
				}
			}
		}
	}
}

// flushPort returns every header of the port to its owner and forgets
// queued data. Suppliers keep their pool.
func (c *Component) flushPort(span oteltrace.Span, pid int) error {
	p := c.ports[pid]
	p.SetFlushing(true)
	defer p.SetFlushing(false)

	if ph, ok := c.proc.(PortHandler); ok {
		if err := ph.PortFlush(c.k, pid); err != nil {
			return err
		}
	}
	for _, h := range p.TakeClaimed() {
		c.returnHome(pid, h)
	}

	switch {
	case !p.Tunneled():
		c.returnToClient(span, pid)
	case !p.Supplier():
		for _, h := range p.TakeHeld() {
			c.sendToPeer(pid, h)
		}
	case p.IsOutput():
		for _, h := range p.TakeParked() {
			h.Reset()
			if err := p.Accept(h); err != nil {
				return err
			}
		}
	default:
		// Input supplier: queued data is dropped and the empties go back
		// upstream.
		for _, h := range p.TakeHeld() {
			h.Reset()
			c.deliver(pid, h)
		}
	}

	c.eosSent[pid] = false
	if !p.IsOutput() {
		c.sinkEOS = false
	}
	return nil
}

func (c *Component) disablePort(span oteltrace.Span, pid int) error {
	p := c.ports[pid]
	if !p.Enabled() {
		return nil
	}
	if c.state == omx.StateLoaded || c.state == omx.StateWaitForResources {
		p.SetEnabled(false)
		p.DropRegistrations()
		c.stashed[pid] = nil
		return nil
	}

	if ph, ok := c.proc.(PortHandler); ok {
		if err := ph.PortDisable(c.k, pid); err != nil {
			return err
		}
	}
	if p.Tunneled() {
		c.peers[pid].post(peerStateMsg{pid: p.PeerPort(), active: false})
	}
	p.SetEnabled(false)

	for _, h := range p.TakeClaimed() {
		c.returnHome(pid, h)
	}
	switch {
	case !p.Tunneled():
		c.returnToClient(span, pid)
		p.FreePool(c.alloc)
	case !p.Supplier():
		for _, h := range p.TakeHeld() {
			c.sendToPeer(pid, h)
		}
		p.DropRegistrations()
	}
	// Suppliers free once every header is home, in checkPortOps.
	return nil
}

func (c *Component) enablePort(pid int) error {
	p := c.ports[pid]
	if p.Enabled() {
		return nil
	}
	if c.state == omx.StateLoaded || c.state == omx.StateWaitForResources {
		p.SetEnabled(true)
		return nil
	}

	if ph, ok := c.proc.(PortHandler); ok {
		if err := ph.PortEnable(c.k, pid); err != nil {
			return err
		}
	}
	p.SetEnabled(true)
	switch {
	case p.MemoryOwner():
		if _, err := p.AllocatePool(c.alloc); err != nil {
			p.SetEnabled(false)
			return err
		}
		if p.Supplier() {
			c.sendUseBuffers(pid)
		}
	default:
		c.peers[pid].post(reqBuffersMsg{pid: p.PeerPort()})
	}
	return nil
}
