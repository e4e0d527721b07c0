package component

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/port"
	"github.com/realtime-ai/omxil/pkg/trace"
)

// tunnelable checks that port pid may be (un)tunneled now: the component
// is in Loaded or the port is disabled.
func (c *Component) tunnelable(pid int, dir omx.Direction) (*port.Port, error) {
	p, err := c.port(pid)
	if err != nil {
		return nil, err
	}
	if p.Dir() != dir {
		return nil, fmt.Errorf("%w: %s port %d is not an %s port", omx.ErrBadParameter, c.name, pid, dir)
	}
	if (c.state != omx.StateLoaded || c.pending != nil) && p.Enabled() {
		return nil, fmt.Errorf("%w: %s is %s and port %d is enabled", omx.ErrIncorrectStateOperation, c.name, c.state, pid)
	}
	return p, nil
}

func (c *Component) endpoint(pid int, dir omx.Direction) (port.Endpoint, error) {
	p, err := c.tunnelable(pid, dir)
	if err != nil {
		return port.Endpoint{}, err
	}
	if p.Tunneled() {
		return port.Endpoint{}, fmt.Errorf("%w: %s port %d is already tunneled", omx.ErrIncorrectStateOperation, c.name, pid)
	}
	return p.Endpoint(), nil
}

func (c *Component) bind(pid int, dir omx.Direction, peer *Component, peerPort int, supplier bool, count, size int) error {
	p, err := c.tunnelable(pid, dir)
	if err != nil {
		return err
	}
	if err := p.ApplyTunnel(peerPort, supplier, count, size); err != nil {
		return err
	}
	c.peers[pid] = peer
	c.peerActive[pid] = false
	c.stashed[pid] = nil
	c.log.WithFields(logrus.Fields{"port": pid, "peer": peer.name, "supplier": supplier}).Debug("tunnel bound")
	return nil
}

func (c *Component) unbind(pid int) {
	c.ports[pid].ClearTunnel()
	c.peers[pid] = nil
	c.peerActive[pid] = false
	c.stashed[pid] = nil
}

func (c *Component) handleTeardown(m teardownMsg) {
	p := c.ports[m.pid]
	p.DropRegistrations()
	c.unbind(m.pid)
}

// SetupTunnel connects output port outPid of out to input port inPid of in.
// Both ports must be disabled or their components in Loaded. The supplier
// is negotiated from the ports' preferences and both ends get the larger of
// the two buffer requirements.
func SetupTunnel(ctx context.Context, out *Component, outPid int, in *Component, inPid int) (err error) {
	_, span := trace.InstrumentTunnel(ctx, fmt.Sprintf("%s:%d", out.name, outPid), fmt.Sprintf("%s:%d", in.name, inPid))
	defer func() {
		trace.RecordError(span, err)
		span.End()
	}()

	var outEp, inEp port.Endpoint
	var opErr error
	if err := out.call(ctx, func() { outEp, opErr = out.endpoint(outPid, omx.DirOutput) }); err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	if err := in.call(ctx, func() { inEp, opErr = in.endpoint(inPid, omx.DirInput) }); err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}

	supplier, err := port.NegotiateSupplier(outEp, inEp)
	if err != nil {
		return err
	}
	count, size, err := port.CheckCompat(outEp, inEp)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String(trace.AttrTunnelSupplier, supplier.String()))

	if err := out.call(ctx, func() {
		opErr = out.bind(outPid, omx.DirOutput, in, inPid, supplier == omx.SupplierOutput, count, size)
	}); err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	if err := in.call(ctx, func() {
		opErr = in.bind(inPid, omx.DirInput, out, outPid, supplier == omx.SupplierInput, count, size)
	}); err != nil || opErr != nil {
		out.call(ctx, func() { out.unbind(outPid) })
		if err != nil {
			return err
		}
		return opErr
	}
	return nil
}

// TeardownTunnel disconnects a tunnel made by SetupTunnel. Both ports must
// be disabled or their components in Loaded.
func TeardownTunnel(ctx context.Context, out *Component, outPid int, in *Component, inPid int) error {
	for _, end := range []struct {
		c   *Component
		pid int
		dir omx.Direction
	}{{out, outPid, omx.DirOutput}, {in, inPid, omx.DirInput}} {
		var opErr error
		if err := end.c.call(ctx, func() {
			if _, opErr = end.c.tunnelable(end.pid, end.dir); opErr == nil {
				end.c.ports[end.pid].DropRegistrations()
				end.c.unbind(end.pid)
			}
		}); err != nil {
			return err
		}
		if opErr != nil {
			return opErr
		}
	}
	return nil
}
