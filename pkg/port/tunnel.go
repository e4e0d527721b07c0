package port

import (
	"fmt"

	"github.com/realtime-ai/omxil/pkg/omx"
)

// Endpoint is a snapshot of the port properties tunnel negotiation needs.
// Components take snapshots on their own loops and negotiate on the caller.
type Endpoint struct {
	Index       int
	Dir         omx.Direction
	Domain      omx.Domain
	BufferCount int
	BufferSize  int
	Pref        omx.Supplier
	Explicit    bool
	Default     omx.Supplier
}

func (p *Port) Endpoint() Endpoint {
	return Endpoint{
		Index:       p.index,
		Dir:         p.opts.Dir,
		Domain:      p.opts.Domain,
		BufferCount: p.def.BufferCountActual,
		BufferSize:  p.def.BufferSize,
		Pref:        p.supplierPref,
		Explicit:    p.supplierExplicit,
		Default:     p.opts.SupplierPref,
	}
}

// SetSupplierPref records an explicit supplier preference, as set through
// the BufferSupplier parameter.
func (p *Port) SetSupplierPref(s omx.Supplier) {
	p.supplierPref = s
	p.supplierExplicit = s != omx.SupplierUnspecified
	if !p.supplierExplicit {
		p.supplierPref = p.opts.SupplierPref
	}
}

// SupplierPref returns the preference and whether it was set explicitly.
func (p *Port) SupplierPref() (omx.Supplier, bool) {
	return p.supplierPref, p.supplierExplicit
}

// ApplyTunnel makes the port one end of a tunnel with the negotiated
// buffer requirements. It fails while the port has a pool.
func (p *Port) ApplyTunnel(peerPort int, supplier bool, count, size int) error {
	if p.HasPool() {
		return fmt.Errorf("%w: port %d is populated", omx.ErrIncorrectStateOperation, p.index)
	}
	p.tunneled = true
	p.peerPort = peerPort
	p.supplier = supplier
	p.def.BufferCountActual = max(count, p.def.BufferCountMin)
	p.def.BufferSize = max(size, p.opts.MinBufSize)
	return nil
}

// ClearTunnel returns the port to the non-tunneled configuration.
func (p *Port) ClearTunnel() {
	p.tunneled = false
	p.peerPort = -1
	p.supplier = false
	p.supplierExplicit = false
	p.supplierPref = p.opts.SupplierPref
}

// NegotiateSupplier decides which end of the out->in tunnel allocates the
// buffers. Explicit preferences win over role defaults; two explicit
// preferences that disagree are rejected. With no explicit preference the
// input port's default decides, then the output port's, then the input.
func NegotiateSupplier(out, in Endpoint) (omx.Supplier, error) {
	switch {
	case out.Explicit && in.Explicit:
		if out.Pref != in.Pref {
			return omx.SupplierUnspecified, fmt.Errorf("%w: port %d wants %s supplier, port %d wants %s",
				omx.ErrBadParameter, out.Index, out.Pref, in.Index, in.Pref)
		}
		return out.Pref, nil
	case in.Explicit:
		return in.Pref, nil
	case out.Explicit:
		return out.Pref, nil
	case in.Default != omx.SupplierUnspecified:
		return in.Default, nil
	case out.Default != omx.SupplierUnspecified:
		return out.Default, nil
	}
	return omx.SupplierInput, nil
}

// CheckCompat verifies that out can feed in and returns the buffer count
// and size both ends must use: the larger of each.
func CheckCompat(out, in Endpoint) (count, size int, err error) {
	if out.Dir != omx.DirOutput || in.Dir != omx.DirInput {
		return 0, 0, fmt.Errorf("%w: tunnel must run from an output to an input port", omx.ErrBadParameter)
	}
	if out.Domain != in.Domain {
		return 0, 0, fmt.Errorf("%w: %s port %d cannot feed %s port %d",
			omx.ErrPortsNotCompatible, out.Domain, out.Index, in.Domain, in.Index)
	}
	return max(out.BufferCount, in.BufferCount), max(out.BufferSize, in.BufferSize), nil
}
