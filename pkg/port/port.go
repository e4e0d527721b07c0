// Package port implements component ports: the buffer pool a port owns or
// borrows from its tunnel peer, and the claim/release protocol processors
// use to take and give back buffer headers.
//
// A Port is not safe for concurrent use. It is only touched from the event
// loop of the component that owns it.
package port

import (
	"fmt"

	"github.com/realtime-ai/omxil/pkg/omx"
)

// Options are the static properties a role gives each of its ports.
type Options struct {
	Domain       omx.Domain
	Dir          omx.Direction
	MinBufCount  int
	MinBufSize   int
	Contiguous   bool
	Alignment    int
	SupplierPref omx.Supplier
	MIMEType     string
}

// State of a port as seen by the component.
type State int

const (
	StateDisabled State = iota
	// StateIdleEnabled is an enabled port without a pool.
	StateIdleEnabled
	StateEnabled
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateIdleEnabled:
		return "idle-enabled"
	case StateEnabled:
		return "enabled"
	case StateFlushing:
		return "flushing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Port struct {
	index int
	opts  Options
	def   omx.PortDefinition

	enabled  bool
	flushing bool

	// headers is every header of the pool, owned or registered.
	headers map[*omx.BufferHeader]struct{}
	owned   bool
	held    []*omx.BufferHeader
	claimed map[*omx.BufferHeader]struct{}
	// parked headers are home but waiting to be delivered to the peer.
	parked []*omx.BufferHeader

	supplierPref     omx.Supplier
	supplierExplicit bool

	tunneled bool
	peerPort int
	supplier bool

	seq uint64
}

// New creates an enabled port. Buffer count and size start at the minimums.
func New(index int, opts Options) *Port {
	if opts.MinBufCount < 1 {
		opts.MinBufCount = 1
	}
	if opts.Alignment < 1 {
		opts.Alignment = 1
	}
	return &Port{
		index:        index,
		opts:         opts,
		enabled:      true,
		headers:      make(map[*omx.BufferHeader]struct{}),
		claimed:      make(map[*omx.BufferHeader]struct{}),
		supplierPref: opts.SupplierPref,
		peerPort:     -1,
		def: omx.PortDefinition{
			Port:              index,
			Dir:               opts.Dir,
			Domain:            opts.Domain,
			BufferCountActual: opts.MinBufCount,
			BufferCountMin:    opts.MinBufCount,
			BufferSize:        opts.MinBufSize,
			BufferAlignment:   opts.Alignment,
			Contiguous:        opts.Contiguous,
			MIMEType:          opts.MIMEType,
		},
	}
}

func (p *Port) Index() int         { return p.index }
func (p *Port) Dir() omx.Direction { return p.opts.Dir }
func (p *Port) Domain() omx.Domain { return p.opts.Domain }
func (p *Port) IsOutput() bool     { return p.opts.Dir == omx.DirOutput }
func (p *Port) Enabled() bool      { return p.enabled }
func (p *Port) Flushing() bool     { return p.flushing }
func (p *Port) SetFlushing(v bool) { p.flushing = v }
func (p *Port) Tunneled() bool     { return p.tunneled }
func (p *Port) PeerPort() int      { return p.peerPort }
func (p *Port) HasPool() bool      { return len(p.headers) > 0 }
func (p *Port) Owned() bool        { return p.owned }
func (p *Port) PoolSize() int      { return len(p.headers) }
func (p *Port) HeldCount() int     { return len(p.held) }
func (p *Port) ClaimedCount() int  { return len(p.claimed) }
func (p *Port) Sequence() uint64   { return p.seq }
func (p *Port) BufferCount() int   { return p.def.BufferCountActual }
func (p *Port) BufferSize() int    { return p.def.BufferSize }
func (p *Port) Options() Options   { return p.opts }
func (p *Port) Owns(h *omx.BufferHeader) bool {
	_, ok := p.headers[h]
	return ok
}

// State derives the port state from its flags and pool.
func (p *Port) State() State {
	switch {
	case !p.enabled:
		return StateDisabled
	case p.flushing:
		return StateFlushing
	case len(p.headers) == 0:
		return StateIdleEnabled
	}
	return StateEnabled
}

// SetEnabled flips the enabled flag. Pool management is the caller's job.
func (p *Port) SetEnabled(v bool) {
	p.enabled = v
	if !v {
		p.flushing = false
	}
}

// MemoryOwner reports whether this port allocates its pool: a port that is
// not tunneled, or the supplier of its tunnel.
func (p *Port) MemoryOwner() bool {
	return !p.tunneled || p.supplier
}

// Supplier reports whether the port supplies buffers to its tunnel peer.
func (p *Port) Supplier() bool { return p.tunneled && p.supplier }

// Definition returns the port definition with the live Enabled and
// Populated fields filled in.
func (p *Port) Definition() omx.PortDefinition {
	d := p.def
	d.Enabled = p.enabled
	d.Populated = p.Populated()
	return d
}

// SetDefinition updates the writable fields of the definition. It must not
// be called while a pool exists.
func (p *Port) SetDefinition(d omx.PortDefinition) error {
	if d.Port != p.index {
		return fmt.Errorf("%w: definition for port %d applied to port %d", omx.ErrBadPortIndex, d.Port, p.index)
	}
	if p.HasPool() {
		return fmt.Errorf("%w: port %d is populated", omx.ErrIncorrectStateOperation, p.index)
	}
	if d.BufferCountActual < p.def.BufferCountMin {
		return fmt.Errorf("%w: buffer count %d below minimum %d", omx.ErrBadParameter, d.BufferCountActual, p.def.BufferCountMin)
	}
	if d.BufferSize < p.opts.MinBufSize {
		return fmt.Errorf("%w: buffer size %d below minimum %d", omx.ErrBadParameter, d.BufferSize, p.opts.MinBufSize)
	}
	if d.Dir != p.opts.Dir || d.Domain != p.opts.Domain {
		return fmt.Errorf("%w: direction and domain are read-only", omx.ErrBadParameter)
	}
	p.def.BufferCountActual = d.BufferCountActual
	p.def.BufferSize = d.BufferSize
	if d.MIMEType != "" {
		p.def.MIMEType = d.MIMEType
	}
	return nil
}

// Populated reports whether every buffer of the definition is present.
func (p *Port) Populated() bool {
	return len(p.headers) > 0 && len(p.headers) >= p.def.BufferCountActual
}

func (p *Port) stamp(h *omx.BufferHeader) {
	if p.IsOutput() {
		h.OutputPortIndex = p.index
	} else {
		h.InputPortIndex = p.index
	}
}

// AllocatePool allocates BufferCountActual headers of BufferSize bytes. On
// failure everything allocated so far is released and the port has no pool.
func (p *Port) AllocatePool(a Allocator) ([]*omx.BufferHeader, error) {
	if p.HasPool() {
		return nil, fmt.Errorf("%w: port %d already has a pool", omx.ErrIncorrectStateOperation, p.index)
	}
	size := p.def.BufferSize
	if r := size % p.opts.Alignment; r != 0 {
		size += p.opts.Alignment - r
	}
	hdrs := make([]*omx.BufferHeader, 0, p.def.BufferCountActual)
	for i := 0; i < p.def.BufferCountActual; i++ {
		buf, err := a.Alloc(size)
		if err != nil {
			for _, h := range hdrs {
				a.Free(h.Buffer)
			}
			return nil, fmt.Errorf("port %d buffer %d: %w", p.index, i, err)
		}
		h := omx.NewBufferHeader(buf)
		p.stamp(h)
		hdrs = append(hdrs, h)
	}
	for _, h := range hdrs {
		p.headers[h] = struct{}{}
		p.held = append(p.held, h)
	}
	p.owned = true
	return hdrs, nil
}

// Headers lists every header of the pool.
func (p *Port) Headers() []*omx.BufferHeader {
	out := make([]*omx.BufferHeader, 0, len(p.headers))
	for h := range p.headers {
		out = append(out, h)
	}
	return out
}

// Register adds a header allocated by the tunnel peer. Registered headers
// are not held until the peer hands them over.
func (p *Port) Register(h *omx.BufferHeader) {
	p.stamp(h)
	p.headers[h] = struct{}{}
}

// FreePool releases every owned buffer back to a and forgets the pool.
// Headers still out with the peer or the client are freed as well; the
// caller decides whether that is allowed.
func (p *Port) FreePool(a Allocator) []*omx.BufferHeader {
	var freed []*omx.BufferHeader
	for h := range p.headers {
		if p.owned {
			a.Free(h.Buffer)
		}
		freed = append(freed, h)
	}
	p.forget()
	return freed
}

// DropRegistrations forgets headers owned by the tunnel peer.
func (p *Port) DropRegistrations() {
	if !p.owned {
		p.forget()
	}
}

func (p *Port) forget() {
	p.headers = make(map[*omx.BufferHeader]struct{})
	p.claimed = make(map[*omx.BufferHeader]struct{})
	p.held = nil
	p.parked = nil
	p.owned = false
}

// Accept takes ownership of a header handed back by a peer or the client.
func (p *Port) Accept(h *omx.BufferHeader) error {
	if !p.Owns(h) {
		return fmt.Errorf("%w: header does not belong to port %d", omx.ErrInvalidHeader, p.index)
	}
	if _, ok := p.claimed[h]; ok {
		return fmt.Errorf("%w: header is claimed on port %d", omx.ErrInvalidHeader, p.index)
	}
	for _, x := range append(p.held, p.parked...) {
		if x == h {
			return fmt.Errorf("%w: header already home on port %d", omx.ErrInvalidHeader, p.index)
		}
	}
	h.PortIndex = -1
	p.held = append(p.held, h)
	return nil
}

// Ready reports whether Claim would return a header.
func (p *Port) Ready() bool {
	return p.enabled && !p.flushing && len(p.held) > 0
}

// Claim hands the oldest held header to the processor. It returns nil when
// the port is disabled, flushing or empty.
func (p *Port) Claim() *omx.BufferHeader {
	if !p.Ready() {
		return nil
	}
	h := p.held[0]
	p.held[0] = nil
	p.held = p.held[1:]
	p.claimed[h] = struct{}{}
	h.PortIndex = p.index
	return h
}

// Release takes a header back from the processor. Output headers get the
// next sequence number.
func (p *Port) Release(h *omx.BufferHeader) error {
	if h == nil {
		return fmt.Errorf("%w: nil header", omx.ErrBadParameter)
	}
	if _, ok := p.claimed[h]; !ok {
		return fmt.Errorf("%w: header not claimed from port %d", omx.ErrInvalidHeader, p.index)
	}
	if err := h.Check(); err != nil {
		return err
	}
	delete(p.claimed, h)
	if p.IsOutput() {
		p.seq++
		h.Sequence = p.seq
	}
	h.PortIndex = -1
	return nil
}

// TakeHeld removes and returns every held header.
func (p *Port) TakeHeld() []*omx.BufferHeader {
	out := p.held
	p.held = nil
	return out
}

// TakeClaimed force-releases every claimed header, without sequencing.
func (p *Port) TakeClaimed() []*omx.BufferHeader {
	out := make([]*omx.BufferHeader, 0, len(p.claimed))
	for h := range p.claimed {
		h.PortIndex = -1
		out = append(out, h)
	}
	p.claimed = make(map[*omx.BufferHeader]struct{})
	return out
}

// Park keeps a released header at home until the peer can take it.
func (p *Port) Park(h *omx.BufferHeader) {
	p.parked = append(p.parked, h)
}

// TakeParked removes and returns every parked header, oldest first.
func (p *Port) TakeParked() []*omx.BufferHeader {
	out := p.parked
	p.parked = nil
	return out
}

func (p *Port) ParkedCount() int { return len(p.parked) }

// Home reports whether every header of the pool is held or parked.
func (p *Port) Home() bool {
	return len(p.claimed) == 0 && len(p.held)+len(p.parked) == len(p.headers)
}

// Outstanding is the number of headers currently with the peer or client.
func (p *Port) Outstanding() int {
	return len(p.headers) - len(p.held) - len(p.parked) - len(p.claimed)
}

// ResetSequence restarts output sequence numbering.
func (p *Port) ResetSequence() { p.seq = 0 }
