package omx

import "fmt"

// Direction of a port relative to its component.
type Direction int

const (
	DirInput Direction = iota
	DirOutput
)

func (d Direction) String() string {
	if d == DirInput {
		return "input"
	}
	return "output"
}

// Domain is the kind of data a port carries.
type Domain int

const (
	DomainAudio Domain = iota
	DomainVideo
	DomainImage
	DomainOther
)

func (d Domain) String() string {
	switch d {
	case DomainAudio:
		return "audio"
	case DomainVideo:
		return "video"
	case DomainImage:
		return "image"
	case DomainOther:
		return "other"
	}
	return fmt.Sprintf("Domain(%d)", int(d))
}

// ParseDomain accepts the names printed by Domain.String.
func ParseDomain(s string) (Domain, error) {
	for _, d := range []Domain{DomainAudio, DomainVideo, DomainImage, DomainOther} {
		if d.String() == s {
			return d, nil
		}
	}
	return DomainOther, fmt.Errorf("%w: unknown domain %q", ErrBadParameter, s)
}

// Supplier names the side of a tunnel that owns the buffer memory.
type Supplier int

const (
	SupplierUnspecified Supplier = iota
	SupplierInput
	SupplierOutput
)

func (s Supplier) String() string {
	switch s {
	case SupplierInput:
		return "input"
	case SupplierOutput:
		return "output"
	}
	return "unspecified"
}

// ParseSupplier accepts the names printed by Supplier.String; the empty
// string is SupplierUnspecified.
func ParseSupplier(s string) (Supplier, error) {
	switch s {
	case "", "unspecified":
		return SupplierUnspecified, nil
	case "input":
		return SupplierInput, nil
	case "output":
		return SupplierOutput, nil
	}
	return SupplierUnspecified, fmt.Errorf("%w: unknown supplier %q", ErrBadParameter, s)
}

// PortMask is a bit set of port indices, used by Select.
type PortMask uint32

// MaskOf builds a mask from port indices.
func MaskOf(pids ...int) PortMask {
	var m PortMask
	for _, p := range pids {
		m |= 1 << uint(p)
	}
	return m
}

// Has reports whether pid is in the mask.
func (m PortMask) Has(pid int) bool {
	return pid >= 0 && pid < 32 && m&(1<<uint(pid)) != 0
}
