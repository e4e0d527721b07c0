package omx

import (
	"fmt"
	"time"
)

// Index identifies a parameter structure.
type Index int

const (
	IndexPortDefinition Index = iota + 1
	IndexBufferSupplier
	IndexContentURI
	IndexAudioPCM
	IndexAudioOpus
	IndexComponentRole
)

func (i Index) String() string {
	switch i {
	case IndexPortDefinition:
		return "PortDefinition"
	case IndexBufferSupplier:
		return "BufferSupplier"
	case IndexContentURI:
		return "ContentURI"
	case IndexAudioPCM:
		return "AudioPCM"
	case IndexAudioOpus:
		return "AudioOpus"
	case IndexComponentRole:
		return "ComponentRole"
	}
	return fmt.Sprintf("Index(%d)", int(i))
}

// Param is a parameter structure that can travel through Get/SetParameter.
type Param interface {
	Index() Index
}

// PortParam is a parameter scoped to one port.
type PortParam interface {
	Param
	PortIndex() int
}

// PortDefinition describes a port's buffer requirements. Enabled and
// Populated are read-only.
type PortDefinition struct {
	Port              int
	Dir               Direction
	Domain            Domain
	Enabled           bool
	Populated         bool
	BufferCountActual int
	BufferCountMin    int
	BufferSize        int
	BufferAlignment   int
	Contiguous        bool
	MIMEType          string
}

func (PortDefinition) Index() Index     { return IndexPortDefinition }
func (p PortDefinition) PortIndex() int { return p.Port }

// BufferSupplier expresses the supplier preference of one port.
type BufferSupplier struct {
	Port     int
	Supplier Supplier
}

func (BufferSupplier) Index() Index     { return IndexBufferSupplier }
func (p BufferSupplier) PortIndex() int { return p.Port }

// ContentURI is the location read or written by source and sink roles.
type ContentURI struct {
	URI string
}

func (ContentURI) Index() Index { return IndexContentURI }

// PCMEncoding of an audio port.
type PCMEncoding int

const (
	PCMLinear PCMEncoding = iota
	PCMMuLaw
	PCMALaw
)

func (e PCMEncoding) String() string {
	switch e {
	case PCMMuLaw:
		return "mulaw"
	case PCMALaw:
		return "alaw"
	}
	return "linear"
}

// ParsePCMEncoding accepts the names printed by PCMEncoding.String.
func ParsePCMEncoding(s string) (PCMEncoding, error) {
	switch s {
	case "", "linear":
		return PCMLinear, nil
	case "mulaw":
		return PCMMuLaw, nil
	case "alaw":
		return PCMALaw, nil
	}
	return PCMLinear, fmt.Errorf("%w: unknown pcm encoding %q", ErrBadParameter, s)
}

// AudioPCM describes interleaved PCM on a port.
type AudioPCM struct {
	Port          int
	Encoding      PCMEncoding
	Channels      int
	SampleRate    int
	BitsPerSample int
}

func (AudioPCM) Index() Index     { return IndexAudioPCM }
func (p AudioPCM) PortIndex() int { return p.Port }

// BytesPerSecond of the stream described by p.
func (p AudioPCM) BytesPerSecond() int {
	return p.SampleRate * p.Channels * p.BitsPerSample / 8
}

// DefaultAudioPCM is 16 bit mono at 16 kHz.
func DefaultAudioPCM(port int) AudioPCM {
	return AudioPCM{Port: port, Encoding: PCMLinear, Channels: 1, SampleRate: 16000, BitsPerSample: 16}
}

// AudioOpus configures an Opus encoder port.
type AudioOpus struct {
	Port       int
	Channels   int
	SampleRate int
	Bitrate    int
	Complexity int
	FrameSize  time.Duration
}

func (AudioOpus) Index() Index     { return IndexAudioOpus }
func (p AudioOpus) PortIndex() int { return p.Port }

// ComponentRole is the role a component was instantiated with.
type ComponentRole struct {
	Role string
}

func (ComponentRole) Index() Index { return IndexComponentRole }
