// Package g711dec provides the G.711 decoder role. Input port 0 takes
// mu-law or A-law bytes as announced by its AudioPCM parameter; output
// port 1 carries 16 bit linear PCM at the same rate and channel count.
package g711dec

import (
	"fmt"
	"time"

	"github.com/realtime-ai/omxil/pkg/audio"
	"github.com/realtime-ai/omxil/pkg/component"
	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/port"
)

const (
	ComponentName = "OMX.omxil.audio_decoder.g711"
	Role          = "audio_decoder.g711"

	InputPort  = 0
	OutputPort = 1
)

func Factory() component.Factory {
	return component.Factory{Name: ComponentName, Roles: []component.Role{{
		Name: Role,
		Ports: []port.Options{
			{Domain: omx.DomainAudio, Dir: omx.DirInput, MinBufCount: 2, MinBufSize: 1024, MIMEType: omx.MIMEMuLaw},
			{Domain: omx.DomainAudio, Dir: omx.DirOutput, MinBufCount: 2, MinBufSize: 2048, MIMEType: omx.MIMEPCM},
		},
		NewProcessor: func() component.Processor { return &decoder{} },
	}}}
}

type decoder struct {
	component.BaseProcessor

	decode   func(byte) int16
	rate     int
	channels int

	in, out *omx.BufferHeader
	// frames decoded in this stream, for timestamps.
	frames int64
}

func (d *decoder) Params() []omx.Param {
	return []omx.Param{
		omx.AudioPCM{Port: InputPort, Encoding: omx.PCMMuLaw, Channels: 1, SampleRate: 8000, BitsPerSample: 8},
		omx.AudioPCM{Port: OutputPort, Encoding: omx.PCMLinear, Channels: 1, SampleRate: 8000, BitsPerSample: 16},
	}
}

// AllocateResources picks the expansion for the input encoding and
// announces the matching output format.
func (d *decoder) AllocateResources(k component.Kernel) error {
	in, err := component.KernelParam[omx.AudioPCM](k, InputPort)
	if err != nil {
		return err
	}
	switch in.Encoding {
	case omx.PCMMuLaw:
		d.decode = audio.MuLawDecode
	case omx.PCMALaw:
		d.decode = audio.ALawDecode
	default:
		return fmt.Errorf("%w: g711 input cannot be %s", omx.ErrBadParameter, in.Encoding)
	}
	if in.Channels < 1 || in.SampleRate < 1 {
		return fmt.Errorf("%w: %d channels at %d Hz", omx.ErrBadParameter, in.Channels, in.SampleRate)
	}
	d.rate, d.channels = in.SampleRate, in.Channels

	want := omx.AudioPCM{Port: OutputPort, Encoding: omx.PCMLinear, Channels: in.Channels, SampleRate: in.SampleRate, BitsPerSample: 16}
	cur, err := component.KernelParam[omx.AudioPCM](k, OutputPort)
	if err != nil {
		return err
	}
	if cur == want {
		return nil
	}
	if err := k.SetParam(want); err != nil {
		return err
	}
	k.Logger().WithField("encoding", in.Encoding).WithField("rate", in.SampleRate).Debug("output format changed")
	return k.PortSettingsChanged(OutputPort, omx.IndexAudioPCM)
}

func (d *decoder) TransferAndProcess(component.Kernel) error {
	d.frames = 0
	return nil
}

func (d *decoder) StopAndReturn(component.Kernel) error {
	d.in, d.out = nil, nil
	return nil
}

func (d *decoder) PortFlush(_ component.Kernel, pid int) error {
	d.forget(pid)
	return nil
}

func (d *decoder) PortDisable(_ component.Kernel, pid int) error {
	d.forget(pid)
	return nil
}

func (d *decoder) forget(pid int) {
	switch pid {
	case InputPort:
		d.in = nil
	case OutputPort:
		d.out = nil
	default:
		d.in, d.out = nil, nil
	}
}

func (d *decoder) BuffersReady(k component.Kernel) error {
	ready := k.Select(omx.MaskOf(InputPort, OutputPort))
	if (d.in == nil && !ready.Has(InputPort)) || (d.out == nil && !ready.Has(OutputPort)) {
		return nil
	}
	var err error
	if d.in == nil {
		if d.in, err = k.Claim(InputPort); err != nil {
			return err
		}
	}
	if d.out == nil {
		if d.out, err = k.Claim(OutputPort); err != nil {
			return err
		}
		d.out.Timestamp = time.Duration(d.frames) * time.Second / time.Duration(d.rate)
	}

	in, out := d.in, d.out
	n := audio.DecodeG711(out.Free(), in.Data(), d.decode)
	consumed := n / 2
	in.Offset += consumed
	in.FilledLen -= consumed
	out.FilledLen += n
	out.Flags |= in.Flags &^ omx.FlagEOS
	d.frames += int64(consumed / d.channels)

	if in.FilledLen > 0 && len(out.Free()) >= 2 {
		return nil
	}
	eos := in.FilledLen == 0 && in.EOS()
	if in.FilledLen == 0 {
		d.in = nil
		if err := k.Release(InputPort, in); err != nil {
			return err
		}
	}
	if eos {
		out.Flags |= omx.FlagEOS
	}
	d.out = nil
	return k.Release(OutputPort, out)
}
