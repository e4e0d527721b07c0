// Package opusenc provides the Opus encoder role. Linear PCM arrives on
// port 0, is cut into frames of the configured duration and leaves port 1
// as one Opus packet per buffer. PCM in another rate or channel layout is
// resampled first. The tail of a stream is padded with silence to a full
// frame.
package opusenc

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hraban/opus"
	"github.com/sirupsen/logrus"

	"github.com/realtime-ai/omxil/pkg/audio"
	"github.com/realtime-ai/omxil/pkg/component"
	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/port"
)

const (
	ComponentName = "OMX.omxil.audio_encoder.opus"
	Role          = "audio_encoder.opus"

	InputPort  = 0
	OutputPort = 1

	// maxPacket is the largest packet libopus recommends to reserve room for.
	maxPacket = 4000
)

// Encoder turns one frame of interleaved samples into a packet.
type Encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// NewEncoderFunc builds an Encoder for a configuration.
type NewEncoderFunc func(cfg omx.AudioOpus) (Encoder, error)

// NewOpusEncoder is the libopus backed encoder.
func NewOpusEncoder(cfg omx.AudioOpus) (Encoder, error) {
	enc, err := opus.NewEncoder(cfg.SampleRate, cfg.Channels, opus.AppAudio)
	if err != nil {
		return nil, err
	}
	if cfg.Bitrate > 0 {
		if err := enc.SetBitrate(cfg.Bitrate); err != nil {
			return nil, fmt.Errorf("bitrate %d: %w", cfg.Bitrate, err)
		}
	}
	if err := enc.SetComplexity(cfg.Complexity); err != nil {
		return nil, fmt.Errorf("complexity %d: %w", cfg.Complexity, err)
	}
	return enc, nil
}

// Options select the encoder implementation.
type Options struct {
	NewEncoder NewEncoderFunc
}

func DefaultOptions() Options {
	return Options{NewEncoder: NewOpusEncoder}
}

func Factory(opts Options) component.Factory {
	if opts.NewEncoder == nil {
		opts.NewEncoder = NewOpusEncoder
	}
	return component.Factory{Name: ComponentName, Roles: []component.Role{{
		Name: Role,
		Ports: []port.Options{
			{Domain: omx.DomainAudio, Dir: omx.DirInput, MinBufCount: 2, MinBufSize: 3840, MIMEType: omx.MIMEPCM},
			{Domain: omx.DomainAudio, Dir: omx.DirOutput, MinBufCount: 4, MinBufSize: maxPacket, MIMEType: omx.MIMEOpus},
		},
		NewProcessor: func() component.Processor { return &encoder{newEncoder: opts.NewEncoder} },
	}}}
}

// DefaultAudioOpus is 48 kHz mono, 32 kbit/s, 20ms frames.
func DefaultAudioOpus() omx.AudioOpus {
	return omx.AudioOpus{
		Port:       OutputPort,
		Channels:   1,
		SampleRate: 48000,
		Bitrate:    32000,
		Complexity: 10,
		FrameSize:  20 * time.Millisecond,
	}
}

var validRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// validFrame reports whether d is one of the Opus frame durations.
func validFrame(d time.Duration) bool {
	switch d {
	case 2500 * time.Microsecond, 5 * time.Millisecond, 10 * time.Millisecond,
		20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond:
		return true
	}
	return false
}

type encoder struct {
	component.BaseProcessor
	newEncoder NewEncoderFunc

	cfg        omx.AudioOpus
	enc        Encoder
	resampler  *audio.Resampler
	frameBytes int
	pcm        []int16

	acc     []byte
	eos     bool
	eosSent bool
	packets int64
}

func (e *encoder) Params() []omx.Param {
	return []omx.Param{
		omx.AudioPCM{Port: InputPort, Encoding: omx.PCMLinear, Channels: 1, SampleRate: 48000, BitsPerSample: 16},
		DefaultAudioOpus(),
	}
}

func (e *encoder) AllocateResources(k component.Kernel) error {
	in, err := component.KernelParam[omx.AudioPCM](k, InputPort)
	if err != nil {
		return err
	}
	cfg, err := component.KernelParam[omx.AudioOpus](k, OutputPort)
	if err != nil {
		return err
	}
	if in.Encoding != omx.PCMLinear || in.BitsPerSample != 16 {
		return fmt.Errorf("%w: opus input must be 16 bit linear, got %s/%d", omx.ErrBadParameter, in.Encoding, in.BitsPerSample)
	}
	if !validRates[cfg.SampleRate] || cfg.Channels < 1 || cfg.Channels > 2 {
		return fmt.Errorf("%w: opus cannot run %d channels at %d Hz", omx.ErrBadParameter, cfg.Channels, cfg.SampleRate)
	}
	if !validFrame(cfg.FrameSize) {
		return fmt.Errorf("%w: opus frame size %s", omx.ErrBadParameter, cfg.FrameSize)
	}

	if e.enc, err = e.newEncoder(cfg); err != nil {
		return fmt.Errorf("%w: opus encoder: %v", omx.ErrInsufficientResources, err)
	}
	if e.resampler, err = audio.NewResampler(in.SampleRate, in.Channels, cfg.SampleRate, cfg.Channels); err != nil {
		return fmt.Errorf("%w: %v", omx.ErrBadParameter, err)
	}
	e.cfg = cfg
	samples := int(int64(cfg.SampleRate) * int64(cfg.FrameSize) / int64(time.Second))
	e.frameBytes = samples * cfg.Channels * audio.BytesPerSample
	e.pcm = make([]int16, samples*cfg.Channels)
	k.Logger().WithFields(logrus.Fields{
		"rate":      cfg.SampleRate,
		"channels":  cfg.Channels,
		"bitrate":   cfg.Bitrate,
		"frame":     cfg.FrameSize,
		"resampled": !e.resampler.Passthrough(),
	}).Debug("opus encoder ready")
	return nil
}

func (e *encoder) DeallocateResources(component.Kernel) error {
	if e.resampler != nil {
		e.resampler.Free()
		e.resampler = nil
	}
	e.enc = nil
	return nil
}

func (e *encoder) TransferAndProcess(component.Kernel) error {
	e.resetStream()
	return nil
}

func (e *encoder) resetStream() {
	e.acc = e.acc[:0]
	e.eos = false
	e.eosSent = false
	e.packets = 0
}

func (e *encoder) StopAndReturn(component.Kernel) error {
	e.resetStream()
	return nil
}

// PortFlush drops buffered input. Headers are never held across calls.
func (e *encoder) PortFlush(_ component.Kernel, pid int) error {
	if pid != OutputPort {
		e.resetStream()
	}
	return nil
}

func (e *encoder) PortDisable(k component.Kernel, pid int) error {
	return e.PortFlush(k, pid)
}

func (e *encoder) BuffersReady(k component.Kernel) error {
	if e.eosSent {
		return nil
	}
	if len(e.acc) >= e.frameBytes || e.eos {
		if k.Select(omx.MaskOf(OutputPort)).Has(OutputPort) {
			return e.emit(k)
		}
		if e.eos || len(e.acc) >= 2*e.frameBytes {
			return nil
		}
	}
	return e.consume(k)
}

// consume appends one input buffer to the frame accumulator.
func (e *encoder) consume(k component.Kernel) error {
	h, err := k.Claim(InputPort)
	if err != nil || h == nil {
		return err
	}
	data, err := e.resampler.Resample(h.Data())
	if err != nil {
		k.Release(InputPort, h)
		return fmt.Errorf("%w: %v", omx.ErrContentError, err)
	}
	e.acc = append(e.acc, data...)
	if h.EOS() {
		e.eos = true
	}
	return k.Release(InputPort, h)
}

// emit encodes the oldest frame, padding a short tail with silence. At the
// end of a stream with nothing left an empty EOS buffer is sent.
func (e *encoder) emit(k component.Kernel) error {
	out, err := k.Claim(OutputPort)
	if err != nil || out == nil {
		return err
	}
	out.Timestamp = time.Duration(e.packets) * e.cfg.FrameSize

	if n := min(len(e.acc), e.frameBytes); n > 0 {
		clear(e.pcm)
		for i := 0; i < n/2; i++ {
			e.pcm[i] = int16(binary.LittleEndian.Uint16(e.acc[i*2:]))
		}
		e.acc = e.acc[:copy(e.acc, e.acc[n:])]

		size, err := e.enc.Encode(e.pcm, out.Free())
		if err != nil {
			k.Release(OutputPort, out)
			return fmt.Errorf("%w: opus encode: %v", omx.ErrContentError, err)
		}
		out.FilledLen += size
		e.packets++
	}
	if e.eos && len(e.acc) == 0 {
		out.Flags |= omx.FlagEOS
		e.eosSent = true
	}
	return k.Release(OutputPort, out)
}
