// Package pcmrenderer provides the PCM renderer role: a sink that plays
// linear PCM on an audio device. Incoming buffers are resampled to the
// device rate when needed and queued in a pacer the device drains at its
// own pace. A full pacer holds back further input. The buffer flagged EOS
// is only returned once the device has played everything before it.
package pcmrenderer

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/realtime-ai/omxil/pkg/audio"
	"github.com/realtime-ai/omxil/pkg/component"
	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/port"
	"github.com/realtime-ai/omxil/pkg/reactor"
	"github.com/realtime-ai/omxil/pkg/rm"
)

const (
	ComponentName = "OMX.omxil.audio_renderer.pcm"
	Role          = "audio_renderer.pcm"

	// DeviceResource is the resource manager entry a renderer holds from
	// Idle on. Give it capacity 1 to serialize playback.
	DeviceResource = "audio_device"
)

type Options struct {
	// DeviceRate is the rate the device runs at; 0 plays at the stream
	// rate.
	DeviceRate int
	Period     time.Duration
	Capacity   time.Duration
	Prebuffer  time.Duration
	Open       DeviceOpener
}

func DefaultOptions() Options {
	return Options{
		DeviceRate: 48000,
		Period:     20 * time.Millisecond,
		Capacity:   500 * time.Millisecond,
		Prebuffer:  100 * time.Millisecond,
		Open:       OpenMalgo,
	}
}

func Factory(opts Options) component.Factory {
	def := DefaultOptions()
	if opts.Period <= 0 {
		opts.Period = def.Period
	}
	if opts.Open == nil {
		opts.Open = def.Open
	}
	return component.Factory{Name: ComponentName, Roles: []component.Role{{
		Name: Role,
		Ports: []port.Options{
			{Domain: omx.DomainAudio, Dir: omx.DirInput, MinBufCount: 2, MinBufSize: 4096, MIMEType: omx.MIMEPCM},
		},
		Resources:    []rm.Request{{Resource: DeviceResource, Amount: 1}},
		NewProcessor: func() component.Processor { return &renderer{opts: opts} },
	}}}
}

type renderer struct {
	component.BaseProcessor
	opts Options

	dev       Device
	pacer     *audio.Pacer
	resampler *audio.Resampler
	drain     *reactor.TimerWatcher

	// pending is converted audio the pacer had no room for.
	pending []byte
	// eos is the flagged header, held until playback drains.
	eos *omx.BufferHeader
}

func (r *renderer) Params() []omx.Param {
	return []omx.Param{omx.DefaultAudioPCM(0)}
}

// PrepareToTransfer opens the device for the current stream format. The
// format may have been announced by the tunnel peer after Loaded.
func (r *renderer) PrepareToTransfer(k component.Kernel) error {
	pcm, err := component.KernelParam[omx.AudioPCM](k, 0)
	if err != nil {
		return err
	}
	if pcm.Encoding != omx.PCMLinear || pcm.BitsPerSample != 16 {
		return fmt.Errorf("%w: renderer plays 16 bit linear pcm, got %s/%d", omx.ErrBadParameter, pcm.Encoding, pcm.BitsPerSample)
	}
	rate := r.opts.DeviceRate
	if rate <= 0 {
		rate = pcm.SampleRate
	}
	if r.resampler, err = audio.NewResampler(pcm.SampleRate, pcm.Channels, rate, pcm.Channels); err != nil {
		return fmt.Errorf("%w: %v", omx.ErrBadParameter, err)
	}

	pacer := audio.NewPacer(audio.PacerConfig{
		SampleRate: rate,
		Channels:   pcm.Channels,
		Capacity:   r.opts.Capacity,
		Prebuffer:  r.opts.Prebuffer,
	}, k.Logger())
	dev, err := r.opts.Open(DeviceConfig{
		SampleRate: rate,
		Channels:   pcm.Channels,
		Period:     r.opts.Period,
		Fill:       pacer.ReadInto,
	})
	if err != nil {
		r.closeStream()
		return fmt.Errorf("%w: %v", omx.ErrInsufficientResources, err)
	}
	r.pacer, r.dev = pacer, dev

	if r.drain == nil {
		r.drain = k.NewTimerWatcher(r.opts.Period, r.opts.Period)
	}
	k.Logger().WithFields(logrus.Fields{
		"stream_rate": pcm.SampleRate,
		"device_rate": rate,
		"channels":    pcm.Channels,
	}).Debug("playback device open")
	return nil
}

func (r *renderer) TransferAndProcess(component.Kernel) error {
	if err := r.dev.Start(); err != nil {
		return fmt.Errorf("%w: start device: %v", omx.ErrInsufficientResources, err)
	}
	r.drain.Start()
	return nil
}

func (r *renderer) StopAndReturn(k component.Kernel) error {
	if r.dev != nil {
		if err := r.dev.Stop(); err != nil {
			k.Logger().WithError(err).Warn("stop device")
		}
	}
	r.closeStream()
	return nil
}

func (r *renderer) closeStream() {
	if r.dev != nil {
		r.dev.Close()
		r.dev = nil
	}
	if r.resampler != nil {
		r.resampler.Free()
		r.resampler = nil
	}
	r.pacer = nil
	r.pending = r.pending[:0]
	r.eos = nil
}

func (r *renderer) Pause(component.Kernel) error {
	r.pacer.Pause()
	return nil
}

func (r *renderer) Resume(component.Kernel) error {
	r.pacer.Resume()
	return nil
}

func (r *renderer) PortFlush(component.Kernel, int) error {
	if r.pacer != nil {
		r.pacer.Clear()
	}
	r.pending = r.pending[:0]
	r.eos = nil
	return nil
}

func (r *renderer) PortDisable(k component.Kernel, pid int) error {
	return r.PortFlush(k, pid)
}

// flush moves pending audio into the pacer and reports whether all of it
// fit.
func (r *renderer) flush() bool {
	if len(r.pending) > 0 {
		n := r.pacer.Write(r.pending)
		r.pending = r.pending[:copy(r.pending, r.pending[n:])]
	}
	return len(r.pending) == 0
}

func (r *renderer) BuffersReady(k component.Kernel) error {
	if r.eos != nil || !r.flush() {
		return nil
	}
	h, err := k.Claim(0)
	if err != nil || h == nil {
		return err
	}
	data, err := r.resampler.Resample(h.Data())
	if err != nil {
		k.Release(0, h)
		return fmt.Errorf("%w: %v", omx.ErrContentError, err)
	}
	r.pending = append(r.pending, data...)
	r.flush()

	if h.EOS() {
		r.eos = h
		return r.checkDrained(k)
	}
	return k.Release(0, h)
}

// TimerReady runs every period while executing: it tops up the pacer and
// finishes the stream once the device has drained it.
func (r *renderer) TimerReady(k component.Kernel, _ reactor.TimerEvent) error {
	r.flush()
	if r.eos == nil {
		return nil
	}
	return r.checkDrained(k)
}

func (r *renderer) checkDrained(k component.Kernel) error {
	if len(r.pending) > 0 {
		return nil
	}
	r.pacer.EndOfStream()
	if !r.pacer.Drained() {
		return nil
	}
	h := r.eos
	r.eos = nil
	k.Logger().WithField("underruns", r.pacer.Underruns()).Debug("playback drained")
	return k.Release(0, h)
}
