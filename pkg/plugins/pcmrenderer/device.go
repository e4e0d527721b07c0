package pcmrenderer

import (
	"fmt"
	"time"

	"github.com/gen2brain/malgo"
)

// Device plays interleaved 16 bit PCM it pulls through DeviceConfig.Fill.
type Device interface {
	Start() error
	Stop() error
	Close()
}

type DeviceConfig struct {
	SampleRate int
	Channels   int
	Period     time.Duration
	// Fill is called on the device thread and must fill out completely. It
	// returns how many bytes were audio rather than padding.
	Fill func(out []byte) int
}

// DeviceOpener opens a playback device.
type DeviceOpener func(cfg DeviceConfig) (Device, error)

type malgoDevice struct {
	ctx *malgo.AllocatedContext
	dev *malgo.Device
}

// OpenMalgo opens the default playback device through miniaudio.
func OpenMalgo(cfg DeviceConfig) (Device, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio context: %w", err)
	}

	dc := malgo.DefaultDeviceConfig(malgo.Playback)
	dc.PeriodSizeInMilliseconds = uint32(cfg.Period / time.Millisecond)
	dc.Playback.Format = malgo.FormatS16
	dc.Playback.Channels = uint32(cfg.Channels)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.Alsa.NoMMap = 1

	fill := cfg.Fill
	dev, err := malgo.InitDevice(ctx.Context, dc, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) { fill(out) },
	})
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("playback device: %w", err)
	}
	return &malgoDevice{ctx: ctx, dev: dev}, nil
}

func (d *malgoDevice) Start() error { return d.dev.Start() }
func (d *malgoDevice) Stop() error  { return d.dev.Stop() }

func (d *malgoDevice) Close() {
	d.dev.Uninit()
	d.ctx.Uninit()
	d.ctx.Free()
}
