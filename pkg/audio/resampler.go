package audio

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"
)

// Resampler converts interleaved 16 bit PCM between sample rates and
// between mono and stereo. Matching formats pass through untouched and
// never touch ffmpeg.
type Resampler struct {
	inRate, outRate         int
	inChannels, outChannels int

	ctx       *astiav.SoftwareResampleContext
	inFrame   *astiav.Frame
	outFrame  *astiav.Frame
	inLayout  astiav.ChannelLayout
	outLayout astiav.ChannelLayout
}

func channelLayout(channels int) (astiav.ChannelLayout, error) {
	switch channels {
	case 1:
		return astiav.ChannelLayoutMono, nil
	case 2:
		return astiav.ChannelLayoutStereo, nil
	}
	return astiav.ChannelLayout{}, fmt.Errorf("unsupported channel count %d", channels)
}

// NewResampler prepares a conversion from inRate/inChannels to
// outRate/outChannels.
func NewResampler(inRate, inChannels, outRate, outChannels int) (*Resampler, error) {
	if inRate <= 0 {
		return nil, fmt.Errorf("invalid input sample rate: %d", inRate)
	}
	if outRate <= 0 {
		return nil, fmt.Errorf("invalid output sample rate: %d", outRate)
	}
	inLayout, err := channelLayout(inChannels)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	outLayout, err := channelLayout(outChannels)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}

	r := &Resampler{
		inRate:      inRate,
		outRate:     outRate,
		inChannels:  inChannels,
		outChannels: outChannels,
		inLayout:    inLayout,
		outLayout:   outLayout,
	}
	if r.Passthrough() {
		return r, nil
	}

	if r.ctx = astiav.AllocSoftwareResampleContext(); r.ctx == nil {
		return nil, errors.New("failed to allocate resample context")
	}
	if r.inFrame = astiav.AllocFrame(); r.inFrame == nil {
		r.Free()
		return nil, errors.New("failed to allocate input frame")
	}
	if r.outFrame = astiav.AllocFrame(); r.outFrame == nil {
		r.Free()
		return nil, errors.New("failed to allocate output frame")
	}
	return r, nil
}

// Passthrough reports whether Resample returns its input unchanged.
func (r *Resampler) Passthrough() bool {
	return r.inRate == r.outRate && r.inChannels == r.outChannels
}

// InputFrameSize is the size in bytes of one input sample frame.
func (r *Resampler) InputFrameSize() int { return r.inChannels * BytesPerSample }

// OutputSize estimates the converted size of n input bytes.
func (r *Resampler) OutputSize(n int) int {
	frames := n / r.InputFrameSize()
	return frames * r.outRate / r.inRate * r.outChannels * BytesPerSample
}

// Free releases the ffmpeg objects. The resampler is unusable afterwards.
func (r *Resampler) Free() {
	if r.ctx != nil {
		r.ctx.Free()
		r.ctx = nil
	}
	if r.inFrame != nil {
		r.inFrame.Free()
		r.inFrame = nil
	}
	if r.outFrame != nil {
		r.outFrame.Free()
		r.outFrame = nil
	}
}

// Resample converts whole sample frames of in. Trailing bytes that do not
// make up a frame are ignored. The returned slice is only valid until the
// next call.
func (r *Resampler) Resample(in []byte) ([]byte, error) {
	const align = 0

	frames := len(in) / r.InputFrameSize()
	if frames == 0 {
		return nil, nil
	}
	if r.Passthrough() {
		return in[:frames*r.InputFrameSize()], nil
	}
	if r.ctx == nil {
		return nil, errors.New("resampler freed")
	}

	r.inFrame.Unref()
	r.outFrame.Unref()

	r.inFrame.SetChannelLayout(r.inLayout)
	r.inFrame.SetSampleFormat(astiav.SampleFormatS16)
	r.inFrame.SetSampleRate(r.inRate)
	r.inFrame.SetNbSamples(frames)

	r.outFrame.SetChannelLayout(r.outLayout)
	r.outFrame.SetSampleFormat(astiav.SampleFormatS16)
	r.outFrame.SetSampleRate(r.outRate)
	r.outFrame.SetNbSamples(max(frames*r.outRate/r.inRate, 1))

	if err := r.inFrame.AllocBuffer(align); err != nil {
		return nil, fmt.Errorf("allocating input buffer: %w", err)
	}
	if err := r.outFrame.AllocBuffer(align); err != nil {
		return nil, fmt.Errorf("allocating output buffer: %w", err)
	}
	if err := r.inFrame.MakeWritable(); err != nil {
		return nil, fmt.Errorf("making input frame writable: %w", err)
	}

	// ffmpeg may pad the plane beyond the payload.
	size, err := r.inFrame.SamplesBufferSize(align)
	if err != nil {
		return nil, fmt.Errorf("getting input buffer size: %w", err)
	}
	buf := in
	if len(buf) < size {
		buf = make([]byte, size)
		copy(buf, in)
	}
	if err := r.inFrame.Data().SetBytes(buf[:size], align); err != nil {
		return nil, fmt.Errorf("setting input data: %w", err)
	}

	if err := r.ctx.ConvertFrame(r.inFrame, r.outFrame); err != nil {
		return nil, fmt.Errorf("resampling: %w", err)
	}
	out, err := r.outFrame.Data().Bytes(align)
	if err != nil {
		return nil, fmt.Errorf("getting output data: %w", err)
	}
	return out, nil
}
