package audio

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultSampleRate = 48000
	// BytesPerSample of 16 bit PCM.
	BytesPerSample = 2
	// FrameDuration is the unit ReadFrame hands out.
	FrameDuration = 20 * time.Millisecond
)

// PacerConfig sizes a Pacer.
type PacerConfig struct {
	SampleRate int
	Channels   int
	// Capacity bounds the queued audio; Write takes only what fits.
	Capacity time.Duration
	// Prebuffer is the audio queued before playback starts or restarts
	// after Clear.
	Prebuffer time.Duration
}

// DefaultPacerConfig is 48 kHz mono with 500ms of room and 100ms of
// prebuffer.
func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		SampleRate: DefaultSampleRate,
		Channels:   1,
		Capacity:   500 * time.Millisecond,
		Prebuffer:  100 * time.Millisecond,
	}
}

// Pacer sits between a producer that delivers PCM in bursts and a device
// callback that pulls fixed periods. The device side always gets a full
// period, padded with silence while the pacer prebuffers, is paused or
// runs dry.
type Pacer struct {
	ring *Ring
	log  *logrus.Entry

	mu           sync.Mutex
	accumulating bool
	paused       bool
	ended        bool
	underruns    int

	sampleRate     int
	channels       int
	bytesPerFrame  int
	prebufferBytes int
}

// NewPacer returns a pacer that starts out prebuffering.
func NewPacer(cfg PacerConfig, log *logrus.Entry) *Pacer {
	def := DefaultPacerConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.Prebuffer < 0 {
		cfg.Prebuffer = 0
	}
	if cfg.Prebuffer > cfg.Capacity {
		cfg.Prebuffer = cfg.Capacity
	}
	if log == nil {
		log = logrus.WithField("module", "pacer")
	}

	p := &Pacer{
		ring:         NewRingFor(cfg.SampleRate, cfg.Channels, int(cfg.Capacity/time.Millisecond)),
		log:          log,
		accumulating: true,
		sampleRate:   cfg.SampleRate,
		channels:     cfg.Channels,
	}
	p.bytesPerFrame = p.bytesFor(FrameDuration)
	p.prebufferBytes = p.bytesFor(cfg.Prebuffer)
	return p
}

func (p *Pacer) bytesFor(d time.Duration) int {
	return int(int64(p.sampleRate)*int64(d)/int64(time.Second)) * p.channels * BytesPerSample
}

// Write queues as much of data as fits and returns the bytes taken. A short
// count is backpressure: the caller keeps the rest and retries later.
func (p *Pacer) Write(data []byte) int {
	return p.ring.Write(data)
}

// ReadInto fills dst with queued audio and pads it with silence. It returns
// the number of audio bytes copied.
func (p *Pacer) ReadInto(dst []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	if !p.paused {
		if p.accumulating && (p.ended || p.ring.Len() >= p.prebufferBytes) {
			p.accumulating = false
			p.log.WithField("buffered", p.ring.Len()).Debug("prebuffer complete, starting playback")
		}
		if !p.accumulating {
			n = p.ring.Read(dst)
			if n < len(dst) && !p.ended {
				p.underruns++
			}
		}
	}
	clear(dst[n:])
	return n
}

// ReadFrame returns one FrameDuration of audio or silence.
func (p *Pacer) ReadFrame() []byte {
	frame := make([]byte, p.bytesPerFrame)
	p.ReadInto(frame)
	return frame
}

// EndOfStream marks the queued data as the tail of the stream. Playback
// starts even if the prebuffer is not full.
func (p *Pacer) EndOfStream() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = true
}

// Drained reports whether the stream ended and everything was played.
func (p *Pacer) Drained() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended && p.ring.Len() == 0
}

// Clear drops queued audio and starts prebuffering a new stream.
func (p *Pacer) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.WithField("dropped", p.ring.Len()).Debug("clear pacer")
	p.reset()
}

func (p *Pacer) reset() {
	p.ring.Clear()
	p.accumulating = true
	p.paused = false
	p.ended = false
}

// ClearWithFadeOut keeps the next fade of queued audio, ramps it down to
// silence and drops the rest. The pacer then behaves as after Clear.
func (p *Pacer) ClearWithFadeOut(fade time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	head := p.ring.Peek()
	p.reset()
	fadeBytes := min(p.bytesFor(fade), len(head))
	fadeBytes -= fadeBytes % BytesPerSample
	if fadeBytes == 0 {
		return
	}

	head = head[:fadeBytes]
	samples := fadeBytes / BytesPerSample
	for i := 0; i < samples; i++ {
		factor := float32(samples-i) / float32(samples)
		s := int16(binary.LittleEndian.Uint16(head[i*BytesPerSample:]))
		binary.LittleEndian.PutUint16(head[i*BytesPerSample:], uint16(int16(float32(s)*factor)))
	}
	p.ring.Write(head)
	// The faded tail plays without waiting for a new prebuffer.
	p.accumulating = false
	p.log.WithField("faded", fadeBytes).Debug("clear pacer with fade-out")
}

// Pause makes ReadInto return silence while keeping queued audio.
func (p *Pacer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.log.WithField("buffered", p.ring.Len()).Debug("pacer paused")
	}
}

// Resume undoes Pause.
func (p *Pacer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		p.log.WithField("buffered", p.ring.Len()).Debug("pacer resumed")
	}
}

func (p *Pacer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Underruns counts device reads that ran dry mid-stream.
func (p *Pacer) Underruns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.underruns
}

// Buffered is the queued audio in bytes.
func (p *Pacer) Buffered() int { return p.ring.Len() }

// Free is the room left for Write in bytes.
func (p *Pacer) Free() int { return p.ring.Free() }

func (p *Pacer) BytesPerFrame() int { return p.bytesPerFrame }
func (p *Pacer) SampleRate() int    { return p.sampleRate }
func (p *Pacer) Channels() int      { return p.channels }
