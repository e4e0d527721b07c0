package pcmrenderer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/plugins/internal/plugintest"
)

// fakeDevice pulls a period every few milliseconds and records the audio.
type fakeDevice struct {
	cfg    DeviceConfig
	mu     sync.Mutex
	played bytes.Buffer
	pulls  int
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

func (d *fakeDevice) Start() error {
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	period := int(int64(d.cfg.SampleRate)*int64(d.cfg.Period)/int64(time.Second)) * d.cfg.Channels * 2
	go func() {
		defer close(d.done)
		buf := make([]byte, period)
		tick := time.NewTicker(2 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-tick.C:
			}
			n := d.cfg.Fill(buf)
			d.mu.Lock()
			d.played.Write(buf[:n])
			d.pulls++
			d.mu.Unlock()
		}
	}()
	return nil
}

func (d *fakeDevice) Stop() error {
	if d.stop != nil {
		close(d.stop)
		<-d.done
		d.stop = nil
	}
	return nil
}

func (d *fakeDevice) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *fakeDevice) Played() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.played.Bytes())
}

type opener struct {
	mu      sync.Mutex
	devices []*fakeDevice
	err     error
}

func (o *opener) Open(cfg DeviceConfig) (Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	d := &fakeDevice{cfg: cfg}
	o.devices = append(o.devices, d)
	return d, nil
}

func (o *opener) last() *fakeDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.devices) == 0 {
		return nil
	}
	return o.devices[len(o.devices)-1]
}

func ramp(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i%250) + 1
	}
	return b
}

func chunks(b []byte, size int) [][]byte {
	var out [][]byte
	for len(b) > size {
		out = append(out, b[:size])
		b = b[size:]
	}
	return append(out, b)
}

func renderGraph(rate int) string {
	return fmt.Sprintf(`
name: render
components:
  - name: feed
    role: %s
  - name: out
    role: %s
    pcm:
      - port: 0
        sample_rate: %d
links:
  - from: feed:0
    to: out:0
`, plugintest.FeedRole, Role, rate)
}

func testOptions(o *opener) Options {
	return Options{
		Period:    20 * time.Millisecond,
		Capacity:  100 * time.Millisecond,
		Prebuffer: 40 * time.Millisecond,
		Open:      o.Open,
	}
}

func TestPlaysWholeStreamBeforeEOS(t *testing.T) {
	o := &opener{}
	// 20000 bytes is well over the 3200 byte pacer at 16 kHz mono.
	data := ramp(20000)
	reg := plugintest.Registry(t, nil, chunks(data, 256), Factory(testOptions(o)))
	_, p := plugintest.Build(t, reg, renderGraph(16000))

	require.NoError(t, plugintest.Play(t, p, 3*time.Second))

	dev := o.last()
	require.NotNil(t, dev)
	assert.Equal(t, 16000, dev.cfg.SampleRate)
	assert.Equal(t, 1, dev.cfg.Channels)
	assert.Equal(t, data, dev.Played())
	assert.True(t, dev.closed)
}

func TestReopensDevicePerStream(t *testing.T) {
	o := &opener{}
	data := ramp(1000)
	reg := plugintest.Registry(t, nil, [][]byte{data}, Factory(testOptions(o)))
	_, p := plugintest.Build(t, reg, renderGraph(8000))

	require.NoError(t, plugintest.Play(t, p, 2*time.Second))
	require.NoError(t, plugintest.Play(t, p, 2*time.Second))

	require.Len(t, o.devices, 2)
	for _, d := range o.devices {
		assert.Equal(t, 8000, d.cfg.SampleRate)
		assert.Equal(t, data, d.Played(), "short streams play without filling the prebuffer")
	}
}

func TestDeviceOpenFailure(t *testing.T) {
	o := &opener{err: errors.New("no device")}
	reg := plugintest.Registry(t, nil, [][]byte{ramp(10)}, Factory(testOptions(o)))
	_, p := plugintest.Build(t, reg, renderGraph(16000))
	ctx := context.Background()

	require.NoError(t, p.SetState(ctx, omx.StateIdle))
	err := p.SetState(ctx, omx.StateExecuting)
	assert.ErrorIs(t, err, omx.ErrInsufficientResources)
}

func TestPauseHoldsPlayback(t *testing.T) {
	o := &opener{}
	data := ramp(16000)
	reg := plugintest.Registry(t, nil, chunks(data, 512), Factory(testOptions(o)))
	_, p := plugintest.Build(t, reg, renderGraph(16000))
	ctx := context.Background()

	require.NoError(t, p.SetState(ctx, omx.StateIdle))
	require.NoError(t, p.SetState(ctx, omx.StateExecuting))
	require.NoError(t, p.SetState(ctx, omx.StatePause))

	dev := o.last()
	require.NotNil(t, dev)
	held := len(dev.Played())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, held, len(dev.Played()))

	require.NoError(t, p.SetState(ctx, omx.StateExecuting))
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, p.WaitEOS(wctx))
	assert.Equal(t, data, dev.Played())
}

func TestRejectsNonLinearInput(t *testing.T) {
	o := &opener{}
	reg := plugintest.Registry(t, nil, nil, Factory(testOptions(o)))
	_, p := plugintest.Build(t, reg, `
name: render
components:
  - name: feed
    role: `+plugintest.FeedRole+`
  - name: out
    role: `+Role+`
    pcm:
      - port: 0
        encoding: mulaw
links:
  - from: feed:0
    to: out:0
`)
	ctx := context.Background()
	require.NoError(t, p.SetState(ctx, omx.StateIdle))
	assert.ErrorIs(t, p.SetState(ctx, omx.StateExecuting), omx.ErrBadParameter)
	assert.Empty(t, o.devices)
}

func TestHoldsDeviceResource(t *testing.T) {
	f := Factory(Options{Open: (&opener{}).Open})
	require.Len(t, f.Roles, 1)
	assert.Equal(t, Role, f.Roles[0].Name)
	require.Len(t, f.Roles[0].Resources, 1)
	assert.Equal(t, DeviceResource, f.Roles[0].Resources[0].Resource)
}
