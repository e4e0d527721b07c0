// Package plugintest runs plugin roles inside small pipelines for tests.
package plugintest

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/omxil/pkg/component"
	"github.com/realtime-ai/omxil/pkg/omx"
	"github.com/realtime-ai/omxil/pkg/pipeline"
	"github.com/realtime-ai/omxil/pkg/port"
)

const (
	CaptureRole = "test.capture"
	FeedRole    = "test.feed"
)

// Capture collects what reaches a capture sink.
type Capture struct {
	mu      sync.Mutex
	data    bytes.Buffer
	buffers int
	flags   []omx.BufferFlags
	stamps  []time.Duration
}

func (c *Capture) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.data.Bytes()...)
}

// Buffers counts the non-empty buffers received.
func (c *Capture) Buffers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffers
}

// Flags lists the flags of every header received, empty ones included.
func (c *Capture) Flags() []omx.BufferFlags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]omx.BufferFlags(nil), c.flags...)
}

// Timestamps lists the timestamps of the non-empty buffers.
func (c *Capture) Timestamps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.stamps...)
}

func (c *Capture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.Reset()
	c.buffers = 0
	c.flags = nil
	c.stamps = nil
}

type captureSink struct {
	component.BaseProcessor
	out *Capture
}

func (s *captureSink) BuffersReady(k component.Kernel) error {
	h, err := k.Claim(0)
	if err != nil || h == nil {
		return err
	}
	s.out.mu.Lock()
	if h.FilledLen > 0 {
		s.out.data.Write(h.Data())
		s.out.buffers++
		s.out.stamps = append(s.out.stamps, h.Timestamp)
	}
	s.out.flags = append(s.out.flags, h.Flags)
	s.out.mu.Unlock()
	return k.Release(0, h)
}

func (s *captureSink) Params() []omx.Param {
	return []omx.Param{omx.DefaultAudioPCM(0)}
}

// feedSource emits its chunks in order, the last one flagged EOS.
type feedSource struct {
	component.BaseProcessor
	chunks [][]byte
	next   int
	off    int
}

func (s *feedSource) TransferAndProcess(component.Kernel) error {
	s.next, s.off = 0, 0
	return nil
}

func (s *feedSource) BuffersReady(k component.Kernel) error {
	if s.next >= len(s.chunks) {
		return nil
	}
	h, err := k.Claim(0)
	if err != nil || h == nil {
		return err
	}
	chunk := s.chunks[s.next]
	s.off += h.Write(chunk[s.off:])
	if s.off == len(chunk) {
		s.next++
		s.off = 0
	}
	if s.next == len(s.chunks) {
		h.Flags |= omx.FlagEOS
	}
	return k.Release(0, h)
}

func (s *feedSource) Params() []omx.Param {
	return []omx.Param{omx.DefaultAudioPCM(0)}
}

func testPort(dir omx.Direction, size int) port.Options {
	return port.Options{Domain: omx.DomainAudio, Dir: dir, MinBufCount: 2, MinBufSize: size}
}

// Factories returns a capture sink writing into out and a feed source
// emitting chunks.
func Factories(out *Capture, chunks [][]byte) []component.Factory {
	return []component.Factory{
		{Name: "OMX.test.capture", Roles: []component.Role{{
			Name:         CaptureRole,
			Ports:        []port.Options{testPort(omx.DirInput, 256)},
			NewProcessor: func() component.Processor { return &captureSink{out: out} },
		}}},
		{Name: "OMX.test.feed", Roles: []component.Role{{
			Name:         FeedRole,
			Ports:        []port.Options{testPort(omx.DirOutput, 256)},
			NewProcessor: func() component.Processor { return &feedSource{chunks: chunks} },
		}}},
	}
}

// Registry registers the test roles and the given plugin factories.
func Registry(t *testing.T, out *Capture, chunks [][]byte, plugins ...component.Factory) *component.Registry {
	t.Helper()
	reg := component.NewRegistry()
	for _, f := range append(Factories(out, chunks), plugins...) {
		require.NoError(t, reg.Register(f))
	}
	return reg
}

// Build creates the pipeline described by the YAML graph and stops it when
// the test ends.
func Build(t *testing.T, reg *component.Registry, graph string) (*pipeline.Runtime, *pipeline.Pipeline) {
	t.Helper()
	rt := pipeline.NewRuntime(reg, pipeline.Config{StateTimeout: 3 * time.Second})
	g, err := pipeline.ParseGraph(strings.NewReader(graph))
	require.NoError(t, err)
	p, err := rt.Build(context.Background(), g)
	require.NoError(t, err)
	t.Cleanup(func() { p.Stop(context.Background()) })
	return rt, p
}

// Play runs one stream through p: Idle, Executing, wait for end of
// stream, then back to Loaded. It returns the WaitEOS result.
func Play(t *testing.T, p *pipeline.Pipeline, timeout time.Duration) error {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.SetState(ctx, omx.StateIdle))
	require.NoError(t, p.SetState(ctx, omx.StateExecuting))

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := p.WaitEOS(wctx)

	require.NoError(t, p.SetState(ctx, omx.StateIdle))
	require.NoError(t, p.SetState(ctx, omx.StateLoaded))
	return err
}
