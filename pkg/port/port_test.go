package port

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/omxil/pkg/omx"
)

func newOut(count, size int) *Port {
	return New(0, Options{Domain: omx.DomainAudio, Dir: omx.DirOutput, MinBufCount: count, MinBufSize: size})
}

func TestAllocatePool(t *testing.T) {
	a := NewHeapAllocator(0)
	p := newOut(4, 256)

	assert.Equal(t, StateIdleEnabled, p.State())
	hdrs, err := p.AllocatePool(a)
	require.NoError(t, err)
	assert.Len(t, hdrs, 4)
	assert.True(t, p.Populated())
	assert.True(t, p.Home())
	assert.Equal(t, StateEnabled, p.State())
	for _, h := range hdrs {
		assert.Equal(t, 256, h.AllocLen())
		assert.Equal(t, 0, h.OutputPortIndex)
	}

	bytes, bufs := a.InUse()
	assert.Equal(t, int64(1024), bytes)
	assert.Equal(t, int64(4), bufs)

	freed := p.FreePool(a)
	assert.Len(t, freed, 4)
	assert.False(t, p.HasPool())
	bytes, bufs = a.InUse()
	assert.Zero(t, bytes)
	assert.Zero(t, bufs)
}

func TestAllocatePoolAllOrNothing(t *testing.T) {
	a := NewHeapAllocator(700)
	p := newOut(3, 256)

	_, err := p.AllocatePool(a)
	assert.ErrorIs(t, err, omx.ErrInsufficientResources)
	assert.False(t, p.HasPool())
	bytes, _ := a.InUse()
	assert.Zero(t, bytes)
}

func TestClaimReleaseBijection(t *testing.T) {
	a := NewHeapAllocator(0)
	p := newOut(4, 64)
	_, err := p.AllocatePool(a)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(7))
	var out []*omx.BufferHeader
	for i := 0; i < 500; i++ {
		if r.Intn(2) == 0 {
			if h := p.Claim(); h != nil {
				assert.Equal(t, 0, h.PortIndex)
				out = append(out, h)
			} else {
				assert.Len(t, out, 4)
			}
			continue
		}
		if len(out) == 0 {
			continue
		}
		k := r.Intn(len(out))
		h := out[k]
		out = append(out[:k], out[k+1:]...)
		require.NoError(t, p.Release(h))
		require.NoError(t, p.Accept(h))
	}
	for _, h := range out {
		require.NoError(t, p.Release(h))
		require.NoError(t, p.Accept(h))
	}
	assert.True(t, p.Home())
	assert.Equal(t, 4, p.HeldCount())
}

func TestReleaseInvalidHeader(t *testing.T) {
	a := NewHeapAllocator(0)
	p := newOut(2, 64)
	_, err := p.AllocatePool(a)
	require.NoError(t, err)

	stranger := omx.NewBufferHeader(make([]byte, 64))
	assert.ErrorIs(t, p.Release(stranger), omx.ErrInvalidHeader)
	assert.ErrorIs(t, p.Accept(stranger), omx.ErrInvalidHeader)

	h := p.Claim()
	require.NotNil(t, h)
	require.NoError(t, p.Release(h))
	assert.ErrorIs(t, p.Release(h), omx.ErrInvalidHeader, "double release")

	require.NoError(t, p.Accept(h))
	h = p.Claim()
	h.FilledLen = 100
	assert.ErrorIs(t, p.Release(h), omx.ErrBadParameter)
}

func TestReleaseSequencesOutput(t *testing.T) {
	a := NewHeapAllocator(0)
	p := newOut(2, 64)
	_, err := p.AllocatePool(a)
	require.NoError(t, err)

	h1 := p.Claim()
	h2 := p.Claim()
	assert.Nil(t, p.Claim())
	require.NoError(t, p.Release(h2))
	require.NoError(t, p.Release(h1))
	assert.Equal(t, uint64(1), h2.Sequence)
	assert.Equal(t, uint64(2), h1.Sequence)
}

func TestClaimDisabledOrFlushing(t *testing.T) {
	a := NewHeapAllocator(0)
	p := newOut(2, 64)
	_, err := p.AllocatePool(a)
	require.NoError(t, err)

	p.SetFlushing(true)
	assert.Equal(t, StateFlushing, p.State())
	assert.Nil(t, p.Claim())
	p.SetFlushing(false)

	p.SetEnabled(false)
	assert.Equal(t, StateDisabled, p.State())
	assert.Nil(t, p.Claim())
}

func TestTakeClaimed(t *testing.T) {
	a := NewHeapAllocator(0)
	p := newOut(3, 64)
	_, err := p.AllocatePool(a)
	require.NoError(t, err)

	p.Claim()
	p.Claim()
	taken := p.TakeClaimed()
	assert.Len(t, taken, 2)
	assert.Zero(t, p.ClaimedCount())
	assert.Equal(t, 2, p.Outstanding())
	for _, h := range taken {
		require.NoError(t, p.Accept(h))
	}
	assert.True(t, p.Home())
}

func TestSetDefinition(t *testing.T) {
	p := newOut(2, 128)
	d := p.Definition()
	assert.False(t, d.Populated)
	assert.True(t, d.Enabled)

	d.BufferCountActual = 1
	assert.ErrorIs(t, p.SetDefinition(d), omx.ErrBadParameter)

	d.BufferCountActual = 6
	d.BufferSize = 64
	assert.ErrorIs(t, p.SetDefinition(d), omx.ErrBadParameter)

	d.BufferSize = 4096
	require.NoError(t, p.SetDefinition(d))
	assert.Equal(t, 6, p.BufferCount())

	_, err := p.AllocatePool(NewHeapAllocator(0))
	require.NoError(t, err)
	assert.ErrorIs(t, p.SetDefinition(d), omx.ErrIncorrectStateOperation)
}

func TestRegisteredHeaders(t *testing.T) {
	a := NewHeapAllocator(0)
	out := newOut(2, 64)
	in := New(0, Options{Domain: omx.DomainAudio, Dir: omx.DirInput, MinBufCount: 2, MinBufSize: 64})

	hdrs, err := out.AllocatePool(a)
	require.NoError(t, err)
	for _, h := range hdrs {
		in.Register(h)
	}
	assert.True(t, in.Populated())
	assert.False(t, in.Owned())
	assert.Zero(t, in.HeldCount())

	require.NoError(t, in.Accept(hdrs[0]))
	assert.Same(t, hdrs[0], in.Claim())

	in.DropRegistrations()
	assert.False(t, in.HasPool())
	out.FreePool(a)
	bytes, _ := a.InUse()
	assert.Zero(t, bytes)
}

func TestParkCountsAsHome(t *testing.T) {
	a := NewHeapAllocator(0)
	p := newOut(2, 64)
	_, err := p.AllocatePool(a)
	require.NoError(t, err)

	h := p.Claim()
	require.NoError(t, p.Release(h))
	assert.False(t, p.Home())
	assert.Equal(t, 1, p.Outstanding())

	p.Park(h)
	assert.True(t, p.Home())
	assert.Equal(t, 1, p.HeldCount(), "parked headers are not claimable")
	assert.Equal(t, []*omx.BufferHeader{h}, p.TakeParked())
	assert.Zero(t, p.ParkedCount())
}
