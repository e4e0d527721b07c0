package port

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/omxil/pkg/omx"
)

func TestNegotiateSupplier(t *testing.T) {
	tests := []struct {
		name      string
		outDef    omx.Supplier
		inDef     omx.Supplier
		outSet    omx.Supplier
		inSet     omx.Supplier
		want      omx.Supplier
		wantError error
	}{
		{name: "no preference", want: omx.SupplierInput},
		{name: "input default", inDef: omx.SupplierOutput, want: omx.SupplierOutput},
		{name: "output default", outDef: omx.SupplierOutput, want: omx.SupplierOutput},
		{name: "input default wins", outDef: omx.SupplierOutput, inDef: omx.SupplierInput, want: omx.SupplierInput},
		{name: "explicit beats default", inDef: omx.SupplierInput, outSet: omx.SupplierOutput, want: omx.SupplierOutput},
		{name: "explicit agreement", outSet: omx.SupplierOutput, inSet: omx.SupplierOutput, want: omx.SupplierOutput},
		{name: "explicit conflict", outSet: omx.SupplierOutput, inSet: omx.SupplierInput, wantError: omx.ErrBadParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := New(0, Options{Dir: omx.DirOutput, SupplierPref: tt.outDef})
			in := New(0, Options{Dir: omx.DirInput, SupplierPref: tt.inDef})
			out.SetSupplierPref(tt.outSet)
			in.SetSupplierPref(tt.inSet)

			got, err := NegotiateSupplier(out.Endpoint(), in.Endpoint())
			if tt.wantError != nil {
				assert.ErrorIs(t, err, tt.wantError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckCompat(t *testing.T) {
	out := New(0, Options{Domain: omx.DomainAudio, Dir: omx.DirOutput, MinBufCount: 2, MinBufSize: 1024})
	in := New(0, Options{Domain: omx.DomainAudio, Dir: omx.DirInput, MinBufCount: 4, MinBufSize: 512})

	count, size, err := CheckCompat(out.Endpoint(), in.Endpoint())
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.Equal(t, 1024, size)

	require.NoError(t, out.ApplyTunnel(0, true, count, size))
	require.NoError(t, in.ApplyTunnel(0, false, count, size))
	assert.Equal(t, 4, out.BufferCount())
	assert.Equal(t, 1024, in.BufferSize())
	assert.True(t, out.Supplier())
	assert.False(t, in.MemoryOwner())

	video := New(0, Options{Domain: omx.DomainVideo, Dir: omx.DirInput})
	_, _, err = CheckCompat(out.Endpoint(), video.Endpoint())
	assert.ErrorIs(t, err, omx.ErrPortsNotCompatible)
	_, _, err = CheckCompat(in.Endpoint(), out.Endpoint())
	assert.ErrorIs(t, err, omx.ErrBadParameter)
}

func TestApplyTunnelWithPool(t *testing.T) {
	p := New(0, Options{Dir: omx.DirOutput, MinBufSize: 16})
	_, err := p.AllocatePool(NewHeapAllocator(0))
	require.NoError(t, err)
	assert.ErrorIs(t, p.ApplyTunnel(0, true, 1, 16), omx.ErrIncorrectStateOperation)
}

func TestClearTunnel(t *testing.T) {
	p := New(0, Options{Dir: omx.DirOutput, SupplierPref: omx.SupplierOutput})
	p.SetSupplierPref(omx.SupplierInput)
	require.NoError(t, p.ApplyTunnel(1, true, 1, 0))
	assert.True(t, p.Supplier())
	assert.True(t, p.MemoryOwner())

	p.ClearTunnel()
	assert.False(t, p.Tunneled())
	pref, explicit := p.SupplierPref()
	assert.Equal(t, omx.SupplierOutput, pref)
	assert.False(t, explicit)
}
