package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func within(t *testing.T, want, got int16) {
	t.Helper()
	diff := int32(want) - int32(got)
	if diff < 0 {
		diff = -diff
	}
	limit := int32(want) / 16
	if limit < 0 {
		limit = -limit
	}
	if limit < 200 {
		limit = 200
	}
	assert.LessOrEqual(t, diff, limit, "sample %d decoded as %d", want, got)
}

func TestMuLawRoundTrip(t *testing.T) {
	for _, s := range []int16{0, 100, 1000, 10000, 32000, 32767, -100, -1000, -10000, -32000, -32768} {
		within(t, s, MuLawDecode(MuLawEncode(s)))
	}
}

func TestALawRoundTrip(t *testing.T) {
	for _, s := range []int16{0, 8, 100, 1000, 10000, 32000, 32767, -100, -1000, -10000, -32768} {
		within(t, s, ALawDecode(ALawEncode(s)))
	}
}

func TestMuLawKnownCodes(t *testing.T) {
	assert.Equal(t, int16(0), MuLawDecode(0xff))
	assert.Equal(t, int16(0), MuLawDecode(0x7f))
	assert.Equal(t, int16(-32124), MuLawDecode(0x00))
	assert.Equal(t, int16(32124), MuLawDecode(0x80))
	assert.Equal(t, byte(0xff), MuLawEncode(0))
	assert.Equal(t, byte(0x80), MuLawEncode(32767))
	assert.Equal(t, byte(0x00), MuLawEncode(-32768))
}

func TestALawKnownCodes(t *testing.T) {
	assert.Equal(t, int16(8), ALawDecode(0xd5))
	assert.Equal(t, int16(-8), ALawDecode(0x55))
	assert.Equal(t, int16(1008), ALawDecode(0xfa))
	assert.Equal(t, byte(0xd5), ALawEncode(0))
	assert.Equal(t, byte(0xfa), ALawEncode(1000))
}

func TestEncodeIsMonotonic(t *testing.T) {
	prev := MuLawDecode(MuLawEncode(-32768))
	for s := -32768; s <= 32767; s += 7 {
		got := MuLawDecode(MuLawEncode(int16(s)))
		require.GreaterOrEqual(t, got, prev, "sample %d", s)
		prev = got
	}
}

func TestBufferConversions(t *testing.T) {
	samples := []int16{0, 1000, -1000, 10000, -10000}
	pcm := make([]byte, len(samples)*2+1)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	mu := PCMToMuLaw(pcm)
	require.Len(t, mu, len(samples))
	for i, s := range samples {
		assert.Equal(t, MuLawEncode(s), mu[i])
	}
	back := MuLawToPCM(mu)
	require.Len(t, back, len(samples)*2)
	for i, b := range mu {
		assert.Equal(t, MuLawDecode(b), int16(binary.LittleEndian.Uint16(back[i*2:])))
	}

	a := PCMToALaw(pcm)
	require.Len(t, a, len(samples))
	assert.Len(t, ALawToPCM(a), len(samples)*2)
}

func TestDecodeStopsAtDestination(t *testing.T) {
	dst := make([]byte, 5)
	n := DecodeG711(dst, []byte{0x80, 0x80, 0x80, 0x80}, MuLawDecode)
	assert.Equal(t, 4, n)

	enc := make([]byte, 1)
	n = EncodeG711(enc, []byte{0, 0, 0, 0}, MuLawEncode)
	assert.Equal(t, 1, n)
}

func BenchmarkMuLawDecode(b *testing.B) {
	mulaw := make([]byte, 8000)
	for i := range mulaw {
		mulaw[i] = byte(i % 256)
	}
	dst := make([]byte, len(mulaw)*2)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DecodeG711(dst, mulaw, MuLawDecode)
	}
}

func BenchmarkMuLawEncode(b *testing.B) {
	pcm := make([]byte, 16000)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16((i/2)*10)))
	}
	dst := make([]byte, len(pcm)/2)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		EncodeG711(dst, pcm, MuLawEncode)
	}
}
