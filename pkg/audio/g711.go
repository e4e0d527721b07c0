package audio

import (
	"encoding/binary"
	"math/bits"
)

// G.711 companding without lookup tables. Linear samples are 16 bit
// little-endian PCM.

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// MuLawDecode expands one mu-law byte.
func MuLawDecode(u byte) int16 {
	u = ^u
	t := (int32(u&0x0f) << 3) + muLawBias
	t <<= (u & 0x70) >> 4
	if u&0x80 != 0 {
		return int16(muLawBias - t)
	}
	return int16(t - muLawBias)
}

// MuLawEncode compresses one sample to mu-law.
func MuLawEncode(sample int16) byte {
	pcm := int32(sample)
	var sign int32
	if pcm < 0 {
		sign = 0x80
		pcm = -pcm
	}
	if pcm > muLawClip {
		pcm = muLawClip
	}
	pcm += muLawBias
	exp := int32(bits.Len32(uint32(pcm))) - 8
	if exp < 0 {
		exp = 0
	}
	mant := (pcm >> (exp + 3)) & 0x0f
	return ^byte(sign | exp<<4 | mant)
}

// ALawDecode expands one A-law byte.
func ALawDecode(a byte) int16 {
	a ^= 0x55
	t := int32(a&0x0f) << 4
	switch seg := (a & 0x70) >> 4; seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

// ALawEncode compresses one sample to A-law.
func ALawEncode(sample int16) byte {
	pcm := int32(sample) >> 3
	mask := int32(0xd5)
	if pcm < 0 {
		mask = 0x55
		pcm = -pcm - 1
	}
	seg := int32(0)
	if pcm > 0x1f {
		seg = int32(bits.Len32(uint32(pcm))) - 5
	}
	if seg >= 8 {
		return byte(0x7f ^ mask)
	}
	aval := seg << 4
	if seg < 2 {
		aval |= (pcm >> 1) & 0x0f
	} else {
		aval |= (pcm >> seg) & 0x0f
	}
	return byte(aval ^ mask)
}

// MuLawToPCM expands a mu-law buffer into a new linear buffer.
func MuLawToPCM(src []byte) []byte {
	dst := make([]byte, len(src)*2)
	DecodeG711(dst, src, MuLawDecode)
	return dst
}

// PCMToMuLaw compresses linear PCM into a new mu-law buffer. A trailing odd
// byte is ignored.
func PCMToMuLaw(src []byte) []byte {
	dst := make([]byte, len(src)/2)
	EncodeG711(dst, src, MuLawEncode)
	return dst
}

// ALawToPCM expands an A-law buffer into a new linear buffer.
func ALawToPCM(src []byte) []byte {
	dst := make([]byte, len(src)*2)
	DecodeG711(dst, src, ALawDecode)
	return dst
}

// PCMToALaw compresses linear PCM into a new A-law buffer.
func PCMToALaw(src []byte) []byte {
	dst := make([]byte, len(src)/2)
	EncodeG711(dst, src, ALawEncode)
	return dst
}

// DecodeG711 expands src into dst and returns the number of bytes written.
// It stops when dst has no room for another sample.
func DecodeG711(dst, src []byte, decode func(byte) int16) int {
	n := len(src)
	if m := len(dst) / 2; m < n {
		n = m
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(decode(src[i])))
	}
	return n * 2
}

// EncodeG711 compresses src into dst and returns the number of bytes
// written.
func EncodeG711(dst, src []byte, encode func(int16) byte) int {
	n := len(src) / 2
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = encode(int16(binary.LittleEndian.Uint16(src[i*2:])))
	}
	return n
}
