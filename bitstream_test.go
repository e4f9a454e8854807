package czmil

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPackUnpackRoundTrip verifies every width from 1 to 32 bits
// round-trips a masked value through pack/unpack.
func TestPackUnpackRoundTrip(t *testing.T) {
	buf := make([]byte, 32)
	for width := 1; width <= 32; width++ {
		var max uint32 = 0xFFFFFFFF
		if width < 32 {
			max = (uint32(1) << uint(width)) - 1
		}
		for _, v := range []uint32{0, max, max / 2} {
			for i := range buf {
				buf[i] = 0
			}
			pack(buf, 3, width, v)
			got := unpack(buf, 3, width)
			require.Equal(t, v, got, "width=%d value=%d", width, v)
		}
	}
}

// TestPackDoesNotTouchNeighboringBits verifies a pack call only
// modifies the bits within [startBit, startBit+width).
func TestPackDoesNotTouchNeighboringBits(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0xFF}
	pack(buf, 8, 8, 0x00)
	require.Equal(t, byte(0xFF), buf[0])
	require.Equal(t, byte(0x00), buf[1])
	require.Equal(t, byte(0xFF), buf[2])
}

// TestPackUnpackRandomOffsets exercises unaligned bit spans crossing
// multiple byte boundaries, the common case in the record codecs.
func TestPackUnpackRandomOffsets(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	buf := make([]byte, 64)
	for i := 0; i < 500; i++ {
		width := 1 + rng.Intn(32)
		startBit := rng.Intn(400)
		var max uint64 = (uint64(1) << uint(width)) - 1
		value := uint32(rng.Uint64() & max)
		pack(buf, startBit, width, value)
		require.Equal(t, value, unpack(buf, startBit, width))
	}
}

// TestDoublePackUnpackRoundTrip covers widths above 32 bits.
func TestDoublePackUnpackRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	for _, width := range []int{33, 40, 48, 56, 64} {
		max := uint64(1)<<uint(width) - 1
		for _, v := range []uint64{0, max, max / 3} {
			for i := range buf {
				buf[i] = 0
			}
			doublePack(buf, 5, width, v)
			require.Equal(t, v, doubleUnpack(buf, 5, width))
		}
	}
}

// TestBitWidthMatchesLog2Plus1 verifies bitWidth returns the minimum
// number of bits needed to hold v, including the 0 special case.
func TestBitWidthMatchesLog2Plus1(t *testing.T) {
	require.Equal(t, uint8(0), bitWidth(0))
	require.Equal(t, uint8(1), bitWidth(1))
	require.Equal(t, uint8(2), bitWidth(2))
	require.Equal(t, uint8(2), bitWidth(3))
	require.Equal(t, uint8(3), bitWidth(4))
	require.Equal(t, uint8(8), bitWidth(255))
	require.Equal(t, uint8(9), bitWidth(256))
	require.Equal(t, uint8(16), bitWidth(65535))
}

func TestBitsToBytes(t *testing.T) {
	require.Equal(t, 0, bitsToBytes(0))
	require.Equal(t, 1, bitsToBytes(1))
	require.Equal(t, 1, bitsToBytes(8))
	require.Equal(t, 2, bitsToBytes(9))
}
