package czmil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func samplesAllEqual(v uint16) [SamplesPerPacket]uint16 {
	var s [SamplesPerPacket]uint16
	for i := range s {
		s[i] = v
	}
	return s
}

// TestCompressChannelIdenticalSamplesChoosesFirstDifferenceWidthZero
// covers the 64-identical-samples boundary: every first difference is
// zero, so scheme 1 wins with a zero-width delta field, beating scheme
// 2's larger header and the raw fallback.
func TestCompressChannelIdenticalSamplesChoosesFirstDifferenceWidthZero(t *testing.T) {
	samples := samplesAllEqual(512)
	channel := ChannelWaveform{Packets: []WaveformPacket{{Samples: samples, Index: 0, Range: 10}}}

	scheme, payload, bitLen := CompressChannel(channel, false, nil)
	require.Equal(t, SchemeFirstDifference, scheme)
	// header is WaveformSampleBits + 11 + 4 bits, no delta bits since width is 0.
	require.Equal(t, WaveformSampleBits+11+4, bitLen)
	require.NotEmpty(t, payload)

	decoded := DecompressChannel(scheme, []int{0}, []float32{10}, payload, nil)
	require.Len(t, decoded, 1)
	require.Equal(t, samples, decoded[0].Samples)
}

// TestCompressChannelSingleOutlierAmongIdenticalSamples covers a packet
// where all but one sample are identical: the single differing sample
// forces a wider delta field for the whole packet, but the round trip
// must still be exact.
func TestCompressChannelSingleOutlierAmongIdenticalSamples(t *testing.T) {
	samples := samplesAllEqual(300)
	samples[40] = 900

	channel := ChannelWaveform{Packets: []WaveformPacket{{Samples: samples, Index: 3, Range: 5}}}
	scheme, payload, _ := CompressChannel(channel, false, nil)

	decoded := DecompressChannel(scheme, []int{3}, []float32{5}, payload, nil)
	require.Len(t, decoded, 1)
	require.Equal(t, samples, decoded[0].Samples)
}

// TestCompressChannelCentralReference verifies scheme 3 is selected and
// round-trips when a non-central shallow channel closely tracks the
// central channel's samples.
func TestCompressChannelCentralReference(t *testing.T) {
	central := samplesAllEqual(400)
	tracking := central
	tracking[0] += 1
	tracking[10] -= 1

	centralMap := map[int][SamplesPerPacket]uint16{0: central}
	channel := ChannelWaveform{Packets: []WaveformPacket{{Samples: tracking, Index: 0, Range: 8}}}

	scheme, payload, _ := CompressChannel(channel, true, centralMap)
	require.Equal(t, SchemeCentralReference, scheme)

	decoded := DecompressChannel(scheme, []int{0}, []float32{8}, payload, centralMap)
	require.Equal(t, tracking, decoded[0].Samples)
}

// TestCompressChannelNoisySamplesRoundTrip verifies that when
// every difference-based scheme would need very wide fields, scheme
// selection still produces a correct round trip (it may or may not
// pick raw, but it must never pick an incorrect encoding).
func TestCompressChannelNoisySamplesRoundTrip(t *testing.T) {
	var samples [SamplesPerPacket]uint16
	for i := range samples {
		samples[i] = uint16((i * 977) % 1024)
	}
	channel := ChannelWaveform{Packets: []WaveformPacket{{Samples: samples, Index: 1, Range: 1}}}
	scheme, payload, _ := CompressChannel(channel, false, nil)
	decoded := DecompressChannel(scheme, []int{1}, []float32{1}, payload, nil)
	require.Equal(t, samples, decoded[0].Samples)
}

// TestCompressTriggerRoundTrip verifies the fixed scheme-1 trigger
// waveform codec round-trips exactly.
func TestCompressTriggerRoundTrip(t *testing.T) {
	var samples [SamplesPerPacket]uint16
	for i := range samples {
		samples[i] = uint16(200 + i*3)
	}
	payload, _ := CompressTrigger(samples)
	got := DecompressTrigger(payload)
	require.Equal(t, samples, got)
}

// TestCompressChannelMultiPacketRoundTrip covers a channel with several
// packets at different indices, exercising the per-packet range field
// alongside the chosen scheme.
func TestCompressChannelMultiPacketRoundTrip(t *testing.T) {
	pkts := make([]WaveformPacket, 0, 3)
	for i, idx := range []int{0, 1, 2} {
		s := samplesAllEqual(uint16(100 * (i + 1)))
		pkts = append(pkts, WaveformPacket{Samples: s, Index: idx, Range: float32(i) * 2.5})
	}
	channel := ChannelWaveform{Packets: pkts}
	scheme, payload, _ := CompressChannel(channel, false, nil)

	indices := []int{0, 1, 2}
	ranges := []float32{0, 2.5, 5.0}
	decoded := DecompressChannel(scheme, indices, ranges, payload, nil)
	require.Len(t, decoded, 3)
	for i, pkt := range pkts {
		require.Equal(t, pkt.Samples, decoded[i].Samples)
	}
}
