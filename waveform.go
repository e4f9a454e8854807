package czmil

// Waveform scheme identifiers, spec §4.3.
const (
	SchemeRaw              uint8 = 0 // last-resort fallback: 64 x 10 bits
	SchemeFirstDifference  uint8 = 1
	SchemeSecondDifference uint8 = 2
	SchemeCentralReference uint8 = 3
)

const (
	// SamplesPerPacket is the fixed packet size, spec §1/§GLOSSARY.
	SamplesPerPacket = 64
	// ChannelCount is the fixed 7-shallow + 1-infrared + 1-deep layout.
	ChannelCount = 9
	// ShallowChannelCount is the number of shallow-water channels.
	ShallowChannelCount = 7
	// CentralShallowChannel is the index (0-based, within the 7 shallow
	// channels) of the channel scheme 3 differences against.
	CentralShallowChannel = 3

	// MaxPacketsPerChannel bounds the worst-case per-channel packet
	// array (spec §5's fixed-size-array memory model).
	MaxPacketsPerChannel = 32
	// PacketIndexBits is the bit width of a packet index within a
	// channel header; it is the same for every file (FormatInfo has no
	// field for it).
	PacketIndexBits = 10
	// RangeBits is the bit width of a packet's scaled range.
	RangeBits = 16
)

// WaveformPacket is one 64-sample slice of a channel's waveform.
type WaveformPacket struct {
	Samples [SamplesPerPacket]uint16 // 10-bit values, 0..1023
	Index   int                      // packet index within the channel, 0..MaxPacketsPerChannel-1
	Range   float32                  // scaled range for this packet
}

// ChannelWaveform is the packet sequence recorded for one channel.
type ChannelWaveform struct {
	Packets []WaveformPacket
}

// WaveformRecord is the decoded, in-memory representation of one
// shot's waveform data (spec §3 WaveformRecord).
type WaveformRecord struct {
	Shot     Shot
	Channels [ChannelCount]ChannelWaveform
	Trigger  [SamplesPerPacket]uint16
	Validity [ChannelCount]uint16
}

// encodedPacket is scheme 1/2/3's wire fields plus its payload, held
// in an intermediate form so a channel-level encoder can compare
// schemes by total bit count before committing to one.
type encodedPacket struct {
	scheme     uint8
	headerBits []fieldBits
	deltaWidth uint8
	deltas     []int32 // length depends on scheme: 63, 62 or 64
}

type fieldBits struct {
	width int
	value uint32
}

func (p *encodedPacket) totalBits() int {
	n := 0
	for _, f := range p.headerBits {
		n += f.width
	}
	n += int(p.deltaWidth) * len(p.deltas)
	return n
}

// maxAbs returns the largest absolute value in a slice of signed
// differences, used to derive a delta width from the log2 table.
func maxAbsInt32(vals []int32) uint32 {
	var m uint32
	for _, v := range vals {
		av := v
		if av < 0 {
			av = -av
		}
		if uint32(av) > m {
			m = uint32(av)
		}
	}
	return m
}

// deltaWidthAndOffset derives a signed-storage width and offset from
// the observed absolute maximum of a difference sequence: the offset
// is the maximum itself (so every mapped value is non-negative), and
// the width is exactly the bits needed to hold the resulting
// [0, 2*max] range. This reduces to spec §4.3's "log2(max)+1" for any
// nonzero max, and naturally falls out to width 0 when max is 0 (the
// "64 identical samples" boundary case in spec §8).
func deltaWidthAndOffset(diffs []int32) (width uint8, offset int32) {
	m := maxAbsInt32(diffs)
	offset = int32(m)
	width = bitWidth(2 * m)
	return
}

func encodeDeltas(diffs []int32, width uint8, offset int32) []uint32 {
	out := make([]uint32, len(diffs))
	for i, d := range diffs {
		out[i] = uint32(d + offset)
	}
	return out
}

// encodeScheme1 computes the first-difference encoding of a packet.
func encodeScheme1(samples [SamplesPerPacket]uint16) *encodedPacket {
	diffs := make([]int32, SamplesPerPacket-1)
	for i := 1; i < SamplesPerPacket; i++ {
		diffs[i-1] = int32(samples[i]) - int32(samples[i-1])
	}
	width, offset := deltaWidthAndOffset(diffs)

	ep := &encodedPacket{
		scheme:     SchemeFirstDifference,
		deltaWidth: width,
		deltas:     diffs,
		headerBits: []fieldBits{
			{width: WaveformSampleBits, value: uint32(samples[0])},
			{width: 11, value: uint32(offset)},
			{width: 4, value: uint32(width)},
		},
	}
	return ep
}

// encodeScheme2 computes the second-difference encoding of a packet.
func encodeScheme2(samples [SamplesPerPacket]uint16) *encodedPacket {
	firstDiffs := make([]int32, SamplesPerPacket-1)
	for i := 1; i < SamplesPerPacket; i++ {
		firstDiffs[i-1] = int32(samples[i]) - int32(samples[i-1])
	}
	secondDiffs := make([]int32, SamplesPerPacket-2)
	for i := 1; i < len(firstDiffs); i++ {
		secondDiffs[i-1] = firstDiffs[i] - firstDiffs[i-1]
	}

	// first-diff-start is a fixed 11-bit field (a first difference of
	// two 10-bit samples spans [-1023, 1023]), so it uses the general
	// signed-storage convention from spec §4.1 (half the field's value
	// range) rather than the adaptive per-array offset used elsewhere.
	fdOffset := int32(signedOffset(11))
	sdWidth, sdOffset := deltaWidthAndOffset(secondDiffs)

	ep := &encodedPacket{
		scheme:     SchemeSecondDifference,
		deltaWidth: sdWidth,
		deltas:     secondDiffs,
		headerBits: []fieldBits{
			{width: WaveformSampleBits, value: uint32(samples[0])},
			{width: 11, value: uint32(firstDiffs[0] + fdOffset)},
			{width: 11, value: uint32(fdOffset)},
			{width: 11, value: uint32(sdOffset)},
			{width: 4, value: uint32(sdWidth)},
		},
	}
	return ep
}

// encodeScheme3 differences a packet against the corresponding packet
// of the central shallow channel, spec §4.3.
func encodeScheme3(samples, central [SamplesPerPacket]uint16) *encodedPacket {
	diffs := make([]int32, SamplesPerPacket)
	for i := 0; i < SamplesPerPacket; i++ {
		diffs[i] = int32(samples[i]) - int32(central[i])
	}
	width, offset := deltaWidthAndOffset(diffs)

	ep := &encodedPacket{
		scheme:     SchemeCentralReference,
		deltaWidth: width,
		deltas:     diffs,
		headerBits: []fieldBits{
			{width: 11, value: uint32(offset)},
			{width: 4, value: uint32(width)},
		},
	}
	return ep
}

// encodeScheme0 is the raw fallback: no header fields, 64 x 10 bits.
func encodeScheme0(samples [SamplesPerPacket]uint16) *encodedPacket {
	return &encodedPacket{scheme: SchemeRaw, deltaWidth: WaveformSampleBits, deltas: nil}
}

func encodeScheme0Raw(samples [SamplesPerPacket]uint16) []uint32 {
	out := make([]uint32, SamplesPerPacket)
	for i, s := range samples {
		out[i] = uint32(s)
	}
	return out
}

// writePacket serializes an already-chosen encoding into the bit
// buffer at the given bit offset, returning the new offset.
func writePacket(buf []byte, bitPos int, samples [SamplesPerPacket]uint16, scheme uint8, ep *encodedPacket) int {
	switch scheme {
	case SchemeRaw:
		raw := encodeScheme0Raw(samples)
		for _, v := range raw {
			pack(buf, bitPos, WaveformSampleBits, v)
			bitPos += WaveformSampleBits
		}
	case SchemeFirstDifference:
		for _, f := range ep.headerBits {
			pack(buf, bitPos, f.width, f.value)
			bitPos += f.width
		}
		mapped := encodeDeltas(ep.deltas, ep.deltaWidth, int32(ep.headerBits[1].value))
		for _, v := range mapped {
			pack(buf, bitPos, int(ep.deltaWidth), v)
			bitPos += int(ep.deltaWidth)
		}
	case SchemeSecondDifference:
		for _, f := range ep.headerBits {
			pack(buf, bitPos, f.width, f.value)
			bitPos += f.width
		}
		sdOffset := int32(ep.headerBits[3].value)
		mapped := encodeDeltas(ep.deltas, ep.deltaWidth, sdOffset)
		for _, v := range mapped {
			pack(buf, bitPos, int(ep.deltaWidth), v)
			bitPos += int(ep.deltaWidth)
		}
	case SchemeCentralReference:
		for _, f := range ep.headerBits {
			pack(buf, bitPos, f.width, f.value)
			bitPos += f.width
		}
		offset := int32(ep.headerBits[0].value)
		mapped := encodeDeltas(ep.deltas, ep.deltaWidth, offset)
		for _, v := range mapped {
			pack(buf, bitPos, int(ep.deltaWidth), v)
			bitPos += int(ep.deltaWidth)
		}
	}
	return bitPos
}

// packetBitLen returns the number of payload bits a given scheme
// encoding occupies, used purely to choose the smallest candidate.
func packetBitLen(scheme uint8, ep *encodedPacket) int {
	switch scheme {
	case SchemeRaw:
		return SamplesPerPacket * WaveformSampleBits
	default:
		return ep.totalBits()
	}
}

// chosenPacket holds the smallest-encoding candidate for one packet
// under a tentative channel scheme (schemes are decided per channel,
// so this is an intermediate used while summing a channel's total).
type chosenPacket struct {
	scheme uint8
	ep     *encodedPacket
	bits   int
}

func encodePacketUnderScheme(samples [SamplesPerPacket]uint16, scheme uint8, central *[SamplesPerPacket]uint16) chosenPacket {
	switch scheme {
	case SchemeRaw:
		return chosenPacket{scheme: SchemeRaw, bits: SamplesPerPacket * WaveformSampleBits}
	case SchemeFirstDifference:
		ep := encodeScheme1(samples)
		return chosenPacket{scheme: SchemeFirstDifference, ep: ep, bits: ep.totalBits()}
	case SchemeSecondDifference:
		ep := encodeScheme2(samples)
		return chosenPacket{scheme: SchemeSecondDifference, ep: ep, bits: ep.totalBits()}
	case SchemeCentralReference:
		ep := encodeScheme3(samples, *central)
		return chosenPacket{scheme: SchemeCentralReference, ep: ep, bits: ep.totalBits()}
	}
	panic(newError(ErrInvariantViolation, "unknown waveform scheme"))
}

// CompressChannel chooses the single scheme (spec's Open Question,
// resolved per-channel: see SPEC_FULL.md §9) that minimizes the total
// encoded bit count across every packet in the channel, and returns
// the chosen scheme tag plus the packed payload bytes.
//
// allowCentralReference must be false for the central shallow channel
// itself and for the infrared/deep channels; central must be non-nil
// (and pre-populated per packet index) only when allowCentralReference
// is true.
func CompressChannel(channel ChannelWaveform, allowCentralReference bool, central map[int][SamplesPerPacket]uint16) (scheme uint8, payload []byte, bitLen int) {
	candidates := []uint8{SchemeRaw, SchemeFirstDifference, SchemeSecondDifference}
	if allowCentralReference {
		ok := true
		for _, p := range channel.Packets {
			if _, found := central[p.Index]; !found {
				ok = false
				break
			}
		}
		if ok {
			candidates = append(candidates, SchemeCentralReference)
		}
	}

	bestScheme := SchemeRaw
	bestBits := -1
	for _, cand := range candidates {
		total := 0
		for _, pkt := range channel.Packets {
			var centralSamples *[SamplesPerPacket]uint16
			if cand == SchemeCentralReference {
				cs := central[pkt.Index]
				centralSamples = &cs
			}
			cp := encodePacketUnderScheme(pkt.Samples, cand, centralSamples)
			total += cp.bits
		}
		if bestBits == -1 || total < bestBits {
			bestBits = total
			bestScheme = cand
		}
	}

	bitLen = bestBits
	nBytes := bitsToBytes(bitLen)
	payload = make([]byte, nBytes)
	bitPos := 0
	for _, pkt := range channel.Packets {
		var centralSamples *[SamplesPerPacket]uint16
		if bestScheme == SchemeCentralReference {
			cs := central[pkt.Index]
			centralSamples = &cs
		}
		cp := encodePacketUnderScheme(pkt.Samples, bestScheme, centralSamples)
		bitPos = writePacket(payload, bitPos, pkt.Samples, bestScheme, cp.ep)
	}

	return bestScheme, payload, bitLen
}

// DecompressChannel is the inverse of CompressChannel: given the
// scheme tag, the packet count/index/range triples already parsed
// from the channel header, and the packed payload, it reconstructs
// every packet's 64 samples.
func DecompressChannel(scheme uint8, indices []int, ranges []float32, payload []byte, central map[int][SamplesPerPacket]uint16) []WaveformPacket {
	packets := make([]WaveformPacket, len(indices))
	bitPos := 0

	for i, idx := range indices {
		var samples [SamplesPerPacket]uint16
		switch scheme {
		case SchemeRaw:
			for s := 0; s < SamplesPerPacket; s++ {
				samples[s] = uint16(unpack(payload, bitPos, WaveformSampleBits))
				bitPos += WaveformSampleBits
			}
		case SchemeFirstDifference:
			start := unpack(payload, bitPos, WaveformSampleBits)
			bitPos += WaveformSampleBits
			offset := int32(unpack(payload, bitPos, 11))
			bitPos += 11
			width := int(unpack(payload, bitPos, 4))
			bitPos += 4

			samples[0] = uint16(start)
			prev := int32(start)
			for s := 1; s < SamplesPerPacket; s++ {
				mapped := int32(unpack(payload, bitPos, width))
				bitPos += width
				delta := mapped - offset
				prev += delta
				samples[s] = uint16(prev)
			}
		case SchemeSecondDifference:
			start := unpack(payload, bitPos, WaveformSampleBits)
			bitPos += WaveformSampleBits
			fdStart := int32(unpack(payload, bitPos, 11))
			bitPos += 11
			fdOffset := int32(unpack(payload, bitPos, 11))
			bitPos += 11
			sdOffset := int32(unpack(payload, bitPos, 11))
			bitPos += 11
			width := int(unpack(payload, bitPos, 4))
			bitPos += 4

			samples[0] = uint16(start)
			firstDiff := fdStart - fdOffset
			prevSample := int32(start) + firstDiff
			samples[1] = uint16(prevSample)
			prevDiff := firstDiff
			for s := 2; s < SamplesPerPacket; s++ {
				mapped := int32(unpack(payload, bitPos, width))
				bitPos += width
				sd := mapped - sdOffset
				diff := prevDiff + sd
				prevSample += diff
				samples[s] = uint16(prevSample)
				prevDiff = diff
			}
		case SchemeCentralReference:
			offset := int32(unpack(payload, bitPos, 11))
			bitPos += 11
			width := int(unpack(payload, bitPos, 4))
			bitPos += 4
			cs := central[idx]
			for s := 0; s < SamplesPerPacket; s++ {
				mapped := int32(unpack(payload, bitPos, width))
				bitPos += width
				diff := mapped - offset
				samples[s] = uint16(int32(cs[s]) + diff)
			}
		}
		packets[i] = WaveformPacket{Samples: samples, Index: idx, Range: ranges[i]}
	}

	return packets
}

// CompressTrigger encodes the fixed-scheme trigger waveform: always
// scheme 1, with no leading scheme tag (spec §4.3/§4.4).
func CompressTrigger(samples [SamplesPerPacket]uint16) (payload []byte, bitLen int) {
	ep := encodeScheme1(samples)
	bitLen = ep.totalBits()
	payload = make([]byte, bitsToBytes(bitLen))
	writePacket(payload, 0, samples, SchemeFirstDifference, ep)
	return payload, bitLen
}

// DecompressTrigger is the inverse of CompressTrigger.
func DecompressTrigger(payload []byte) [SamplesPerPacket]uint16 {
	pkts := DecompressChannel(SchemeFirstDifference, []int{0}, []float32{0}, payload, nil)
	return pkts[0].Samples
}
