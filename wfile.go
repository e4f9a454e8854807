package czmil

import (
	"encoding/binary"
	"io"
	"time"

	"go.uber.org/zap"
)

// Per-record bit widths not tied to a FormatInfo override: these are
// wire-format constants, not tunable scales, so they stay as package
// constants rather than header fields.
const (
	recordSizeBits      = 32 // leading "full record byte size" field, spec §4.4/§4.5
	schemeTagBits       = 3  // spec §4.3/§4.4: one of the four compression schemes
	payloadLenBits      = 16 // bit length of a channel/trigger payload, so a decoder need not re-derive delta widths to know where the next field starts
	scanAngleBits       = 16
	validityBits        = 16
	waveformHeaderSize  = 4096
)

// WaveformValidity flags one channel's waveform for a single shot.
type WaveformValidity uint16

const (
	ValidityOK WaveformValidity = 0
	// ValidityTimeRegression marks a shot whose timestamp was
	// nondecreasing only because of the +100us substitution in spec §7.
	ValidityTimeRegression WaveformValidity = 1 << iota
	// ValiditySaturated marks a channel whose samples clipped the
	// digitizer's full-scale range.
	ValiditySaturated
	// ValidityNoReturn marks a channel with no usable waveform.
	ValidityNoReturn
)

// WaveformHandle is an open Waveform (W) file.
type WaveformHandle struct {
	header  *FileHeader
	stream  Stream
	cfg     handleConfig
	path    string
	mode    StreamMode
	regID   int
	recKind kind
	nextOff int64 // byte offset the next appended record will start at
	index   *IndexHandle
	logger  *zap.Logger

	haveLast bool
	lastTime time.Time
}

// CreateWaveformFile creates a new W file at path, optionally linked
// to an index handle so every appended record also writes its index
// entry (spec §4.7: "written incrementally by the W creator").
func CreateWaveformFile(path string, index *IndexHandle, opts ...Option) (*WaveformHandle, error) {
	cfg := applyOptions(opts)
	installInterruptGuard()

	stream, err := cfg.stream.Open(path, StreamCreate)
	if err != nil {
		return nil, err
	}

	h := NewFileHeader(FileTypeWaveform, waveformHeaderSize)
	buf, err := h.Render()
	if err != nil {
		stream.Close()
		return nil, err
	}
	if _, err := stream.Write(buf); err != nil {
		stream.Close()
		return nil, raise(wrapError(ErrFileSystem, "writing waveform header", err))
	}

	id, err := globalRegistry.acquire(kindWaveform, path, stream)
	if err != nil {
		stream.Close()
		return nil, err
	}

	return &WaveformHandle{
		header: h, stream: stream, cfg: cfg, path: path, mode: StreamCreate,
		regID: id, recKind: kindWaveform, nextOff: int64(waveformHeaderSize),
		index: index, logger: cfg.logger,
	}, nil
}

// OpenWaveformFile opens an existing W file for append (readOnly
// false) or read-only access.
func OpenWaveformFile(path string, readOnly bool, opts ...Option) (*WaveformHandle, error) {
	cfg := applyOptions(opts)
	mode := StreamUpdate
	if readOnly {
		mode = StreamReadOnly
	}

	stream, err := cfg.stream.Open(path, mode)
	if err != nil {
		return nil, err
	}

	h, err := ParseHeader(stream, waveformHeaderSize)
	if err != nil {
		stream.Close()
		return nil, err
	}
	if h.Type != FileTypeWaveform {
		stream.Close()
		return nil, raise(newError(ErrNotADatasetFile, path))
	}

	id, err := globalRegistry.acquire(kindWaveform, path, stream)
	if err != nil {
		stream.Close()
		return nil, err
	}
	globalRegistry.markFinalized(kindWaveform, id)

	end, _ := stream.Seek(0, io.SeekEnd)

	return &WaveformHandle{
		header: h, stream: stream, cfg: cfg, path: path, mode: mode,
		regID: id, recKind: kindWaveform, nextOff: end, logger: cfg.logger,
	}, nil
}

// RecordCount returns the number of records currently in the file.
func (h *WaveformHandle) RecordCount() uint64 { return h.header.RecordCount }

// HeaderSize returns the file's fixed header size in bytes.
func (h *WaveformHandle) HeaderSize() int { return h.header.HeaderSize }

// Close flushes the header and releases the handle's registry slot.
func (h *WaveformHandle) Close() error {
	defer globalRegistry.release(h.recKind, h.regID)
	if h.mode != StreamReadOnly {
		if err := h.flushHeader(); err != nil {
			h.stream.Close()
			return err
		}
	}
	return h.stream.Close()
}

func (h *WaveformHandle) flushHeader() error {
	buf, err := h.header.Render()
	if err != nil {
		return err
	}
	if _, err := h.stream.Seek(0, io.SeekStart); err != nil {
		return raise(wrapError(ErrFileSystem, "seeking to header", err))
	}
	if _, err := h.stream.Write(buf); err != nil {
		return raise(wrapError(ErrFileSystem, "writing waveform header", err))
	}
	if _, err := h.stream.Seek(0, io.SeekEnd); err != nil {
		return raise(wrapError(ErrFileSystem, "seeking to end", err))
	}
	return nil
}

// WriteRecord appends one shot's waveform record. W files are
// create-only append: records are never rewritten in place (spec
// §4.4/§6).
func (h *WaveformHandle) WriteRecord(rec WaveformRecord) error {
	if h.haveLast && !rec.Shot.Timestamp.After(h.lastTime) {
		rec.Shot.Timestamp = h.lastTime.Add(100 * time.Microsecond)
		for c := range rec.Validity {
			rec.Validity[c] |= uint16(ValidityTimeRegression)
		}
		h.logger.Warn("shot timestamp regression, substituting nominal +100us",
			zap.Uint32("ordinal", rec.Shot.Ordinal))
	}
	h.lastTime = rec.Shot.Timestamp
	h.haveLast = true

	payload, err := encodeWaveformRecord(&rec, &h.header.Format, h.header.Created)
	if err != nil {
		return err
	}

	full := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(full, uint32(len(full)))
	copy(full[4:], payload)

	off := h.nextOff
	if _, err := h.stream.Write(full); err != nil {
		return raise(wrapError(ErrFileSystem, "appending waveform record", err))
	}
	h.nextOff += int64(len(full))
	if uint64(rec.Shot.Ordinal)+1 > h.header.RecordCount {
		h.header.RecordCount = uint64(rec.Shot.Ordinal) + 1
	}
	h.header.touch()

	if h.index != nil {
		if err := h.index.setWaveformEntry(rec.Shot.Ordinal, off, uint32(len(full))); err != nil {
			return err
		}
	}
	return nil
}

// ReadRecord reads the record at absolute byte offset off (as recorded
// by the index), validating the leading size field against n.
func (h *WaveformHandle) ReadRecord(off int64, n uint32) (WaveformRecord, error) {
	if _, err := h.stream.Seek(off, io.SeekStart); err != nil {
		return WaveformRecord{}, raise(wrapError(ErrFileSystem, "seeking waveform record", err))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(h.stream, buf); err != nil {
		return WaveformRecord{}, raise(wrapError(ErrFileSystem, "reading waveform record", err))
	}
	size := binary.BigEndian.Uint32(buf[:4])
	if size != n {
		return WaveformRecord{}, raise(newError(ErrIndexInconsistent, "waveform record size field mismatch"))
	}
	return decodeWaveformRecord(buf[4:], &h.header.Format, h.header.Created)
}

// ReadRecordArray reads every record from fromOff to EOF sequentially,
// returning both the decoded records and the (W-half-only) index
// entries implied by their offsets and sizes; used by index
// regeneration and bulk export.
func (h *WaveformHandle) ReadRecordArray(fromOff int64) ([]WaveformRecord, []IndexRecord, error) {
	if _, err := h.stream.Seek(fromOff, io.SeekStart); err != nil {
		return nil, nil, raise(wrapError(ErrFileSystem, "seeking waveform record", err))
	}
	var records []WaveformRecord
	var idx []IndexRecord
	off := fromOff
	sizeBuf := make([]byte, 4)
	for {
		_, err := io.ReadFull(h.stream, sizeBuf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, raise(wrapError(ErrFileSystem, "reading waveform record size", err))
		}
		size := binary.BigEndian.Uint32(sizeBuf)
		rest := make([]byte, size-4)
		if _, err := io.ReadFull(h.stream, rest); err != nil {
			return nil, nil, raise(wrapError(ErrFileSystem, "reading waveform record body", err))
		}
		rec, err := decodeWaveformRecord(rest, &h.header.Format, h.header.Created)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
		idx = append(idx, IndexRecord{WOffset: off, WSize: size})
		off += int64(size)
	}
	return records, idx, nil
}

// extractBits copies nBits bits starting at startBit within src into a
// freshly allocated, bit-0-aligned buffer, the representation the
// waveform compressor's encode/decode pair agree on.
func extractBits(src []byte, startBit, nBits int) []byte {
	out := make([]byte, bitsToBytes(nBits))
	dstBit := 0
	remaining := nBits
	srcBit := startBit
	for remaining > 0 {
		take := remaining
		if take > 32 {
			take = 32
		}
		v := unpack(src, srcBit, take)
		pack(out, dstBit, take, v)
		dstBit += take
		srcBit += take
		remaining -= take
	}
	return out
}

// encodeWaveformRecord serializes everything after the leading size
// field: per-channel packet headers + compressed payloads, the
// trigger, and shot metadata (spec §4.4 items 2-4). fi and base (the
// file's FormatInfo and file-start timestamp) drive every scale and
// the packet-count/time-offset field widths.
func encodeWaveformRecord(rec *WaveformRecord, fi *FormatInfo, base time.Time) ([]byte, error) {
	packetCountBits := int(bitWidth(uint32(fi.MaxPackets)))

	central := make(map[int][SamplesPerPacket]uint16)
	for _, p := range rec.Channels[CentralShallowChannel].Packets {
		central[p.Index] = p.Samples
	}

	type channelPlan struct {
		scheme  uint8
		payload []byte
		bitLen  int
	}
	plans := make([]channelPlan, ChannelCount)
	for c := 0; c < ChannelCount; c++ {
		allowCentral := c < ShallowChannelCount && c != CentralShallowChannel
		scheme, payload, bitLen := CompressChannel(rec.Channels[c], allowCentral, central)
		plans[c] = channelPlan{scheme: scheme, payload: payload, bitLen: bitLen}
	}

	// size the buffer generously; a single shot's record is small
	// enough that overallocating once and trimming beats a two-pass
	// length computation.
	buf := make([]byte, 16384)
	bitPos := 0
	for c := 0; c < ChannelCount; c++ {
		ch := rec.Channels[c]
		pack(buf, bitPos, packetCountBits, uint32(len(ch.Packets)))
		bitPos += packetCountBits
		for _, p := range ch.Packets {
			pack(buf, bitPos, PacketIndexBits, uint32(p.Index))
			bitPos += PacketIndexBits
			rangeCode, err := EncodeScaled(float64(p.Range), fi.RangeScale, 0, RangeBits)
			if err != nil {
				return nil, err
			}
			pack(buf, bitPos, RangeBits, rangeCode)
			bitPos += RangeBits
		}
		pack(buf, bitPos, schemeTagBits, uint32(plans[c].scheme))
		bitPos += schemeTagBits
		pack(buf, bitPos, payloadLenBits, uint32(plans[c].bitLen))
		bitPos += payloadLenBits

		for i := 0; i < plans[c].bitLen; {
			take := plans[c].bitLen - i
			if take > 32 {
				take = 32
			}
			v := unpack(plans[c].payload, i, take)
			pack(buf, bitPos, take, v)
			bitPos += take
			i += take
		}
	}

	triggerPayload, triggerBits := CompressTrigger(rec.Trigger)
	pack(buf, bitPos, payloadLenBits, uint32(triggerBits))
	bitPos += payloadLenBits
	for i := 0; i < triggerBits; {
		take := triggerBits - i
		if take > 32 {
			take = 32
		}
		v := unpack(triggerPayload, i, take)
		pack(buf, bitPos, take, v)
		bitPos += take
		i += take
	}

	pack(buf, bitPos, 32, rec.Shot.Ordinal)
	bitPos += 32

	timeOffsetUs, err := encodeTimeOffset(rec.Shot.Timestamp, base, fi.TimeBitWidth)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, int(fi.TimeBitWidth), timeOffsetUs)
	bitPos += int(fi.TimeBitWidth)

	angleCode, err := EncodeScaled(float64(rec.Shot.ScanAngle), fi.AngleScale, int64(signedOffset(scanAngleBits)), scanAngleBits)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, scanAngleBits, angleCode)
	bitPos += scanAngleBits

	for c := 0; c < ChannelCount; c++ {
		pack(buf, bitPos, validityBits, uint32(rec.Validity[c]))
		bitPos += validityBits
	}

	return buf[:bitsToBytes(bitPos)], nil
}

// decodeWaveformRecord is the inverse of encodeWaveformRecord.
func decodeWaveformRecord(buf []byte, fi *FormatInfo, base time.Time) (WaveformRecord, error) {
	packetCountBits := int(bitWidth(uint32(fi.MaxPackets)))

	var rec WaveformRecord

	type channelMeta struct {
		indices []int
		ranges  []float32
		scheme  uint8
		payload []byte
	}
	metas := make([]channelMeta, ChannelCount)

	bitPos := 0
	for c := 0; c < ChannelCount; c++ {
		count := int(unpack(buf, bitPos, packetCountBits))
		bitPos += packetCountBits
		indices := make([]int, count)
		ranges := make([]float32, count)
		for i := 0; i < count; i++ {
			indices[i] = int(unpack(buf, bitPos, PacketIndexBits))
			bitPos += PacketIndexBits
			rangeCode := unpack(buf, bitPos, RangeBits)
			bitPos += RangeBits
			ranges[i] = float32(DecodeScaled(rangeCode, fi.RangeScale, 0))
		}
		scheme := uint8(unpack(buf, bitPos, schemeTagBits))
		bitPos += schemeTagBits
		plen := int(unpack(buf, bitPos, payloadLenBits))
		bitPos += payloadLenBits
		payload := extractBits(buf, bitPos, plen)
		bitPos += plen

		metas[c] = channelMeta{indices: indices, ranges: ranges, scheme: scheme, payload: payload}
	}

	triggerLen := int(unpack(buf, bitPos, payloadLenBits))
	bitPos += payloadLenBits
	triggerPayload := extractBits(buf, bitPos, triggerLen)
	bitPos += triggerLen

	rec.Shot.Ordinal = unpack(buf, bitPos, 32)
	bitPos += 32
	timeOffsetUs := unpack(buf, bitPos, int(fi.TimeBitWidth))
	rec.Shot.Timestamp = decodeTimeOffset(timeOffsetUs, base)
	bitPos += int(fi.TimeBitWidth)
	angleCode := unpack(buf, bitPos, scanAngleBits)
	rec.Shot.ScanAngle = float32(DecodeScaled(angleCode, fi.AngleScale, int64(signedOffset(scanAngleBits))))
	bitPos += scanAngleBits

	for c := 0; c < ChannelCount; c++ {
		rec.Validity[c] = uint16(unpack(buf, bitPos, validityBits))
		bitPos += validityBits
	}

	central := make(map[int][SamplesPerPacket]uint16)
	centralPkts := DecompressChannel(metas[CentralShallowChannel].scheme, metas[CentralShallowChannel].indices, metas[CentralShallowChannel].ranges, metas[CentralShallowChannel].payload, nil)
	for _, p := range centralPkts {
		central[p.Index] = p.Samples
	}
	rec.Channels[CentralShallowChannel] = ChannelWaveform{Packets: centralPkts}

	for c := 0; c < ChannelCount; c++ {
		if c == CentralShallowChannel {
			continue
		}
		pkts := DecompressChannel(metas[c].scheme, metas[c].indices, metas[c].ranges, metas[c].payload, central)
		rec.Channels[c] = ChannelWaveform{Packets: pkts}
	}
	rec.Trigger = DecompressTrigger(triggerPayload)

	return rec, nil
}
