package czmil

import (
	"encoding/binary"
	"io"
	"math"
	"time"

	"go.uber.org/zap"
)

// Point record bit widths (spec §4.5). returnCountBits and the time
// offset width are derived per-file from FormatInfo
// (MaxReturns/TimeBitWidth); every scale below is likewise read from
// the record's FormatInfo rather than hardcoded, so these remaining
// constants are purely the fixed geometry of the wire layout.
const (
	offNadirAngleBits  = 16
	refLatDiffBits     = 24
	refLonDiffBits     = 24
	waterLevelBits     = 20
	localVertDatumBits = 20
	userDataBits       = 8

	retLatDiffBits    = 24
	retLonDiffBits    = 24
	retElevBits       = 24
	reflectanceBits   = 12
	horizUncertBits   = 16
	vertUncertBits    = 16
	statusBits2       = 16
	classificationBits = 8
	interestPointBits = 12
	ipRankBits        = 1

	bareEarthBits     = 24
	hasBareEarthBits  = 1

	kdBits              = 14
	laserEnergyBits     = 14
	triggerInterestBits = 12

	processingModeBits = 8
	probabilityBits    = 16
	filterReasonBits   = 8
	cubeDetectionBits  = 16
	detectionIdxBits   = 16

	pointHeaderSize = 4096
)

// PointHandle is an open Point (P) file.
type PointHandle struct {
	header  *FileHeader
	stream  Stream
	cfg     handleConfig
	path    string
	mode    StreamMode
	regID   int
	nextOff int64
	offsets []int64 // ordinal -> byte offset, for in-place rewrite
	sizes   []uint32
	index   *IndexHandle
	logger  *zap.Logger
}

// CreatePointFile creates a new P file.
func CreatePointFile(path string, index *IndexHandle, opts ...Option) (*PointHandle, error) {
	cfg := applyOptions(opts)
	installInterruptGuard()

	stream, err := cfg.stream.Open(path, StreamCreate)
	if err != nil {
		return nil, err
	}
	h := NewFileHeader(FileTypePoint, pointHeaderSize)
	buf, err := h.Render()
	if err != nil {
		stream.Close()
		return nil, err
	}
	if _, err := stream.Write(buf); err != nil {
		stream.Close()
		return nil, raise(wrapError(ErrFileSystem, "writing point header", err))
	}
	id, err := globalRegistry.acquire(kindPoint, path, stream)
	if err != nil {
		stream.Close()
		return nil, err
	}
	return &PointHandle{
		header: h, stream: stream, cfg: cfg, path: path, mode: StreamCreate,
		regID: id, nextOff: int64(pointHeaderSize), index: index, logger: cfg.logger,
	}, nil
}

// OpenPointFile opens an existing P file for update or read-only
// access, replaying its offset table so UpdateRecord/WriteRecord can
// locate existing records.
func OpenPointFile(path string, readOnly bool, opts ...Option) (*PointHandle, error) {
	cfg := applyOptions(opts)
	mode := StreamUpdate
	if readOnly {
		mode = StreamReadOnly
	}
	stream, err := cfg.stream.Open(path, mode)
	if err != nil {
		return nil, err
	}
	h, err := ParseHeader(stream, pointHeaderSize)
	if err != nil {
		stream.Close()
		return nil, err
	}
	if h.Type != FileTypePoint {
		stream.Close()
		return nil, raise(newError(ErrNotADatasetFile, path))
	}
	id, err := globalRegistry.acquire(kindPoint, path, stream)
	if err != nil {
		stream.Close()
		return nil, err
	}
	globalRegistry.markFinalized(kindPoint, id)

	ph := &PointHandle{
		header: h, stream: stream, cfg: cfg, path: path, mode: mode,
		regID: id, logger: cfg.logger,
	}
	if err := ph.rebuildOffsets(); err != nil {
		stream.Close()
		globalRegistry.release(kindPoint, id)
		return nil, err
	}
	return ph, nil
}

// rebuildOffsets walks every record once (sequential leading-size-field
// scan, same technique as index regeneration) to populate the
// offset/size table used by in-place rewrite.
func (ph *PointHandle) rebuildOffsets() error {
	if _, err := ph.stream.Seek(int64(pointHeaderSize), io.SeekStart); err != nil {
		return raise(wrapError(ErrFileSystem, "seeking point records", err))
	}
	off := int64(pointHeaderSize)
	sizeBuf := make([]byte, 4)
	for {
		_, err := io.ReadFull(ph.stream, sizeBuf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return raise(wrapError(ErrFileSystem, "scanning point records", err))
		}
		size := binary.BigEndian.Uint32(sizeBuf)
		if _, err := ph.stream.Seek(int64(size)-4, io.SeekCurrent); err != nil {
			return raise(wrapError(ErrFileSystem, "scanning point records", err))
		}
		ph.offsets = append(ph.offsets, off)
		ph.sizes = append(ph.sizes, size)
		off += int64(size)
	}
	ph.nextOff = off
	return nil
}

// RecordCount returns the number of records currently in the file.
func (ph *PointHandle) RecordCount() uint64 { return ph.header.RecordCount }

// HeaderSize returns the file's fixed header size in bytes.
func (ph *PointHandle) HeaderSize() int { return ph.header.HeaderSize }

// Close flushes the header and releases the handle's registry slot.
func (ph *PointHandle) Close() error {
	defer globalRegistry.release(kindPoint, ph.regID)
	if ph.mode != StreamReadOnly {
		if err := ph.flushHeader(); err != nil {
			ph.stream.Close()
			return err
		}
	}
	return ph.stream.Close()
}

func (ph *PointHandle) flushHeader() error {
	buf, err := ph.header.Render()
	if err != nil {
		return err
	}
	if _, err := ph.stream.Seek(0, io.SeekStart); err != nil {
		return raise(wrapError(ErrFileSystem, "seeking point header", err))
	}
	if _, err := ph.stream.Write(buf); err != nil {
		return raise(wrapError(ErrFileSystem, "writing point header", err))
	}
	return nil
}

// WriteRecord appends a new record, or rewrites an existing one of the
// same ordinal in place when the new encoding is exactly the same
// byte length (spec §6: "append or in-place rewrite, creator only").
// A same-ordinal rewrite of a different length is rejected: P records
// only ever shrink-or-grow via genuinely new data, and the index's
// offset table would otherwise go stale.
func (ph *PointHandle) WriteRecord(ordinal uint32, rec PointRecord) error {
	payload, err := encodePointRecord(&rec, &ph.header.Format, ph.header.Created)
	if err != nil {
		return err
	}
	full := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(full, uint32(len(full)))
	copy(full[4:], payload)

	if int(ordinal) < len(ph.offsets) {
		if uint32(len(full)) != ph.sizes[ordinal] {
			return raise(newError(ErrInvariantViolation, "in-place point record rewrite changed record length"))
		}
		if _, err := ph.stream.Seek(ph.offsets[ordinal], io.SeekStart); err != nil {
			return raise(wrapError(ErrFileSystem, "seeking point record", err))
		}
		if _, err := ph.stream.Write(full); err != nil {
			return raise(wrapError(ErrFileSystem, "rewriting point record", err))
		}
		if _, err := ph.stream.Seek(0, io.SeekEnd); err != nil {
			return raise(wrapError(ErrFileSystem, "seeking to end", err))
		}
		ph.header.touch()
		return nil
	}

	off := ph.nextOff
	if _, err := ph.stream.Write(full); err != nil {
		return raise(wrapError(ErrFileSystem, "appending point record", err))
	}
	ph.offsets = append(ph.offsets, off)
	ph.sizes = append(ph.sizes, uint32(len(full)))
	ph.nextOff += int64(len(full))
	if uint64(ordinal)+1 > ph.header.RecordCount {
		ph.header.RecordCount = uint64(ordinal) + 1
	}
	ph.header.touch()

	if ph.index != nil {
		if err := ph.index.setPointEntry(ordinal, off, uint32(len(full))); err != nil {
			return err
		}
	}
	return nil
}

// UpdateRecord re-encodes the modifiable fields of an existing record
// (processing mode, probability, filter reason, detection indices,
// cube-detection index, user data) while leaving every geometric and
// counted field as previously stored, per spec §6's update_record.
func (ph *PointHandle) UpdateRecord(ordinal uint32, modifiable PointRecord) error {
	existing, err := ph.ReadRecord(ordinal)
	if err != nil {
		return err
	}
	existing.UserData = modifiable.UserData
	for c := 0; c < ChannelCount; c++ {
		existing.Channels[c].ProcessingMode = modifiable.Channels[c].ProcessingMode
		existing.Channels[c].CubeDetectionIdx = modifiable.Channels[c].CubeDetectionIdx
		for r := range existing.Channels[c].Returns {
			if r < len(modifiable.Channels[c].Returns) {
				existing.Channels[c].Returns[r].Probability = modifiable.Channels[c].Returns[r].Probability
				existing.Channels[c].Returns[r].FilterReason = modifiable.Channels[c].Returns[r].FilterReason
				existing.Channels[c].Returns[r].DetectionIndex = modifiable.Channels[c].Returns[r].DetectionIndex
			}
		}
	}
	return ph.WriteRecord(ordinal, existing)
}

// UpdateReturnStatus changes only status, classification, filter
// reason, and user data on one return, per spec §6's
// update_return_status. All other fields, including every other
// return's data, round-trip bit-identical.
func (ph *PointHandle) UpdateReturnStatus(ordinal uint32, channel, returnIdx int, status ReturnStatus, classification, filterReason, userData uint8) error {
	existing, err := ph.ReadRecord(ordinal)
	if err != nil {
		return err
	}
	if channel < 0 || channel >= ChannelCount {
		return raise(newError(ErrInvariantViolation, "channel out of range"))
	}
	if returnIdx < 0 || returnIdx >= len(existing.Channels[channel].Returns) {
		return raise(newError(ErrInvariantViolation, "return index out of range"))
	}
	existing.Channels[channel].Returns[returnIdx].Status = status
	existing.Channels[channel].Returns[returnIdx].Classification = classification
	existing.Channels[channel].Returns[returnIdx].FilterReason = filterReason
	existing.UserData = userData
	return ph.WriteRecord(ordinal, existing)
}

// ReadRecord reads and decodes the record for the given ordinal.
func (ph *PointHandle) ReadRecord(ordinal uint32) (PointRecord, error) {
	if int(ordinal) >= len(ph.offsets) {
		return PointRecord{}, raise(newError(ErrInvariantViolation, "ordinal beyond point record count"))
	}
	return ph.readAt(ph.offsets[ordinal], ph.sizes[ordinal])
}

func (ph *PointHandle) readAt(off int64, n uint32) (PointRecord, error) {
	if _, err := ph.stream.Seek(off, io.SeekStart); err != nil {
		return PointRecord{}, raise(wrapError(ErrFileSystem, "seeking point record", err))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(ph.stream, buf); err != nil {
		return PointRecord{}, raise(wrapError(ErrFileSystem, "reading point record", err))
	}
	size := binary.BigEndian.Uint32(buf[:4])
	if size != n {
		return PointRecord{}, raise(newError(ErrIndexInconsistent, "point record size field mismatch"))
	}
	return decodePointRecord(buf[4:], &ph.header.Format, ph.header.Created)
}

// ReadRecordArray reads count records starting at ordinal start.
func (ph *PointHandle) ReadRecordArray(start, count int) ([]PointRecord, error) {
	out := make([]PointRecord, 0, count)
	for i := start; i < start+count; i++ {
		rec, err := ph.ReadRecord(uint32(i))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// readRecordArrayFromScratch decodes every record sequentially from a
// fresh stream position, returning offset/size pairs too; used by
// index regeneration, which must not depend on an already-open
// handle's in-memory offset table.
func (ph *PointHandle) readRecordArrayFromScratch(fromOff int64) ([]PointRecord, []IndexRecord, error) {
	if _, err := ph.stream.Seek(fromOff, io.SeekStart); err != nil {
		return nil, nil, raise(wrapError(ErrFileSystem, "seeking point records", err))
	}
	var records []PointRecord
	var idx []IndexRecord
	off := fromOff
	sizeBuf := make([]byte, 4)
	for {
		_, err := io.ReadFull(ph.stream, sizeBuf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, raise(wrapError(ErrFileSystem, "reading point record size", err))
		}
		size := binary.BigEndian.Uint32(sizeBuf)
		rest := make([]byte, size-4)
		if _, err := io.ReadFull(ph.stream, rest); err != nil {
			return nil, nil, raise(wrapError(ErrFileSystem, "reading point record body", err))
		}
		rec, err := decodePointRecord(rest, &ph.header.Format, ph.header.Created)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
		idx = append(idx, IndexRecord{POffset: off, PSize: size})
		off += int64(size)
	}
	return records, idx, nil
}

func encodePointRecord(rec *PointRecord, fi *FormatInfo, base time.Time) ([]byte, error) {
	returnCountBits := int(bitWidth(uint32(fi.MaxReturns)))

	buf := make([]byte, 16384)
	bitPos := 0

	for c := 0; c < ChannelCount; c++ {
		pack(buf, bitPos, returnCountBits, uint32(len(rec.Channels[c].Returns)))
		bitPos += returnCountBits
	}

	timeOffsetUs, err := encodeTimeOffset(rec.Shot.Timestamp, base, fi.TimeBitWidth)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, int(fi.TimeBitWidth), timeOffsetUs)
	bitPos += int(fi.TimeBitWidth)

	angleCode, err := EncodeScaled(float64(rec.Shot.ScanAngle), fi.AngleScale, int64(signedOffset(offNadirAngleBits)), offNadirAngleBits)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, offNadirAngleBits, angleCode)
	bitPos += offNadirAngleBits

	refLatCode, err := EncodeScaled(rec.ReferenceLat, fi.LatDiffScale, int64(signedOffset(refLatDiffBits)), refLatDiffBits)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, refLatDiffBits, refLatCode)
	bitPos += refLatDiffBits

	refLonCode, err := EncodeLonDiff(rec.ReferenceLon, rec.ReferenceLat, fi.LonDiffScale, int64(signedOffset(refLonDiffBits)), refLonDiffBits)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, refLonDiffBits, refLonCode)
	bitPos += refLonDiffBits

	waterCode, err := EncodeScaled(rec.WaterLevel, fi.ElevScale, int64(signedOffset(waterLevelBits)), waterLevelBits)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, waterLevelBits, waterCode)
	bitPos += waterLevelBits

	vdatumCode, err := EncodeScaled(float64(rec.LocalVerticalDatum), fi.ElevScale, int64(signedOffset(localVertDatumBits)), localVertDatumBits)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, localVertDatumBits, vdatumCode)
	bitPos += localVertDatumBits

	pack(buf, bitPos, userDataBits, uint32(rec.UserData))
	bitPos += userDataBits

	for c := 0; c < ChannelCount; c++ {
		for _, ret := range rec.Channels[c].Returns {
			latCode, err := EncodeScaled(ret.Latitude, fi.LatDiffScale, int64(signedOffset(retLatDiffBits)), retLatDiffBits)
			if err != nil {
				return nil, err
			}
			pack(buf, bitPos, retLatDiffBits, latCode)
			bitPos += retLatDiffBits

			lonCode, err := EncodeLonDiff(ret.Longitude, rec.ReferenceLat, fi.LonDiffScale, int64(signedOffset(retLonDiffBits)), retLonDiffBits)
			if err != nil {
				return nil, err
			}
			pack(buf, bitPos, retLonDiffBits, lonCode)
			bitPos += retLonDiffBits

			elevCode, err := EncodeScaled(ret.Elevation, fi.ElevScale, int64(signedOffset(retElevBits)), retElevBits)
			if err != nil {
				return nil, err
			}
			pack(buf, bitPos, retElevBits, elevCode)
			bitPos += retElevBits

			reflCode, err := EncodeScaled(float64(ret.Reflectance), fi.ReflectanceScale, 0, reflectanceBits)
			if err != nil {
				return nil, err
			}
			pack(buf, bitPos, reflectanceBits, reflCode)
			bitPos += reflectanceBits

			hCode, err := EncodeScaled(float64(ret.HorizontalUncertainty), fi.UncertScale, 0, horizUncertBits)
			if err != nil {
				return nil, err
			}
			pack(buf, bitPos, horizUncertBits, hCode)
			bitPos += horizUncertBits

			vCode, err := EncodeScaled(float64(ret.VerticalUncertainty), fi.UncertScale, 0, vertUncertBits)
			if err != nil {
				return nil, err
			}
			pack(buf, bitPos, vertUncertBits, vCode)
			bitPos += vertUncertBits

			pack(buf, bitPos, statusBits2, uint32(ret.Status))
			bitPos += statusBits2
			pack(buf, bitPos, classificationBits, uint32(ret.Classification))
			bitPos += classificationBits

			ipCode, err := EncodeScaled(float64(ret.InterestPoint), fi.InterestPtScale, 0, interestPointBits)
			if err != nil {
				return nil, err
			}
			pack(buf, bitPos, interestPointBits, ipCode)
			bitPos += interestPointBits

			rankBit := uint32(0)
			if ret.IPRank {
				rankBit = 1
			}
			pack(buf, bitPos, ipRankBits, rankBit)
			bitPos += ipRankBits
		}
	}

	for c := 0; c < ShallowChannelCount; c++ {
		has := uint32(0)
		if rec.Channels[c].HasBareEarth {
			has = 1
		}
		pack(buf, bitPos, hasBareEarthBits, has)
		bitPos += hasBareEarthBits

		latCode, _ := EncodeScaledOrNull(bareEarthValueOrNaN(rec.Channels[c].HasBareEarth, rec.Channels[c].BareEarthLat), fi.LatDiffScale, int64(signedOffset(bareEarthBits)), bareEarthBits)
		pack(buf, bitPos, bareEarthBits, latCode)
		bitPos += bareEarthBits

		lonCode, _ := EncodeScaledOrNull(bareEarthValueOrNaN(rec.Channels[c].HasBareEarth, rec.Channels[c].BareEarthLon), fi.LonDiffScale, int64(signedOffset(bareEarthBits)), bareEarthBits)
		pack(buf, bitPos, bareEarthBits, lonCode)
		bitPos += bareEarthBits

		elevCode, _ := EncodeScaledOrNull(bareEarthValueOrNaN(rec.Channels[c].HasBareEarth, rec.Channels[c].BareEarthElev), fi.ElevScale, int64(signedOffset(bareEarthBits)), bareEarthBits)
		pack(buf, bitPos, bareEarthBits, elevCode)
		bitPos += bareEarthBits
	}

	kdCode, err := EncodeScaled(float64(rec.ShotKd), fi.KdScale, 0, kdBits)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, kdBits, kdCode)
	bitPos += kdBits

	energyCode, err := EncodeScaled(float64(rec.TriggerEnergy), fi.LaserEnergyScale, 0, laserEnergyBits)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, laserEnergyBits, energyCode)
	bitPos += laserEnergyBits

	tipCode, err := EncodeScaled(float64(rec.TriggerInterestPt), fi.InterestPtScale, 0, triggerInterestBits)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, triggerInterestBits, tipCode)
	bitPos += triggerInterestBits

	for c := 0; c < ChannelCount; c++ {
		pack(buf, bitPos, processingModeBits, uint32(rec.Channels[c].ProcessingMode))
		bitPos += processingModeBits
		for _, ret := range rec.Channels[c].Returns {
			probCode, err := EncodeScaled(float64(ret.Probability), fi.ProbabilityScale, 0, probabilityBits)
			if err != nil {
				return nil, err
			}
			pack(buf, bitPos, probabilityBits, probCode)
			bitPos += probabilityBits
			pack(buf, bitPos, filterReasonBits, uint32(ret.FilterReason))
			bitPos += filterReasonBits
		}
	}

	for c := 0; c < ChannelCount; c++ {
		cubeCode, err := EncodeScaled(float64(rec.Channels[c].CubeDetectionIdx), fi.InterestPtScale, int64(signedOffset(cubeDetectionBits)), cubeDetectionBits)
		if err != nil {
			return nil, err
		}
		pack(buf, bitPos, cubeDetectionBits, cubeCode)
		bitPos += cubeDetectionBits
		for _, ret := range rec.Channels[c].Returns {
			diCode, err := EncodeScaled(float64(ret.DetectionIndex), fi.InterestPtScale, int64(signedOffset(detectionIdxBits)), detectionIdxBits)
			if err != nil {
				return nil, err
			}
			pack(buf, bitPos, detectionIdxBits, diCode)
			bitPos += detectionIdxBits
		}
	}

	return buf[:bitsToBytes(bitPos)], nil
}

func bareEarthValueOrNaN(has bool, v float64) float64 {
	if !has {
		return math.NaN()
	}
	return v
}

func decodePointRecord(buf []byte, fi *FormatInfo, base time.Time) (PointRecord, error) {
	returnCountBits := int(bitWidth(uint32(fi.MaxReturns)))

	var rec PointRecord
	bitPos := 0

	counts := make([]int, ChannelCount)
	for c := 0; c < ChannelCount; c++ {
		counts[c] = int(unpack(buf, bitPos, returnCountBits))
		bitPos += returnCountBits
	}

	timeOffsetUs := unpack(buf, bitPos, int(fi.TimeBitWidth))
	rec.Shot.Timestamp = decodeTimeOffset(timeOffsetUs, base)
	bitPos += int(fi.TimeBitWidth)

	angleCode := unpack(buf, bitPos, offNadirAngleBits)
	rec.Shot.ScanAngle = float32(DecodeScaled(angleCode, fi.AngleScale, int64(signedOffset(offNadirAngleBits))))
	bitPos += offNadirAngleBits

	refLatCode := unpack(buf, bitPos, refLatDiffBits)
	rec.ReferenceLat = DecodeScaled(refLatCode, fi.LatDiffScale, int64(signedOffset(refLatDiffBits)))
	bitPos += refLatDiffBits

	refLonCode := unpack(buf, bitPos, refLonDiffBits)
	rec.ReferenceLon = DecodeLonDiff(refLonCode, rec.ReferenceLat, fi.LonDiffScale, int64(signedOffset(refLonDiffBits)))
	bitPos += refLonDiffBits

	waterCode := unpack(buf, bitPos, waterLevelBits)
	rec.WaterLevel = DecodeScaled(waterCode, fi.ElevScale, int64(signedOffset(waterLevelBits)))
	bitPos += waterLevelBits

	vdatumCode := unpack(buf, bitPos, localVertDatumBits)
	rec.LocalVerticalDatum = float32(DecodeScaled(vdatumCode, fi.ElevScale, int64(signedOffset(localVertDatumBits))))
	bitPos += localVertDatumBits

	rec.UserData = uint8(unpack(buf, bitPos, userDataBits))
	bitPos += userDataBits

	for c := 0; c < ChannelCount; c++ {
		rec.Channels[c].Returns = make([]Return, counts[c])
		for i := 0; i < counts[c]; i++ {
			ret := &rec.Channels[c].Returns[i]

			latCode := unpack(buf, bitPos, retLatDiffBits)
			ret.Latitude = DecodeScaled(latCode, fi.LatDiffScale, int64(signedOffset(retLatDiffBits)))
			bitPos += retLatDiffBits

			lonCode := unpack(buf, bitPos, retLonDiffBits)
			ret.Longitude = DecodeLonDiff(lonCode, rec.ReferenceLat, fi.LonDiffScale, int64(signedOffset(retLonDiffBits)))
			bitPos += retLonDiffBits

			elevCode := unpack(buf, bitPos, retElevBits)
			ret.Elevation = DecodeScaled(elevCode, fi.ElevScale, int64(signedOffset(retElevBits)))
			bitPos += retElevBits

			reflCode := unpack(buf, bitPos, reflectanceBits)
			ret.Reflectance = float32(DecodeScaled(reflCode, fi.ReflectanceScale, 0))
			bitPos += reflectanceBits

			hCode := unpack(buf, bitPos, horizUncertBits)
			ret.HorizontalUncertainty = float32(DecodeScaled(hCode, fi.UncertScale, 0))
			bitPos += horizUncertBits

			vCode := unpack(buf, bitPos, vertUncertBits)
			ret.VerticalUncertainty = float32(DecodeScaled(vCode, fi.UncertScale, 0))
			bitPos += vertUncertBits

			ret.Status = ReturnStatus(unpack(buf, bitPos, statusBits2))
			bitPos += statusBits2
			ret.Classification = uint8(unpack(buf, bitPos, classificationBits))
			bitPos += classificationBits

			ipCode := unpack(buf, bitPos, interestPointBits)
			ret.InterestPoint = float32(DecodeScaled(ipCode, fi.InterestPtScale, 0))
			bitPos += interestPointBits

			ret.IPRank = unpack(buf, bitPos, ipRankBits) != 0
			bitPos += ipRankBits
		}
	}

	for c := 0; c < ShallowChannelCount; c++ {
		has := unpack(buf, bitPos, hasBareEarthBits) != 0
		bitPos += hasBareEarthBits
		rec.Channels[c].HasBareEarth = has

		latCode := unpack(buf, bitPos, bareEarthBits)
		bitPos += bareEarthBits
		lonCode := unpack(buf, bitPos, bareEarthBits)
		bitPos += bareEarthBits
		elevCode := unpack(buf, bitPos, bareEarthBits)
		bitPos += bareEarthBits

		if has {
			rec.Channels[c].BareEarthLat = DecodeScaled(latCode, fi.LatDiffScale, int64(signedOffset(bareEarthBits)))
			rec.Channels[c].BareEarthLon = DecodeScaled(lonCode, fi.LonDiffScale, int64(signedOffset(bareEarthBits)))
			rec.Channels[c].BareEarthElev = DecodeScaled(elevCode, fi.ElevScale, int64(signedOffset(bareEarthBits)))
		}
	}

	kdCode := unpack(buf, bitPos, kdBits)
	rec.ShotKd = float32(DecodeScaled(kdCode, fi.KdScale, 0))
	bitPos += kdBits

	energyCode := unpack(buf, bitPos, laserEnergyBits)
	rec.TriggerEnergy = float32(DecodeScaled(energyCode, fi.LaserEnergyScale, 0))
	bitPos += laserEnergyBits

	tipCode := unpack(buf, bitPos, triggerInterestBits)
	rec.TriggerInterestPt = float32(DecodeScaled(tipCode, fi.InterestPtScale, 0))
	bitPos += triggerInterestBits

	for c := 0; c < ChannelCount; c++ {
		rec.Channels[c].ProcessingMode = uint8(unpack(buf, bitPos, processingModeBits))
		bitPos += processingModeBits
		for i := 0; i < counts[c]; i++ {
			probCode := unpack(buf, bitPos, probabilityBits)
			rec.Channels[c].Returns[i].Probability = float32(DecodeScaled(probCode, fi.ProbabilityScale, 0))
			bitPos += probabilityBits
			rec.Channels[c].Returns[i].FilterReason = uint8(unpack(buf, bitPos, filterReasonBits))
			bitPos += filterReasonBits
		}
	}

	for c := 0; c < ChannelCount; c++ {
		cubeCode := unpack(buf, bitPos, cubeDetectionBits)
		rec.Channels[c].CubeDetectionIdx = float32(DecodeScaled(cubeCode, fi.InterestPtScale, int64(signedOffset(cubeDetectionBits))))
		bitPos += cubeDetectionBits
		for i := 0; i < counts[c]; i++ {
			diCode := unpack(buf, bitPos, detectionIdxBits)
			rec.Channels[c].Returns[i].DetectionIndex = float32(DecodeScaled(diCode, fi.InterestPtScale, int64(signedOffset(detectionIdxBits))))
			bitPos += detectionIdxBits
		}
	}

	return rec, nil
}
