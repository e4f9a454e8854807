package czmil

import (
	"io"
	"time"

	"go.uber.org/zap"
)

// Trajectory record bit widths: fixed-width, spec §4.6.
const (
	trajTimeBits      = 32
	trajAngleBits     = 16
	trajLatBits       = 32
	trajLonBits       = 32
	trajAltBits       = 24
	trajAttitudeBits  = 16 // roll, pitch, heading
	trajRangeBits     = 20
	trajIntensityBits = 16

	trajectoryHeaderSize = 4096
	trajectoryRecordBits = trajTimeBits + trajAngleBits + trajLatBits + trajLonBits + trajAltBits +
		3*trajAttitudeBits + 2*ChannelCount*trajRangeBits + 2*ChannelCount*trajIntensityBits
	trajectoryRecordBytes = (trajectoryRecordBits + 7) / 8
)

// TrajectoryHandle is an open Trajectory (T) file.
type TrajectoryHandle struct {
	header *FileHeader
	stream Stream
	cfg    handleConfig
	path   string
	mode   StreamMode
	regID  int
	logger *zap.Logger
}

// CreateTrajectoryFile creates a new T file.
func CreateTrajectoryFile(path string, opts ...Option) (*TrajectoryHandle, error) {
	cfg := applyOptions(opts)
	installInterruptGuard()

	stream, err := cfg.stream.Open(path, StreamCreate)
	if err != nil {
		return nil, err
	}
	h := NewFileHeader(FileTypeTrajectory, trajectoryHeaderSize)
	buf, err := h.Render()
	if err != nil {
		stream.Close()
		return nil, err
	}
	if _, err := stream.Write(buf); err != nil {
		stream.Close()
		return nil, raise(wrapError(ErrFileSystem, "writing trajectory header", err))
	}
	id, err := globalRegistry.acquire(kindTrajectory, path, stream)
	if err != nil {
		stream.Close()
		return nil, err
	}
	return &TrajectoryHandle{header: h, stream: stream, cfg: cfg, path: path, mode: StreamCreate, regID: id, logger: cfg.logger}, nil
}

// OpenTrajectoryFile opens an existing T file.
func OpenTrajectoryFile(path string, readOnly bool, opts ...Option) (*TrajectoryHandle, error) {
	cfg := applyOptions(opts)
	mode := StreamUpdate
	if readOnly {
		mode = StreamReadOnly
	}
	stream, err := cfg.stream.Open(path, mode)
	if err != nil {
		return nil, err
	}
	h, err := ParseHeader(stream, trajectoryHeaderSize)
	if err != nil {
		stream.Close()
		return nil, err
	}
	if h.Type != FileTypeTrajectory {
		stream.Close()
		return nil, raise(newError(ErrNotADatasetFile, path))
	}
	id, err := globalRegistry.acquire(kindTrajectory, path, stream)
	if err != nil {
		stream.Close()
		return nil, err
	}
	globalRegistry.markFinalized(kindTrajectory, id)
	return &TrajectoryHandle{header: h, stream: stream, cfg: cfg, path: path, mode: mode, regID: id, logger: cfg.logger}, nil
}

// RecordCount returns the number of records currently in the file.
func (th *TrajectoryHandle) RecordCount() uint64 { return th.header.RecordCount }

// HeaderSize returns the file's fixed header size in bytes.
func (th *TrajectoryHandle) HeaderSize() int { return th.header.HeaderSize }

// Close flushes the header and releases the handle's registry slot.
func (th *TrajectoryHandle) Close() error {
	defer globalRegistry.release(kindTrajectory, th.regID)
	if th.mode != StreamReadOnly {
		if err := th.flushHeader(); err != nil {
			th.stream.Close()
			return err
		}
	}
	return th.stream.Close()
}

func (th *TrajectoryHandle) flushHeader() error {
	buf, err := th.header.Render()
	if err != nil {
		return err
	}
	if _, err := th.stream.Seek(0, io.SeekStart); err != nil {
		return raise(wrapError(ErrFileSystem, "seeking trajectory header", err))
	}
	if _, err := th.stream.Write(buf); err != nil {
		return raise(wrapError(ErrFileSystem, "writing trajectory header", err))
	}
	return nil
}

func (th *TrajectoryHandle) recordOffset(ordinal uint32) int64 {
	return int64(th.header.HeaderSize) + int64(ordinal)*int64(trajectoryRecordBytes)
}

// WriteRecord encodes a fixed-width trajectory record and writes it at
// ordinal's own offset (HeaderSize + ordinal*trajectoryRecordBytes).
// Ordinals may be written in any order and append order is not
// enforced: writing an ordinal that already holds a record overwrites
// it. RecordCount becomes the highest ordinal written plus one.
func (th *TrajectoryHandle) WriteRecord(ordinal uint32, rec TrajectoryRecord) error {
	buf, err := encodeTrajectoryRecord(&rec, &th.header.Format, th.header.Created)
	if err != nil {
		return err
	}
	if _, err := th.stream.Seek(th.recordOffset(ordinal), io.SeekStart); err != nil {
		return raise(wrapError(ErrFileSystem, "seeking trajectory record", err))
	}
	if _, err := th.stream.Write(buf); err != nil {
		return raise(wrapError(ErrFileSystem, "writing trajectory record", err))
	}
	if uint64(ordinal)+1 > th.header.RecordCount {
		th.header.RecordCount = uint64(ordinal) + 1
	}
	th.header.touch()
	return nil
}

// ReadRecord reads and decodes the fixed-width record at ordinal.
func (th *TrajectoryHandle) ReadRecord(ordinal uint32) (TrajectoryRecord, error) {
	if _, err := th.stream.Seek(th.recordOffset(ordinal), io.SeekStart); err != nil {
		return TrajectoryRecord{}, raise(wrapError(ErrFileSystem, "seeking trajectory record", err))
	}
	buf := make([]byte, trajectoryRecordBytes)
	if _, err := io.ReadFull(th.stream, buf); err != nil {
		return TrajectoryRecord{}, raise(wrapError(ErrFileSystem, "reading trajectory record", err))
	}
	return decodeTrajectoryRecord(buf, &th.header.Format, th.header.Created), nil
}

// ReadRecordArray reads count consecutive records starting at start.
func (th *TrajectoryHandle) ReadRecordArray(start, count int) ([]TrajectoryRecord, error) {
	out := make([]TrajectoryRecord, count)
	for i := 0; i < count; i++ {
		rec, err := th.ReadRecord(uint32(start + i))
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

// encodeTrajectoryRecord serializes a fixed-width trajectory record.
// The time offset stays a fixed 32-bit field (trajTimeBits) rather
// than FormatInfo.TimeBitWidth: T records are addressed directly by
// ordinal*trajectoryRecordBytes, so the per-record byte length cannot
// vary with a per-file header value the way W/P's leading-size-field
// records can. Every scale, however, comes from fi.
func encodeTrajectoryRecord(rec *TrajectoryRecord, fi *FormatInfo, base time.Time) ([]byte, error) {
	buf := make([]byte, trajectoryRecordBytes)
	bitPos := 0

	timeOffsetUs, err := encodeTimeOffset(rec.Shot.Timestamp, base, trajTimeBits)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, trajTimeBits, timeOffsetUs)
	bitPos += trajTimeBits

	angleCode, err := EncodeScaled(float64(rec.Shot.ScanAngle), fi.AngleScale, int64(signedOffset(trajAngleBits)), trajAngleBits)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, trajAngleBits, angleCode)
	bitPos += trajAngleBits

	latCode, err := EncodeScaled(rec.PlatformLat, fi.LatLonAbsScale, int64(signedOffset(trajLatBits)), trajLatBits)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, trajLatBits, latCode)
	bitPos += trajLatBits

	lonCode, err := EncodeLonDiff(rec.PlatformLon, rec.PlatformLat, fi.LatLonAbsScale, int64(signedOffset(trajLonBits)), trajLonBits)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, trajLonBits, lonCode)
	bitPos += trajLonBits

	altCode, err := EncodeScaled(rec.Altitude, fi.AltitudeScale, int64(signedOffset(trajAltBits)), trajAltBits)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, trajAltBits, altCode)
	bitPos += trajAltBits

	rollCode, err := EncodeScaled(float64(rec.Roll), fi.AngleScale, int64(signedOffset(trajAttitudeBits)), trajAttitudeBits)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, trajAttitudeBits, rollCode)
	bitPos += trajAttitudeBits
	pitchCode, err := EncodeScaled(float64(rec.Pitch), fi.AngleScale, int64(signedOffset(trajAttitudeBits)), trajAttitudeBits)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, trajAttitudeBits, pitchCode)
	bitPos += trajAttitudeBits
	headingCode, err := EncodeScaled(float64(rec.Heading), fi.AngleScale, int64(signedOffset(trajAttitudeBits)), trajAttitudeBits)
	if err != nil {
		return nil, err
	}
	pack(buf, bitPos, trajAttitudeBits, headingCode)
	bitPos += trajAttitudeBits

	for c := 0; c < ChannelCount; c++ {
		rc, err := EncodeScaled(float64(rec.Range[c]), fi.RangeScale, 0, trajRangeBits)
		if err != nil {
			return nil, err
		}
		pack(buf, bitPos, trajRangeBits, rc)
		bitPos += trajRangeBits
	}
	for c := 0; c < ChannelCount; c++ {
		rc, err := EncodeScaled(float64(rec.RangeInWater[c]), fi.RangeScale, 0, trajRangeBits)
		if err != nil {
			return nil, err
		}
		pack(buf, bitPos, trajRangeBits, rc)
		bitPos += trajRangeBits
	}
	for c := 0; c < ChannelCount; c++ {
		ic, err := EncodeScaled(float64(rec.Intensity[c]), fi.IntensityScale, 0, trajIntensityBits)
		if err != nil {
			return nil, err
		}
		pack(buf, bitPos, trajIntensityBits, ic)
		bitPos += trajIntensityBits
	}
	for c := 0; c < ChannelCount; c++ {
		ic, err := EncodeScaled(float64(rec.IntensityInWater[c]), fi.IntensityScale, 0, trajIntensityBits)
		if err != nil {
			return nil, err
		}
		pack(buf, bitPos, trajIntensityBits, ic)
		bitPos += trajIntensityBits
	}

	return buf, nil
}

func decodeTrajectoryRecord(buf []byte, fi *FormatInfo, base time.Time) TrajectoryRecord {
	var rec TrajectoryRecord
	bitPos := 0

	timeOffsetUs := unpack(buf, bitPos, trajTimeBits)
	rec.Shot.Timestamp = decodeTimeOffset(timeOffsetUs, base)
	bitPos += trajTimeBits

	angleCode := unpack(buf, bitPos, trajAngleBits)
	rec.Shot.ScanAngle = float32(DecodeScaled(angleCode, fi.AngleScale, int64(signedOffset(trajAngleBits))))
	bitPos += trajAngleBits

	latCode := unpack(buf, bitPos, trajLatBits)
	rec.PlatformLat = DecodeScaled(latCode, fi.LatLonAbsScale, int64(signedOffset(trajLatBits)))
	bitPos += trajLatBits

	lonCode := unpack(buf, bitPos, trajLonBits)
	rec.PlatformLon = DecodeLonDiff(lonCode, rec.PlatformLat, fi.LatLonAbsScale, int64(signedOffset(trajLonBits)))
	bitPos += trajLonBits

	altCode := unpack(buf, bitPos, trajAltBits)
	rec.Altitude = DecodeScaled(altCode, fi.AltitudeScale, int64(signedOffset(trajAltBits)))
	bitPos += trajAltBits

	rollCode := unpack(buf, bitPos, trajAttitudeBits)
	rec.Roll = float32(DecodeScaled(rollCode, fi.AngleScale, int64(signedOffset(trajAttitudeBits))))
	bitPos += trajAttitudeBits
	pitchCode := unpack(buf, bitPos, trajAttitudeBits)
	rec.Pitch = float32(DecodeScaled(pitchCode, fi.AngleScale, int64(signedOffset(trajAttitudeBits))))
	bitPos += trajAttitudeBits
	headingCode := unpack(buf, bitPos, trajAttitudeBits)
	rec.Heading = float32(DecodeScaled(headingCode, fi.AngleScale, int64(signedOffset(trajAttitudeBits))))
	bitPos += trajAttitudeBits

	for c := 0; c < ChannelCount; c++ {
		rc := unpack(buf, bitPos, trajRangeBits)
		rec.Range[c] = float32(DecodeScaled(rc, fi.RangeScale, 0))
		bitPos += trajRangeBits
	}
	for c := 0; c < ChannelCount; c++ {
		rc := unpack(buf, bitPos, trajRangeBits)
		rec.RangeInWater[c] = float32(DecodeScaled(rc, fi.RangeScale, 0))
		bitPos += trajRangeBits
	}
	for c := 0; c < ChannelCount; c++ {
		ic := unpack(buf, bitPos, trajIntensityBits)
		rec.Intensity[c] = float32(DecodeScaled(ic, fi.IntensityScale, 0))
		bitPos += trajIntensityBits
	}
	for c := 0; c < ChannelCount; c++ {
		ic := unpack(buf, bitPos, trajIntensityBits)
		rec.IntensityInWater[c] = float32(DecodeScaled(ic, fi.IntensityScale, 0))
		bitPos += trajIntensityBits
	}

	return rec
}
