package czmil

import (
	"encoding/binary"
	"io"

	"go.uber.org/zap"
)

// CAF record layout: a leading 16-bit size field (audit records are
// small and fixed-shape, unlike W/P's 32-bit lead) followed by the
// packed fields themselves, spec §4.11.
const (
	cafOrdinalBits = 32
	cafChannelBits = 8
	cafModeBits    = 8
	cafInterestBits = 16
	cafReturnIdxBits = 8
	cafReturnCntBits = 8

	cafRecordBits  = cafOrdinalBits + cafChannelBits + cafModeBits + cafInterestBits + cafReturnIdxBits + cafReturnCntBits
	cafRecordBytes = (cafRecordBits + 7) / 8
	cafLeadBytes   = 2

	cafHeaderSize = 1024
)

// CAFHandle is an open classification audit log (CAF) file: append-only,
// read by a reprocessing collaborator via a sequential cursor rather
// than random-access ordinal lookup, per spec §4.11.
type CAFHandle struct {
	header *FileHeader
	stream Stream
	cfg    handleConfig
	path   string
	mode   StreamMode
	regID  int
	cursor int64
	logger *zap.Logger
}

// CreateCAF creates a new, empty audit log.
func CreateCAF(path string, opts ...Option) (*CAFHandle, error) {
	cfg := applyOptions(opts)
	installInterruptGuard()

	stream, err := cfg.stream.Open(path, StreamCreate)
	if err != nil {
		return nil, err
	}
	h := NewFileHeader(FileTypeCAF, cafHeaderSize)
	buf, err := h.Render()
	if err != nil {
		stream.Close()
		return nil, err
	}
	if _, err := stream.Write(buf); err != nil {
		stream.Close()
		return nil, raise(wrapError(ErrFileSystem, "writing caf header", err))
	}
	id, err := globalRegistry.acquire(kindCAF, path, stream)
	if err != nil {
		stream.Close()
		return nil, err
	}
	return &CAFHandle{
		header: h, stream: stream, cfg: cfg, path: path, mode: StreamCreate,
		regID: id, cursor: int64(h.HeaderSize), logger: cfg.logger,
	}, nil
}

// OpenCAF opens an existing audit log, positioning the read cursor at
// its first record.
func OpenCAF(path string, readOnly bool, opts ...Option) (*CAFHandle, error) {
	cfg := applyOptions(opts)
	mode := StreamUpdate
	if readOnly {
		mode = StreamReadOnly
	}
	stream, err := cfg.stream.Open(path, mode)
	if err != nil {
		return nil, err
	}
	h, err := ParseHeader(stream, cafHeaderSize)
	if err != nil {
		stream.Close()
		return nil, err
	}
	if h.Type != FileTypeCAF {
		stream.Close()
		return nil, raise(newError(ErrNotADatasetFile, path))
	}
	id, err := globalRegistry.acquire(kindCAF, path, stream)
	if err != nil {
		stream.Close()
		return nil, err
	}
	globalRegistry.markFinalized(kindCAF, id)
	return &CAFHandle{
		header: h, stream: stream, cfg: cfg, path: path, mode: mode,
		regID: id, cursor: int64(h.HeaderSize), logger: cfg.logger,
	}, nil
}

// RecordCount returns the number of records currently in the log.
func (ch *CAFHandle) RecordCount() uint64 { return ch.header.RecordCount }

// HeaderSize returns the file's fixed header size in bytes.
func (ch *CAFHandle) HeaderSize() int { return ch.header.HeaderSize }

// Close flushes the header and releases the handle's registry slot.
func (ch *CAFHandle) Close() error {
	defer globalRegistry.release(kindCAF, ch.regID)
	if ch.mode != StreamReadOnly {
		if err := ch.flushHeader(); err != nil {
			ch.stream.Close()
			return err
		}
	}
	return ch.stream.Close()
}

func (ch *CAFHandle) flushHeader() error {
	buf, err := ch.header.Render()
	if err != nil {
		return err
	}
	if _, err := ch.stream.Seek(0, io.SeekStart); err != nil {
		return raise(wrapError(ErrFileSystem, "seeking caf header", err))
	}
	if _, err := ch.stream.Write(buf); err != nil {
		return raise(wrapError(ErrFileSystem, "writing caf header", err))
	}
	return nil
}

// WriteNext appends one audit record at the end of the log.
func (ch *CAFHandle) WriteNext(rec AuditRecord) error {
	payload := encodeAuditRecord(&rec, &ch.header.Format)
	full := make([]byte, cafLeadBytes+len(payload))
	binary.BigEndian.PutUint16(full, uint16(len(full)))
	copy(full[cafLeadBytes:], payload)

	if _, err := ch.stream.Seek(0, io.SeekEnd); err != nil {
		return raise(wrapError(ErrFileSystem, "seeking caf end", err))
	}
	if _, err := ch.stream.Write(full); err != nil {
		return raise(wrapError(ErrFileSystem, "writing caf record", err))
	}
	ch.header.RecordCount++
	ch.header.touch()
	return nil
}

// ReadNext reads the next sequential record and advances the cursor,
// returning io.EOF once the log is exhausted.
func (ch *CAFHandle) ReadNext() (AuditRecord, error) {
	if _, err := ch.stream.Seek(ch.cursor, io.SeekStart); err != nil {
		return AuditRecord{}, raise(wrapError(ErrFileSystem, "seeking caf record", err))
	}
	lead := make([]byte, cafLeadBytes)
	if _, err := io.ReadFull(ch.stream, lead); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return AuditRecord{}, io.EOF
		}
		return AuditRecord{}, raise(wrapError(ErrFileSystem, "reading caf record", err))
	}
	size := binary.BigEndian.Uint16(lead)
	payload := make([]byte, int(size)-cafLeadBytes)
	if _, err := io.ReadFull(ch.stream, payload); err != nil {
		return AuditRecord{}, raise(wrapError(ErrFileSystem, "reading caf record payload", err))
	}
	ch.cursor += int64(size)
	return decodeAuditRecord(payload, &ch.header.Format), nil
}

// Rewind resets the sequential cursor to the first record.
func (ch *CAFHandle) Rewind() {
	ch.cursor = int64(ch.header.HeaderSize)
}

func encodeAuditRecord(rec *AuditRecord, fi *FormatInfo) []byte {
	buf := make([]byte, cafRecordBytes)
	bitPos := 0
	pack(buf, bitPos, cafOrdinalBits, rec.Ordinal)
	bitPos += cafOrdinalBits
	pack(buf, bitPos, cafChannelBits, uint32(rec.Channel))
	bitPos += cafChannelBits
	pack(buf, bitPos, cafModeBits, uint32(rec.ProcessingMode))
	bitPos += cafModeBits
	interestCode, err := EncodeScaled(float64(rec.InterestPoint), fi.InterestPtScale, int64(signedOffset(cafInterestBits)), cafInterestBits)
	if err != nil {
		interestCode = NullCode(cafInterestBits)
	}
	pack(buf, bitPos, cafInterestBits, interestCode)
	bitPos += cafInterestBits
	pack(buf, bitPos, cafReturnIdxBits, uint32(rec.ReturnIndex))
	bitPos += cafReturnIdxBits
	pack(buf, bitPos, cafReturnCntBits, uint32(rec.ReturnCount))
	return buf
}

func decodeAuditRecord(buf []byte, fi *FormatInfo) AuditRecord {
	var rec AuditRecord
	bitPos := 0
	rec.Ordinal = unpack(buf, bitPos, cafOrdinalBits)
	bitPos += cafOrdinalBits
	rec.Channel = uint8(unpack(buf, bitPos, cafChannelBits))
	bitPos += cafChannelBits
	rec.ProcessingMode = uint8(unpack(buf, bitPos, cafModeBits))
	bitPos += cafModeBits
	interestCode := unpack(buf, bitPos, cafInterestBits)
	rec.InterestPoint = float32(DecodeScaled(interestCode, fi.InterestPtScale, int64(signedOffset(cafInterestBits))))
	bitPos += cafInterestBits
	rec.ReturnIndex = uint8(unpack(buf, bitPos, cafReturnIdxBits))
	bitPos += cafReturnIdxBits
	rec.ReturnCount = uint8(unpack(buf, bitPos, cafReturnCntBits))
	return rec
}
