package czmil

import (
	"io"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Index record bit widths: 40+40+24+24 = 128 bits, matching spec
// §4.7's "fixed 16-byte-nominal bit-packed tuple".
const (
	indexOffsetBits   = 40
	indexSizeBits     = 24
	indexRecordBits   = 2*indexOffsetBits + 2*indexSizeBits
	indexRecordBytes  = indexRecordBits / 8
	indexHeaderSize   = 2048
)

// IndexHandle is an open Index (I) file.
type IndexHandle struct {
	header  *FileHeader
	stream  Stream
	cfg     handleConfig
	path    string
	mode    StreamMode
	regID   int
	wPath   string
	pPath   string
	logger  *zap.Logger
}

// CreateIndexFile creates a new, empty index file, recording the
// waveform/point file paths it indexes as application fields so
// RegenerateIndex can find them later without being told again.
func CreateIndexFile(path, waveformPath, pointPath string, opts ...Option) (*IndexHandle, error) {
	cfg := applyOptions(opts)
	installInterruptGuard()

	stream, err := cfg.stream.Open(path, StreamCreate)
	if err != nil {
		return nil, err
	}

	h := NewFileHeader(FileTypeIndex, indexHeaderSize)
	_ = h.AddField("WFILE", waveformPath)
	_ = h.AddField("PFILE", pointPath)
	buf, err := h.Render()
	if err != nil {
		stream.Close()
		return nil, err
	}
	if _, err := stream.Write(buf); err != nil {
		stream.Close()
		return nil, raise(wrapError(ErrFileSystem, "writing index header", err))
	}

	id, err := globalRegistry.acquire(kindIndex, path, stream)
	if err != nil {
		stream.Close()
		return nil, err
	}

	return &IndexHandle{
		header: h, stream: stream, cfg: cfg, path: path, mode: StreamCreate,
		regID: id, wPath: waveformPath, pPath: pointPath, logger: cfg.logger,
	}, nil
}

// OpenIndexFile opens an existing index file. When its header parses
// as an index header but its record count cannot be confirmed equal to
// the W and P record counts, it is regenerated from the W and P files
// its header names. A missing index file is not regenerated: the open
// error is returned. An index whose header fails to parse, or is not
// an index header, is not regenerated either: ErrIndexInconsistent is
// returned.
func OpenIndexFile(path string, opts ...Option) (*IndexHandle, error) {
	cfg := applyOptions(opts)

	stream, err := cfg.stream.Open(path, StreamUpdate)
	if err != nil {
		return nil, err
	}
	h, perr := ParseHeader(stream, indexHeaderSize)
	if perr == nil && h.Type == FileTypeIndex {
		id, err := globalRegistry.acquire(kindIndex, path, stream)
		if err != nil {
			stream.Close()
			return nil, err
		}
		globalRegistry.markFinalized(kindIndex, id)
		wPath, _ := h.GetField("WFILE")
		pPath, _ := h.GetField("PFILE")
		ih := &IndexHandle{
			header: h, stream: stream, cfg: cfg, path: path, mode: StreamUpdate,
			regID: id, wPath: wPath, pPath: pPath, logger: cfg.logger,
		}
		if ok, cerr := ih.consistent(); cerr == nil && ok {
			return ih, nil
		}
		ih.logger.Warn("index file inconsistent with primary files, regenerating", zap.String("path", path))
		globalRegistry.release(kindIndex, id)
		wPath2, pPath2 := wPath, pPath
		stream.Close()
		return RegenerateIndex(path, wPath2, pPath2, opts...)
	}
	stream.Close()

	// header missing/corrupt: we need the W/P paths from the caller's
	// options, since there is nothing left in this file to read them
	// from. Conventionally these are the same basename with different
	// extensions; WithStream callers are expected to pass explicit
	// paths via RegenerateIndex directly in that case.
	return nil, raise(newError(ErrIndexInconsistent, path))
}

// consistent checks the record-count invariant from spec §4.7 (index
// record count = W record count = P record count) by reading only the
// W/P headers, not their bodies. Offsets and sizes are not compared,
// and a short index body is not detected here: reading past its end
// later returns ErrFileSystem.
func (ih *IndexHandle) consistent() (bool, error) {
	wCount, err := readRecordCount(ih.wPath, FileTypeWaveform, waveformHeaderSize, ih.cfg)
	if err != nil {
		return false, nil
	}
	pCount, err := readRecordCount(ih.pPath, FileTypePoint, pointHeaderSize, ih.cfg)
	if err != nil {
		return false, nil
	}
	return ih.header.RecordCount == wCount && ih.header.RecordCount == pCount, nil
}

func readRecordCount(path string, want FileType, headerSize int, cfg handleConfig) (uint64, error) {
	stream, err := cfg.stream.Open(path, StreamReadOnly)
	if err != nil {
		return 0, err
	}
	defer stream.Close()
	h, err := ParseHeader(stream, headerSize)
	if err != nil {
		return 0, err
	}
	if h.Type != want {
		return 0, raise(newError(ErrNotADatasetFile, path))
	}
	return h.RecordCount, nil
}

// RecordCount returns the number of records currently in the file.
func (ih *IndexHandle) RecordCount() uint64 { return ih.header.RecordCount }

// HeaderSize returns the file's fixed header size in bytes.
func (ih *IndexHandle) HeaderSize() int { return ih.header.HeaderSize }

// Close flushes the header and releases the handle's registry slot.
func (ih *IndexHandle) Close() error {
	defer globalRegistry.release(kindIndex, ih.regID)
	if ih.mode != StreamReadOnly {
		if err := ih.flushHeader(); err != nil {
			ih.stream.Close()
			return err
		}
	}
	return ih.stream.Close()
}

func (ih *IndexHandle) flushHeader() error {
	buf, err := ih.header.Render()
	if err != nil {
		return err
	}
	if _, err := ih.stream.Seek(0, io.SeekStart); err != nil {
		return raise(wrapError(ErrFileSystem, "seeking index header", err))
	}
	if _, err := ih.stream.Write(buf); err != nil {
		return raise(wrapError(ErrFileSystem, "writing index header", err))
	}
	return nil
}

func (ih *IndexHandle) recordOffset(ordinal uint32) int64 {
	return int64(ih.header.HeaderSize) + int64(ordinal)*int64(indexRecordBytes)
}

// ReadRecord reads the index entry for a given shot ordinal.
func (ih *IndexHandle) ReadRecord(ordinal uint32) (IndexRecord, error) {
	if _, err := ih.stream.Seek(ih.recordOffset(ordinal), io.SeekStart); err != nil {
		return IndexRecord{}, raise(wrapError(ErrFileSystem, "seeking index record", err))
	}
	buf := make([]byte, indexRecordBytes)
	if _, err := io.ReadFull(ih.stream, buf); err != nil {
		return IndexRecord{}, raise(wrapError(ErrFileSystem, "reading index record", err))
	}
	return decodeIndexRecord(buf), nil
}

// WriteRecord writes (or overwrites) the index entry for ordinal at
// its fixed ordinal*record-size + header-size position (spec §4.7).
func (ih *IndexHandle) WriteRecord(ordinal uint32, rec IndexRecord) error {
	if rec.WSize >= 1<<indexSizeBits || rec.PSize >= 1<<indexSizeBits {
		return raise(newError(ErrValueOutOfRange, "index record size exceeds size-bits width"))
	}
	buf := encodeIndexRecord(rec)
	if _, err := ih.stream.Seek(ih.recordOffset(ordinal), io.SeekStart); err != nil {
		return raise(wrapError(ErrFileSystem, "seeking index record", err))
	}
	if _, err := ih.stream.Write(buf); err != nil {
		return raise(wrapError(ErrFileSystem, "writing index record", err))
	}
	if uint64(ordinal)+1 > ih.header.RecordCount {
		ih.header.RecordCount = uint64(ordinal) + 1
	}
	ih.header.touch()
	return nil
}

// setWaveformEntry is called by the W creator as it appends each
// record (spec §4.7: "written incrementally by the W creator"); the P
// half of the record is left zero until the P creator fills it in.
func (ih *IndexHandle) setWaveformEntry(ordinal uint32, off int64, size uint32) error {
	existing, err := ih.ReadRecord(ordinal)
	if err != nil {
		existing = IndexRecord{}
	}
	if existing.WOffset != 0 && off < existing.WOffset {
		return raise(newError(ErrIndexInconsistent, "waveform offsets must increase monotonically with ordinal"))
	}
	existing.WOffset = off
	existing.WSize = size
	return ih.WriteRecord(ordinal, existing)
}

// setPointEntry is the P-creator analogue of setWaveformEntry.
func (ih *IndexHandle) setPointEntry(ordinal uint32, off int64, size uint32) error {
	existing, err := ih.ReadRecord(ordinal)
	if err != nil {
		existing = IndexRecord{}
	}
	if existing.POffset != 0 && off < existing.POffset {
		return raise(newError(ErrIndexInconsistent, "point offsets must increase monotonically with ordinal"))
	}
	existing.POffset = off
	existing.PSize = size
	return ih.WriteRecord(ordinal, existing)
}

func encodeIndexRecord(rec IndexRecord) []byte {
	buf := make([]byte, indexRecordBytes)
	bitPos := 0
	doublePack(buf, bitPos, indexOffsetBits, uint64(rec.WOffset))
	bitPos += indexOffsetBits
	doublePack(buf, bitPos, indexOffsetBits, uint64(rec.POffset))
	bitPos += indexOffsetBits
	pack(buf, bitPos, indexSizeBits, rec.WSize)
	bitPos += indexSizeBits
	pack(buf, bitPos, indexSizeBits, rec.PSize)
	return buf
}

func decodeIndexRecord(buf []byte) IndexRecord {
	bitPos := 0
	wOff := int64(doubleUnpack(buf, bitPos, indexOffsetBits))
	bitPos += indexOffsetBits
	pOff := int64(doubleUnpack(buf, bitPos, indexOffsetBits))
	bitPos += indexOffsetBits
	wSize := unpack(buf, bitPos, indexSizeBits)
	bitPos += indexSizeBits
	pSize := unpack(buf, bitPos, indexSizeBits)
	return IndexRecord{WOffset: wOff, POffset: pOff, WSize: wSize, PSize: pSize}
}

// RegenerateIndex rebuilds an index file from scratch by scanning the
// W and P files sequentially, reading each record's leading size
// field (spec §4.7). The result is byte-identical to one built
// incrementally, since both paths emit records in the same ordinal
// order using the same encoder.
func RegenerateIndex(indexPath, waveformPath, pointPath string, opts ...Option) (*IndexHandle, error) {
	reportProgress("regenerate-index", 0)

	wh, err := OpenWaveformFile(waveformPath, true, opts...)
	if err != nil {
		return nil, err
	}
	_, wIdx, err := wh.ReadRecordArray(int64(waveformHeaderSize))
	wh.Close()
	if err != nil {
		return nil, err
	}
	reportProgress("regenerate-index", 50)

	ph, err := OpenPointFile(pointPath, true, opts...)
	if err != nil {
		return nil, err
	}
	_, pIdx, err := ph.readRecordArrayFromScratch(int64(pointHeaderSize))
	ph.Close()
	if err != nil {
		return nil, err
	}
	reportProgress("regenerate-index", 90)

	n := lo.Max([]int{len(wIdx), len(pIdx)})

	ih, err := CreateIndexFile(indexPath, waveformPath, pointPath, opts...)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		var rec IndexRecord
		if i < len(wIdx) {
			rec.WOffset = wIdx[i].WOffset
			rec.WSize = wIdx[i].WSize
		}
		if i < len(pIdx) {
			rec.POffset = pIdx[i].POffset
			rec.PSize = pIdx[i].PSize
		}
		if err := ih.WriteRecord(uint32(i), rec); err != nil {
			ih.Close()
			return nil, err
		}
	}
	reportProgress("regenerate-index", 100)
	return ih, nil
}
