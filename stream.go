package czmil

import (
	"bytes"
	"io"
	"os"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// Stream is the generic I/O surface every file handle is built on, so
// that the same record codecs work whether the four files live on
// local disk or behind TileDB's virtual file system (object storage,
// HDFS, memfs, ...). Only Read, Write, Seek and Close are needed by
// the record layout engines; nothing above this layer cares which
// backend it is talking to.
type Stream interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// StreamMode selects how a stream is opened, mirroring spec §6's
// {update, readonly, readonly-sequential} handle modes.
type StreamMode int

const (
	StreamCreate StreamMode = iota
	StreamUpdate
	StreamReadOnly
	StreamReadOnlySequential
)

// streamOpener is the seam an Option can override (WithStream) to pick
// a backend other than the local filesystem.
type streamOpener interface {
	Open(path string, mode StreamMode) (Stream, error)
}

// osStreamOpener is the default backend: plain *os.File.
type osStreamOpener struct{}

func (osStreamOpener) Open(path string, mode StreamMode) (Stream, error) {
	switch mode {
	case StreamCreate:
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, raise(wrapError(ErrFileSystem, "create "+path, err))
		}
		return f, nil
	case StreamUpdate:
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, raise(wrapError(ErrFileSystem, "open "+path+" for update", err))
		}
		return f, nil
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, raise(wrapError(ErrFileSystem, "open "+path+" read-only", err))
		}
		return f, nil
	}
}

// tiledbVFSOpener backs the four files with TileDB's VFS abstraction,
// so a path of the form "s3://bucket/flight.czw" works the same as a
// local path. The VFS write handle TileDB exposes is append-only and
// has no byte-range Seek, so StreamUpdate is realized here by reading
// the whole object into memory, mutating it, and rewriting it on
// Close; this is adequate for the record sizes this format produces
// but is a real cost difference from the local-disk backend, which
// updates in place.
type tiledbVFSOpener struct {
	ctx *tiledb.Context
	vfs *tiledb.VFS
}

// NewTileDBStreamOpener constructs a streamOpener backed by the given
// TileDB context and VFS, for use with WithStream.
func NewTileDBStreamOpener(ctx *tiledb.Context, vfs *tiledb.VFS) streamOpener {
	return tiledbVFSOpener{ctx: ctx, vfs: vfs}
}

func (o tiledbVFSOpener) Open(path string, mode StreamMode) (Stream, error) {
	switch mode {
	case StreamCreate:
		fh, err := o.vfs.Open(path, tiledb.TILEDB_VFS_WRITE)
		if err != nil {
			return nil, wrapError(ErrFileSystem, "tiledb vfs create "+path, err)
		}
		return &vfsAppendStream{fh: fh}, nil
	case StreamUpdate:
		return newVFSBufferedStream(o.vfs, path)
	default:
		fh, err := o.vfs.Open(path, tiledb.TILEDB_VFS_READ)
		if err != nil {
			return nil, wrapError(ErrFileSystem, "tiledb vfs open "+path, err)
		}
		size, err := o.vfs.FileSize(path)
		if err != nil {
			return nil, wrapError(ErrFileSystem, "tiledb vfs stat "+path, err)
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(fh, buf); err != nil {
			fh.Close()
			return nil, wrapError(ErrFileSystem, "tiledb vfs read "+path, err)
		}
		fh.Close()
		return &bufferSeekStream{Reader: bytes.NewReader(buf)}, nil
	}
}

// vfsAppendStream wraps a write-mode VFS handle; Seek is only valid
// as a no-op "where am I" query since the handle is append-only.
type vfsAppendStream struct {
	fh  *tiledb.VFSfh
	pos int64
}

func (s *vfsAppendStream) Read(p []byte) (int, error) { return 0, io.EOF }

func (s *vfsAppendStream) Write(p []byte) (int, error) {
	n, err := s.fh.Write(p)
	s.pos += int64(n)
	return n, err
}

func (s *vfsAppendStream) Seek(offset int64, whence int) (int64, error) {
	if offset == 0 && whence == io.SeekCurrent {
		return s.pos, nil
	}
	return 0, newError(ErrFileSystem, "seek is not supported on a VFS append stream")
}

func (s *vfsAppendStream) Close() error { return s.fh.Close() }

// bufferSeekStream adapts a fully-buffered, read-only object into the
// Stream interface.
type bufferSeekStream struct{ *bytes.Reader }

func (bufferSeekStream) Write(p []byte) (int, error) {
	return 0, newError(ErrFileSystem, "stream was opened read-only")
}
func (bufferSeekStream) Close() error { return nil }

// vfsBufferedStream gives update semantics over object storage by
// buffering the full object in memory and flushing it back on Close.
type vfsBufferedStream struct {
	vfs  *tiledb.VFS
	path string
	buf  *bytes.Reader
	data []byte
	pos  int64
}

func newVFSBufferedStream(vfs *tiledb.VFS, path string) (*vfsBufferedStream, error) {
	exists, err := vfs.IsFile(path)
	if err != nil {
		return nil, wrapError(ErrFileSystem, "tiledb vfs stat "+path, err)
	}
	var data []byte
	if exists {
		size, err := vfs.FileSize(path)
		if err != nil {
			return nil, wrapError(ErrFileSystem, "tiledb vfs stat "+path, err)
		}
		fh, err := vfs.Open(path, tiledb.TILEDB_VFS_READ)
		if err != nil {
			return nil, wrapError(ErrFileSystem, "tiledb vfs open "+path, err)
		}
		data = make([]byte, size)
		_, err = io.ReadFull(fh, data)
		fh.Close()
		if err != nil {
			return nil, wrapError(ErrFileSystem, "tiledb vfs read "+path, err)
		}
	}
	return &vfsBufferedStream{vfs: vfs, path: path, data: data}, nil
}

func (s *vfsBufferedStream) Read(p []byte) (int, error) {
	n := copy(p, s.data[s.pos:])
	s.pos += int64(n)
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *vfsBufferedStream) Write(p []byte) (int, error) {
	end := s.pos + int64(len(p))
	if end > int64(len(s.data)) {
		grown := make([]byte, end)
		copy(grown, s.data)
		s.data = grown
	}
	copy(s.data[s.pos:end], p)
	s.pos = end
	return len(p), nil
}

func (s *vfsBufferedStream) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = s.pos + offset
	case io.SeekEnd:
		newPos = int64(len(s.data)) + offset
	}
	if newPos < 0 {
		return 0, newError(ErrFileSystem, "negative seek position")
	}
	s.pos = newPos
	return s.pos, nil
}

func (s *vfsBufferedStream) Close() error {
	fh, err := s.vfs.Open(s.path, tiledb.TILEDB_VFS_WRITE)
	if err != nil {
		return wrapError(ErrFileSystem, "tiledb vfs flush "+s.path, err)
	}
	defer fh.Close()
	_, err = fh.Write(s.data)
	if err != nil {
		return wrapError(ErrFileSystem, "tiledb vfs flush "+s.path, err)
	}
	return nil
}

// Tell reports the current position within a stream, the way the
// teacher's Tell helper does for the read side of GSF.
func Tell(s Stream) (int64, error) {
	return s.Seek(0, io.SeekCurrent)
}
