// Package buffer holds partition images being reassembled in memory.
package buffer

import (
	"errors"
	"io"
)

// ReadWriteBuffer implements io.WriterAt and io.ReaderAt on an in-memory
// buffer. The zero value is an empty buffer ready to use.
type ReadWriteBuffer struct {
	d []byte
	i int64 // current reading index
	m int
}

// NewReadWriteBuffer creates a ReadWriteBuffer with the given initial size and
// maximum. If maximum is <= 0 it is unlimited.
func NewReadWriteBuffer(size, max int) *ReadWriteBuffer {
	if max < size && max >= 0 {
		max = size
	}
	return &ReadWriteBuffer{make([]byte, size), 0, max}
}

// Reset resets the buffer to hold b, keeping the configured maximum.
func (rw *ReadWriteBuffer) Reset(b []byte) {
	*rw = ReadWriteBuffer{b, 0, rw.m}
}

// Size returns the number of bytes available for reading via ReadAt.
func (rw *ReadWriteBuffer) Size() int64 { return int64(len(rw.d)) }

// Bytes returns the underlying data. The slice stays valid only until the
// next method call on the ReadWriteBuffer.
func (rw *ReadWriteBuffer) Bytes() []byte {
	return rw.d
}

// WriteAt implements the io.WriterAt interface, growing the buffer up to the
// configured maximum as needed.
func (rw *ReadWriteBuffer) WriteAt(dat []byte, off int64) (int, error) {
	if int(off) < 0 {
		return 0, errors.New("buffer.ReadWriteBuffer.WriteAt: negative offset")
	}
	if int(off)+len(dat) > rw.m && rw.m > 0 {
		return 0, errors.New("buffer.ReadWriteBuffer.WriteAt: offset out of range")
	}
	// Fast path extension
	if int(off) == len(rw.d) {
		rw.d = append(rw.d, dat...)
		return len(dat), nil
	}
	// Slower path extension
	if int(off)+len(dat) >= len(rw.d) {
		nd := make([]byte, int(off)+len(dat))
		copy(nd, rw.d)
		rw.d = nd
	}
	// Once no extension is needed just copy bytes into place.
	copy(rw.d[int(off):], dat)
	return len(dat), nil
}

// Read implements the io.Reader interface.
func (rw *ReadWriteBuffer) Read(b []byte) (n int, err error) {
	if rw.i >= int64(len(rw.d)) {
		return 0, io.EOF
	}
	n = copy(b, rw.d[rw.i:])
	rw.i += int64(n)
	return
}

// ReadAt implements the io.ReaderAt interface.
func (rw *ReadWriteBuffer) ReadAt(b []byte, off int64) (n int, err error) {
	// cannot modify state - see io.ReaderAt
	if off < 0 {
		return 0, errors.New("buffer.ReadWriteBuffer.ReadAt: negative offset")
	}
	if off >= int64(len(rw.d)) {
		return 0, io.EOF
	}
	n = copy(b, rw.d[off:])
	if n < len(b) {
		err = io.EOF
	}
	return
}
