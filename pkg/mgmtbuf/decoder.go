package mgmtbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// maxFieldSize caps length-prefixed fields read from the wire.
const maxFieldSize = 16 << 20

var (
	// ErrShortBuffer is returned when the Reader has fewer bytes than required.
	ErrShortBuffer = errors.New("mgmtbuf: insufficient data in buffer")
	// ErrFieldTooLarge is returned when a length prefix exceeds maxFieldSize.
	ErrFieldTooLarge = errors.New("mgmtbuf: field exceeds maximum size")
)

// Reader provides sequential, zero-copy decoding of management payloads.
type Reader struct {
	data   []byte
	offset int
}

// NewReader wraps an existing byte slice for decoding.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.offset
}

// Offset returns the current read position.
func (r *Reader) Offset() int {
	return r.offset
}

// need checks that at least n bytes remain and returns the current offset.
func (r *Reader) need(n int) (int, error) {
	if n < 0 || r.offset+n > len(r.data) {
		return 0, ErrShortBuffer
	}
	off := r.offset
	r.offset += n
	return off, nil
}

func (r *Reader) ReadByte() (byte, error) {
	off, err := r.need(1)
	if err != nil {
		return 0, err
	}
	return r.data[off], nil
}

// ReadBool reads a byte and reports whether it is non-zero.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	off, err := r.need(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(r.data[off:]), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	off, err := r.need(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(r.data[off:]), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadInt64() (int64, error) {
	off, err := r.need(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(r.data[off:])), nil
}

// ReadString reads a length-prefixed UTF-8 string. The returned string holds
// its own copy of the data.
func (r *Reader) ReadString() (string, error) {
	p, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// ReadBytes reads a length-prefixed byte slice. The returned slice is a
// sub-slice of the Reader's underlying buffer (zero-copy).
func (r *Reader) ReadBytes() ([]byte, error) {
	length, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if length > maxFieldSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFieldTooLarge, length)
	}
	off, err := r.need(int(length))
	if err != nil {
		return nil, err
	}
	return r.data[off : off+int(length)], nil
}

// Rest returns every unread byte and advances to the end.
func (r *Reader) Rest() []byte {
	p := r.data[r.offset:]
	r.offset = len(r.data)
	return p
}
