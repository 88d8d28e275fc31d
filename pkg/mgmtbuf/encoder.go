// Package mgmtbuf implements the binary payload codec used by management
// requests and responses. All multi-byte integers are big-endian.
package mgmtbuf

import "encoding/binary"

// Buffer is a growable byte buffer that management payloads are written into.
type Buffer struct {
	data []byte
}

// NewBuffer returns a Buffer pre-allocated with the given capacity.
func NewBuffer(cap int) *Buffer {
	return &Buffer{data: make([]byte, 0, cap)}
}

// Bytes returns the accumulated encoded bytes.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Reset clears the buffer for reuse.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}

// grow ensures room for n additional bytes, returning the write offset.
func (b *Buffer) grow(n int) int {
	off := len(b.data)
	need := off + n
	if need <= cap(b.data) {
		b.data = b.data[:need]
		return off
	}
	newCap := cap(b.data) * 2
	if newCap < need {
		newCap = need
	}
	tmp := make([]byte, need, newCap)
	copy(tmp, b.data)
	b.data = tmp
	return off
}

// WriteByte appends a single byte. It never fails; the error return only
// satisfies io.ByteWriter.
func (b *Buffer) WriteByte(v byte) error {
	off := b.grow(1)
	b.data[off] = v
	return nil
}

// WriteHeader appends a one-byte field tag.
func (b *Buffer) WriteHeader(tag byte) {
	_ = b.WriteByte(tag)
}

// WriteBool appends 1 for true and 0 for false.
func (b *Buffer) WriteBool(v bool) {
	if v {
		_ = b.WriteByte(1)
		return
	}
	_ = b.WriteByte(0)
}

func (b *Buffer) WriteUint16(v uint16) {
	off := b.grow(2)
	binary.BigEndian.PutUint16(b.data[off:], v)
}

func (b *Buffer) WriteUint32(v uint32) {
	off := b.grow(4)
	binary.BigEndian.PutUint32(b.data[off:], v)
}

func (b *Buffer) WriteInt32(v int32) {
	b.WriteUint32(uint32(v))
}

func (b *Buffer) WriteInt64(v int64) {
	off := b.grow(8)
	binary.BigEndian.PutUint64(b.data[off:], uint64(v))
}

// WriteString appends a length-prefixed UTF-8 string (uint32 length + bytes).
func (b *Buffer) WriteString(s string) {
	b.WriteUint32(uint32(len(s)))
	off := b.grow(len(s))
	copy(b.data[off:], s)
}

// WriteBytes appends a length-prefixed byte slice (uint32 length + bytes).
func (b *Buffer) WriteBytes(p []byte) {
	b.WriteUint32(uint32(len(p)))
	b.WriteRaw(p)
}

// WriteRaw appends p without a length prefix.
func (b *Buffer) WriteRaw(p []byte) {
	off := b.grow(len(p))
	copy(b.data[off:], p)
}
