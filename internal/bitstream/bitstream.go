// Package bitstream implements the bit-granular writer and reader used by the
// replication wire formats. Fields are packed MSB-first with no alignment
// between them, so a 3-bit opcode followed by a packed integer occupies only
// the bits it needs.
package bitstream

import (
	"errors"
	"math"
)

// ErrShortBuffer is returned when a read runs past the end of the input.
var ErrShortBuffer = errors.New("bitstream: read past end of buffer")

// ErrOverflow is returned when a packed integer does not fit its target width.
var ErrOverflow = errors.New("bitstream: packed integer overflows target width")

// Writer appends bit fields to an in-memory buffer.
type Writer struct {
	buf  []byte
	bits int
}

// NewWriter constructs a writer with the provided initial capacity in bytes.
func NewWriter(capacity int) *Writer {
	if capacity < 0 {
		capacity = 0
	}
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the written bytes. The final byte is zero padded.
func (w *Writer) Bytes() []byte {
	if w == nil {
		return nil
	}
	return w.buf
}

// BitLen reports the number of bits written so far.
func (w *Writer) BitLen() int {
	if w == nil {
		return 0
	}
	return w.bits
}

// Reset discards all written data, keeping the allocated buffer.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.bits = 0
}

// WriteBits writes the low n bits of value, most significant bit first.
func (w *Writer) WriteBits(value uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		w.writeBit(value&(1<<uint(i)) != 0)
	}
}

// WriteBool writes a single bit.
func (w *Writer) WriteBool(v bool) {
	w.writeBit(v)
}

// WriteByte writes eight bits.
func (w *Writer) WriteByte(b byte) error {
	w.WriteBits(uint64(b), 8)
	return nil
}

// WriteBytes writes each byte of p as eight bits.
func (w *Writer) WriteBytes(p []byte) {
	if w.bits%8 == 0 {
		w.buf = append(w.buf, p...)
		w.bits += len(p) * 8
		return
	}
	for _, b := range p {
		w.WriteBits(uint64(b), 8)
	}
}

// WriteUvarint writes value as a packed unsigned integer: seven payload bits
// per byte, high bit set on every byte except the last.
func (w *Writer) WriteUvarint(value uint64) {
	for value >= 0x80 {
		w.WriteBits(uint64(byte(value)|0x80), 8)
		value >>= 7
	}
	w.WriteBits(value, 8)
}

// WriteVarint writes a zig-zag encoded packed signed integer.
func (w *Writer) WriteVarint(value int64) {
	w.WriteUvarint(uint64(value<<1) ^ uint64(value>>63))
}

// WriteUint16Packed writes a packed unsigned 16-bit value.
func (w *Writer) WriteUint16Packed(value uint16) {
	w.WriteUvarint(uint64(value))
}

// WriteInt32Packed writes a packed zig-zag signed 32-bit value.
func (w *Writer) WriteInt32Packed(value int32) {
	w.WriteVarint(int64(value))
}

// WriteFloat32 writes the IEEE-754 bits of value.
func (w *Writer) WriteFloat32(value float32) {
	w.WriteBits(uint64(math.Float32bits(value)), 32)
}

// WriteFloat64 writes the IEEE-754 bits of value.
func (w *Writer) WriteFloat64(value float64) {
	w.WriteBits(math.Float64bits(value), 64)
}

// WriteString writes a packed length prefix followed by the raw bytes.
func (w *Writer) WriteString(s string) {
	w.WriteUvarint(uint64(len(s)))
	w.WriteBytes([]byte(s))
}

// WriteBlob writes a packed length prefix followed by p.
func (w *Writer) WriteBlob(p []byte) {
	w.WriteUvarint(uint64(len(p)))
	w.WriteBytes(p)
}

func (w *Writer) writeBit(set bool) {
	offset := w.bits % 8
	if offset == 0 {
		w.buf = append(w.buf, 0)
	}
	if set {
		w.buf[len(w.buf)-1] |= 0x80 >> uint(offset)
	}
	w.bits++
}

// Reader consumes bit fields produced by Writer.
type Reader struct {
	buf []byte
	pos int
}

// NewReader constructs a reader over p.
func NewReader(p []byte) *Reader {
	return &Reader{buf: p}
}

// Remaining reports the number of unread bits, including trailing padding.
func (r *Reader) Remaining() int {
	return len(r.buf)*8 - r.pos
}

// ReadBits reads n bits, most significant bit first.
func (r *Reader) ReadBits(n int) (uint64, error) {
	if n < 0 || n > 64 {
		return 0, ErrOverflow
	}
	if r.Remaining() < n {
		return 0, ErrShortBuffer
	}
	var value uint64
	for i := 0; i < n; i++ {
		b := r.buf[r.pos/8]
		bit := (b >> uint(7-r.pos%8)) & 1
		value = value<<1 | uint64(bit)
		r.pos++
	}
	return value, nil
}

// ReadBool reads a single bit.
func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadBits(1)
	return v == 1, err
}

// ReadByte reads eight bits.
func (r *Reader) ReadByte() (byte, error) {
	v, err := r.ReadBits(8)
	return byte(v), err
}

// ReadBytes reads n bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n*8 {
		return nil, ErrShortBuffer
	}
	out := make([]byte, n)
	if r.pos%8 == 0 {
		start := r.pos / 8
		copy(out, r.buf[start:start+n])
		r.pos += n * 8
		return out, nil
	}
	for i := range out {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// ReadUvarint reads a packed unsigned integer.
func (r *Reader) ReadUvarint() (uint64, error) {
	var value uint64
	var shift uint
	for i := 0; i < 10; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if i == 9 && b > 1 {
			return 0, ErrOverflow
		}
		value |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return value, nil
		}
		shift += 7
	}
	return 0, ErrOverflow
}

// ReadVarint reads a zig-zag encoded packed signed integer.
func (r *Reader) ReadVarint() (int64, error) {
	u, err := r.ReadUvarint()
	if err != nil {
		return 0, err
	}
	return int64(u>>1) ^ -int64(u&1), nil
}

// ReadUint16Packed reads a packed unsigned 16-bit value.
func (r *Reader) ReadUint16Packed() (uint16, error) {
	u, err := r.ReadUvarint()
	if err != nil {
		return 0, err
	}
	if u > math.MaxUint16 {
		return 0, ErrOverflow
	}
	return uint16(u), nil
}

// ReadInt32Packed reads a packed zig-zag signed 32-bit value.
func (r *Reader) ReadInt32Packed() (int32, error) {
	v, err := r.ReadVarint()
	if err != nil {
		return 0, err
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, ErrOverflow
	}
	return int32(v), nil
}

// ReadFloat32 reads an IEEE-754 single.
func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadBits(32)
	return math.Float32frombits(uint32(v)), err
}

// ReadFloat64 reads an IEEE-754 double.
func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadBits(64)
	return math.Float64frombits(v), err
}

// ReadString reads a length-prefixed string.
func (r *Reader) ReadString() (string, error) {
	p, err := r.ReadBlob()
	return string(p), err
}

// ReadBlob reads a length-prefixed byte slice.
func (r *Reader) ReadBlob() ([]byte, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()/8) {
		return nil, ErrShortBuffer
	}
	return r.ReadBytes(int(n))
}
