package replication

import (
	"github.com/oklog/ulid/v2"

	"netreplica/internal/bitstream"
)

// Codec encodes list elements for snapshots and deltas.
type Codec[T any] interface {
	Write(w *bitstream.Writer, value T) error
	Read(r *bitstream.Reader) (T, error)
}

// Int32Codec packs values as zig-zag varints.
type Int32Codec struct{}

func (Int32Codec) Write(w *bitstream.Writer, v int32) error {
	w.WriteInt32Packed(v)
	return nil
}

func (Int32Codec) Read(r *bitstream.Reader) (int32, error) {
	return r.ReadInt32Packed()
}

// Int64Codec packs values as zig-zag varints.
type Int64Codec struct{}

func (Int64Codec) Write(w *bitstream.Writer, v int64) error {
	w.WriteVarint(v)
	return nil
}

func (Int64Codec) Read(r *bitstream.Reader) (int64, error) {
	return r.ReadVarint()
}

// Uint32Codec packs values as unsigned varints.
type Uint32Codec struct{}

func (Uint32Codec) Write(w *bitstream.Writer, v uint32) error {
	w.WriteUvarint(uint64(v))
	return nil
}

func (Uint32Codec) Read(r *bitstream.Reader) (uint32, error) {
	v, err := r.ReadUvarint()
	if err != nil {
		return 0, err
	}
	if v > 1<<32-1 {
		return 0, bitstream.ErrOverflow
	}
	return uint32(v), nil
}

// Float32Codec writes raw IEEE-754 singles.
type Float32Codec struct{}

func (Float32Codec) Write(w *bitstream.Writer, v float32) error {
	w.WriteFloat32(v)
	return nil
}

func (Float32Codec) Read(r *bitstream.Reader) (float32, error) {
	return r.ReadFloat32()
}

// Float64Codec writes raw IEEE-754 doubles.
type Float64Codec struct{}

func (Float64Codec) Write(w *bitstream.Writer, v float64) error {
	w.WriteFloat64(v)
	return nil
}

func (Float64Codec) Read(r *bitstream.Reader) (float64, error) {
	return r.ReadFloat64()
}

// BoolCodec writes a single bit.
type BoolCodec struct{}

func (BoolCodec) Write(w *bitstream.Writer, v bool) error {
	w.WriteBool(v)
	return nil
}

func (BoolCodec) Read(r *bitstream.Reader) (bool, error) {
	return r.ReadBool()
}

// StringCodec writes a length-prefixed UTF-8 string.
type StringCodec struct{}

func (StringCodec) Write(w *bitstream.Writer, v string) error {
	w.WriteString(v)
	return nil
}

func (StringCodec) Read(r *bitstream.Reader) (string, error) {
	return r.ReadString()
}

// ULIDCodec writes the 16 raw bytes of an object id.
type ULIDCodec struct{}

func (ULIDCodec) Write(w *bitstream.Writer, v ulid.ULID) error {
	w.WriteBytes(v[:])
	return nil
}

func (ULIDCodec) Read(r *bitstream.Reader) (ulid.ULID, error) {
	var id ulid.ULID
	raw, err := r.ReadBytes(len(id))
	if err != nil {
		return id, err
	}
	copy(id[:], raw)
	return id, nil
}
