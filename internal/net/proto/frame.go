// Package proto defines what travels over a client connection: binary
// replication frames (server to client) and JSON control messages (both
// directions).
package proto

import (
	"errors"
	"fmt"

	"netreplica/internal/bitstream"
)

// Version tracks the wire-protocol revision expected by clients.
const Version = 1

// FrameKind tags a binary replication frame.
type FrameKind uint8

const (
	// FrameSnapshot carries a full collection snapshot.
	FrameSnapshot FrameKind = iota + 1
	// FrameDelta carries a collection change log.
	FrameDelta
	// FrameForget tells the client a collection left its interest set.
	FrameForget
)

func (k FrameKind) String() string {
	switch k {
	case FrameSnapshot:
		return "snapshot"
	case FrameDelta:
		return "delta"
	case FrameForget:
		return "forget"
	default:
		return fmt.Sprintf("frame(%d)", uint8(k))
	}
}

// ErrUnknownFrame is returned for frames with an unrecognised kind or
// version.
var ErrUnknownFrame = errors.New("proto: unknown frame")

// Header precedes every frame body.
type Header struct {
	Kind       FrameKind
	Tick       uint64
	Collection string
}

// EncodeFrame writes the header and then lets body append its payload to
// the same bit stream, so a delta's trailing bits are not padded twice.
func EncodeFrame(header Header, body func(w *bitstream.Writer) error) ([]byte, error) {
	if header.Collection == "" {
		return nil, fmt.Errorf("proto: frame without collection")
	}
	w := bitstream.NewWriter(32)
	w.WriteBits(Version, 4)
	w.WriteBits(uint64(header.Kind), 4)
	w.WriteUvarint(header.Tick)
	w.WriteString(header.Collection)
	if body != nil {
		if err := body(w); err != nil {
			return nil, fmt.Errorf("proto: encode %s body for %s: %w", header.Kind, header.Collection, err)
		}
	}
	return w.Bytes(), nil
}

// DecodeFrame parses the header and returns a reader positioned at the body.
func DecodeFrame(p []byte) (Header, *bitstream.Reader, error) {
	r := bitstream.NewReader(p)
	var header Header
	version, err := r.ReadBits(4)
	if err != nil {
		return header, nil, fmt.Errorf("proto: read version: %w", err)
	}
	if version != Version {
		return header, nil, fmt.Errorf("%w: version %d", ErrUnknownFrame, version)
	}
	kind, err := r.ReadBits(4)
	if err != nil {
		return header, nil, fmt.Errorf("proto: read kind: %w", err)
	}
	header.Kind = FrameKind(kind)
	switch header.Kind {
	case FrameSnapshot, FrameDelta, FrameForget:
	default:
		return header, nil, fmt.Errorf("%w: kind %d", ErrUnknownFrame, kind)
	}
	if header.Tick, err = r.ReadUvarint(); err != nil {
		return header, nil, fmt.Errorf("proto: read tick: %w", err)
	}
	if header.Collection, err = r.ReadString(); err != nil {
		return header, nil, fmt.Errorf("proto: read collection: %w", err)
	}
	return header, r, nil
}
