package replication

import (
	"fmt"
	"math"
	"slices"

	"netreplica/internal/bitstream"
)

// WriteFullSnapshot writes the element count followed by every element.
func (l *List[T]) WriteFullSnapshot(w *bitstream.Writer) error {
	if len(l.elements) > math.MaxUint16 {
		return ErrTooManyElements
	}
	w.WriteUint16Packed(uint16(len(l.elements)))
	for i, v := range l.elements {
		if err := l.codec.Write(w, v); err != nil {
			return fmt.Errorf("replication: encode element %d: %w", i, err)
		}
	}
	return nil
}

// ReadFullSnapshot replaces the elements with the snapshot in r. Nothing is
// replaced if the snapshot cannot be decoded in full.
func (l *List[T]) ReadFullSnapshot(r *bitstream.Reader) error {
	count, err := r.ReadUint16Packed()
	if err != nil {
		return fmt.Errorf("replication: read snapshot count: %w", err)
	}
	elements := make([]T, 0, count)
	for i := 0; i < int(count); i++ {
		v, err := l.codec.Read(r)
		if err != nil {
			return fmt.Errorf("replication: decode element %d: %w", i, err)
		}
		elements = append(elements, v)
	}
	l.elements = elements
	return nil
}

// WriteDelta writes the pending change log. Remove carries only the value,
// RemoveAt only the index, Clear only its opcode.
func (l *List[T]) WriteDelta(w *bitstream.Writer) error {
	if len(l.changes) > math.MaxUint16 {
		return ErrTooManyEvents
	}
	w.WriteUint16Packed(uint16(len(l.changes)))
	for i, event := range l.changes {
		w.WriteBits(uint64(event.Op), opBits)
		var err error
		switch event.Op {
		case OpAdd, OpInsert, OpSetValue:
			w.WriteInt32Packed(int32(event.Index))
			err = l.codec.Write(w, event.Value)
		case OpRemove:
			err = l.codec.Write(w, event.Value)
		case OpRemoveAt:
			w.WriteInt32Packed(int32(event.Index))
		case OpClear:
		default:
			err = ErrUnknownOp
		}
		if err != nil {
			return fmt.Errorf("replication: encode %s event %d: %w", event.Op, i, err)
		}
	}
	return nil
}

// ReadDelta replays a delta against the local elements. The batch is applied
// atomically: if any event fails, including a *DesyncError, the elements and
// change log are left as they were and no listener runs. Listeners receive
// the locally resolved events; with keepDirtyDelta the resolved events are
// also appended to the change log for onward propagation.
func (l *List[T]) ReadDelta(r *bitstream.Reader, keepDirtyDelta bool) error {
	count, err := r.ReadUint16Packed()
	if err != nil {
		return fmt.Errorf("replication: read delta count: %w", err)
	}
	auth := l.authoritative()
	staged := slices.Clone(l.elements)
	resolved := make([]ChangeEvent[T], 0, count)

	for i := 0; i < int(count); i++ {
		raw, err := r.ReadBits(opBits)
		if err != nil {
			return fmt.Errorf("replication: read opcode %d: %w", i, err)
		}
		op := Op(raw)
		event := ChangeEvent[T]{Op: op}
		switch op {
		case OpAdd:
			if event.Index, event.Value, err = l.readIndexed(r); err != nil {
				break
			}
			switch {
			case event.Index < 0:
				err = indexError(op, event.Index, len(staged))
			case event.Index < len(staged):
				if auth {
					event.Index = len(staged)
					staged = append(staged, event.Value)
				} else {
					staged[event.Index] = event.Value
				}
			case event.Index == len(staged):
				staged = append(staged, event.Value)
			default:
				err = &DesyncError{Index: event.Index, Count: len(staged)}
			}
		case OpInsert:
			if event.Index, event.Value, err = l.readIndexed(r); err != nil {
				break
			}
			if event.Index < 0 || event.Index > len(staged) {
				err = indexError(op, event.Index, len(staged))
				break
			}
			staged = slices.Insert(staged, event.Index, event.Value)
		case OpRemove:
			if event.Value, err = l.codec.Read(r); err != nil {
				break
			}
			// A value the sender never held was recorded with no effect.
			event.Index = slices.Index(staged, event.Value)
			if event.Index >= 0 {
				staged = slices.Delete(staged, event.Index, event.Index+1)
			}
		case OpRemoveAt:
			var index int32
			if index, err = r.ReadInt32Packed(); err != nil {
				break
			}
			event.Index = int(index)
			if event.Index < 0 || event.Index >= len(staged) {
				err = indexError(op, event.Index, len(staged))
				break
			}
			event.Value = staged[event.Index]
			staged = slices.Delete(staged, event.Index, event.Index+1)
		case OpSetValue:
			if event.Index, event.Value, err = l.readIndexed(r); err != nil {
				break
			}
			if event.Index >= 0 && event.Index < len(staged) {
				staged[event.Index] = event.Value
			}
		case OpClear:
			staged = staged[:0]
		default:
			err = ErrUnknownOp
		}
		if err != nil {
			return fmt.Errorf("replication: apply %s event %d: %w", op, i, err)
		}
		resolved = append(resolved, event)
	}

	l.elements = staged
	for _, event := range resolved {
		l.notify(event)
	}
	if keepDirtyDelta {
		l.changes = append(l.changes, resolved...)
	}
	return nil
}

func (l *List[T]) readIndexed(r *bitstream.Reader) (int, T, error) {
	var zero T
	index, err := r.ReadInt32Packed()
	if err != nil {
		return 0, zero, err
	}
	value, err := l.codec.Read(r)
	if err != nil {
		return 0, zero, err
	}
	return int(index), value, nil
}

// MarshalDelta encodes the pending change log into a new buffer.
func (l *List[T]) MarshalDelta() ([]byte, error) {
	w := bitstream.NewWriter(16)
	if err := l.WriteDelta(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// MarshalSnapshot encodes the full element sequence into a new buffer.
func (l *List[T]) MarshalSnapshot() ([]byte, error) {
	w := bitstream.NewWriter(16)
	if err := l.WriteFullSnapshot(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// ApplyDelta decodes p with ReadDelta.
func (l *List[T]) ApplyDelta(p []byte, keepDirtyDelta bool) error {
	return l.ReadDelta(bitstream.NewReader(p), keepDirtyDelta)
}

// ApplySnapshot decodes p with ReadFullSnapshot.
func (l *List[T]) ApplySnapshot(p []byte) error {
	return l.ReadFullSnapshot(bitstream.NewReader(p))
}
