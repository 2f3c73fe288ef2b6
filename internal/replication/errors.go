package replication

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexOutOfRange is returned for indexed access outside the list.
	ErrIndexOutOfRange = errors.New("replication: index out of range")
	// ErrOwnerUnbound is returned when an OwnerOnly check runs without an owner.
	ErrOwnerUnbound = errors.New("replication: owner-only permission requires a bound owner")
	// ErrTooManyEvents is returned when the change log exceeds the 16-bit count prefix.
	ErrTooManyEvents = errors.New("replication: change log exceeds 65535 events")
	// ErrTooManyElements is returned when the list exceeds the 16-bit count prefix.
	ErrTooManyElements = errors.New("replication: list exceeds 65535 elements")
	// ErrUnknownOp is returned when a delta carries an opcode outside the known set.
	ErrUnknownOp = errors.New("replication: unknown delta opcode")
)

// DesyncError reports an Add whose index lies beyond the local list, meaning
// the sender and receiver have diverged past local repair.
type DesyncError struct {
	Index int
	Count int
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("replication: desynchronized list: add at index %d while list has %d elements", e.Index, e.Count)
}

func indexError(op Op, index, length int) error {
	return fmt.Errorf("%w: %s at %d (len %d)", ErrIndexOutOfRange, op, index, length)
}
