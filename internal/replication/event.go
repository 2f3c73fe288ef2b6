package replication

// Op identifies the mutation carried by a ChangeEvent. Values are the 3-bit
// opcodes written on the wire.
type Op uint8

const (
	OpAdd Op = iota
	OpInsert
	OpRemove
	OpRemoveAt
	OpSetValue
	OpClear
)

const opBits = 3

// String implements fmt.Stringer.
func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpInsert:
		return "insert"
	case OpRemove:
		return "remove"
	case OpRemoveAt:
		return "remove_at"
	case OpSetValue:
		return "set_value"
	case OpClear:
		return "clear"
	default:
		return "unknown"
	}
}

// ChangeEvent describes one list mutation. Index is meaningless for Clear
// and, on the sending side, for Remove.
type ChangeEvent[T any] struct {
	Op    Op
	Index int
	Value T
}
