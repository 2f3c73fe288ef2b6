package proto

import (
	"encoding/json"
	"fmt"

	"netreplica/internal/replication"
)

// Client message type identifiers.
const (
	TypeResync = "resync"
	TypeMutate = "mutate"
)

// Server message type identifiers.
const (
	TypeHello         = "hello"
	TypeCommandAck    = "commandAck"
	TypeCommandReject = "commandReject"
)

// ClientMessage captures an inbound text message from the client.
type ClientMessage struct {
	Ver        int             `json:"ver,omitempty"`
	Type       string          `json:"type"`
	Collection string          `json:"collection"`
	Op         string          `json:"op,omitempty"`
	Index      int             `json:"index,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Seq        uint64          `json:"seq,omitempty"`
}

// DecodeClientMessage converts a raw text payload into a validated message.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("unsupported client protocol version %d", msg.Ver)
	}
	switch msg.Type {
	case TypeResync:
	case TypeMutate:
		if _, err := ParseOp(msg.Op); err != nil {
			return msg, err
		}
	default:
		return msg, fmt.Errorf("unknown message type %q", msg.Type)
	}
	if msg.Collection == "" {
		return msg, fmt.Errorf("%s message without collection", msg.Type)
	}
	return msg, nil
}

var opNames = map[string]replication.Op{
	"add":      replication.OpAdd,
	"insert":   replication.OpInsert,
	"remove":   replication.OpRemove,
	"removeAt": replication.OpRemoveAt,
	"set":      replication.OpSetValue,
	"clear":    replication.OpClear,
}

// ParseOp maps the textual op of a mutate message onto a replication.Op.
func ParseOp(name string) (replication.Op, error) {
	op, ok := opNames[name]
	if !ok {
		return 0, fmt.Errorf("unknown mutate op %q", name)
	}
	return op, nil
}

// OpName is the inverse of ParseOp.
func OpName(op replication.Op) string {
	for name, candidate := range opNames {
		if candidate == op {
			return name
		}
	}
	return ""
}

// ResyncMessage asks the server for a fresh snapshot of a collection.
func ResyncMessage(collection, reason string) ClientMessage {
	return ClientMessage{Ver: Version, Type: TypeResync, Collection: collection, Reason: reason}
}

// MutateMessage asks the server to apply op to a collection.
func MutateMessage(collection string, op replication.Op, index int, value any) (ClientMessage, error) {
	name := OpName(op)
	if name == "" {
		return ClientMessage{}, fmt.Errorf("unknown mutate op %d", op)
	}
	msg := ClientMessage{Ver: Version, Type: TypeMutate, Collection: collection, Op: name, Index: index}
	if value != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			return ClientMessage{}, fmt.Errorf("encode mutate value: %w", err)
		}
		msg.Value = raw
	}
	return msg, nil
}

// HelloMessage greets a client once its session is registered.
type HelloMessage struct {
	Ver      int    `json:"ver"`
	Type     string `json:"type"`
	ClientID uint64 `json:"clientId"`
	Session  string `json:"session"`
	TickRate int    `json:"tickRate"`
}

// CommandAckMessage confirms a command was queued for Tick.
type CommandAckMessage struct {
	Ver  int    `json:"ver"`
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
	Tick uint64 `json:"tick,omitempty"`
}

// CommandRejectMessage reports a command that was not accepted.
type CommandRejectMessage struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	Seq        uint64 `json:"seq,omitempty"`
	Collection string `json:"collection,omitempty"`
	Reason     string `json:"reason"`
	Retry      bool   `json:"retry,omitempty"`
}

// ServerMessage is the union decoded by clients from text frames.
type ServerMessage struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	ClientID   uint64 `json:"clientId,omitempty"`
	Session    string `json:"session,omitempty"`
	TickRate   int    `json:"tickRate,omitempty"`
	Seq        uint64 `json:"seq,omitempty"`
	Tick       uint64 `json:"tick,omitempty"`
	Collection string `json:"collection,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Retry      bool   `json:"retry,omitempty"`
}
