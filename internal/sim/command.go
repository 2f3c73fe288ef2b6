// Package sim confines replicated state to one goroutine. Connection
// goroutines stage commands in a ring buffer; the loop drains them once per
// tick and hands them to the owner of the world.
package sim

import (
	"encoding/json"
	"time"

	"netreplica/internal/replication"
)

// CommandType enumerates the supported simulation commands.
type CommandType string

const (
	CommandConnect    CommandType = "Connect"
	CommandDisconnect CommandType = "Disconnect"
	CommandMutate     CommandType = "Mutate"
	CommandResync     CommandType = "Resync"
)

// MutateCommand asks the server to change a replicated collection on the
// client's behalf.
type MutateCommand struct {
	Op    replication.Op  `json:"op"`
	Index int             `json:"index"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Command represents an intent captured for processing on the next tick.
type Command struct {
	OriginTick uint64               `json:"originTick"`
	ClientID   replication.ClientID `json:"clientId"`
	Type       CommandType          `json:"type"`
	IssuedAt   time.Time            `json:"issuedAt"`
	Collection string               `json:"collection,omitempty"`
	Mutate     *MutateCommand       `json:"mutate,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	TraceID    string               `json:"traceId,omitempty"`
	Seq        uint64               `json:"seq,omitempty"`
}
