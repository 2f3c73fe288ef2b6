// Package replication defines the structured events emitted by the
// replication and interest layers.
package replication

import (
	"context"

	"netreplica/logging"
)

const (
	// EventGroupFallback is emitted when a spawned object names a group with no registered node.
	EventGroupFallback logging.EventType = "replication.group_fallback"
	// EventDesync is emitted when a receiver cannot apply a delta to its mirror.
	EventDesync logging.EventType = "replication.desync"
	// EventFlushed is emitted after a dirty collection has been sent to its observers.
	EventFlushed logging.EventType = "replication.flushed"
	// EventSendFailed is emitted when the transport rejects a frame.
	EventSendFailed logging.EventType = "replication.send_failed"
	// EventPermissionDenied is emitted when a client is refused access to a collection.
	EventPermissionDenied logging.EventType = "replication.permission_denied"
	// EventResyncRequested is emitted when an observer asks for a full snapshot.
	EventResyncRequested logging.EventType = "replication.resync_requested"
)

// GroupFallbackPayload names the group that was requested and the one used.
type GroupFallbackPayload struct {
	Object    string `json:"object"`
	Requested string `json:"requested,omitempty"`
	Fallback  string `json:"fallback"`
}

// DesyncPayload reports the offending Add index against the local count.
type DesyncPayload struct {
	Collection string `json:"collection"`
	Index      int    `json:"index"`
	Count      int    `json:"count"`
	Error      string `json:"error,omitempty"`
}

// FlushedPayload summarises one collection flush.
type FlushedPayload struct {
	Collection string `json:"collection"`
	Events     int    `json:"events"`
	Deltas     int    `json:"deltas"`
	Snapshots  int    `json:"snapshots"`
	Bytes      int    `json:"bytes"`
}

// SendFailedPayload captures a rejected frame.
type SendFailedPayload struct {
	Collection string `json:"collection"`
	Channel    string `json:"channel"`
	Error      string `json:"error"`
}

// PermissionPayload captures a denied read or write.
type PermissionPayload struct {
	Collection string `json:"collection"`
	Access     string `json:"access"`
	Reason     string `json:"reason,omitempty"`
}

// ResyncPayload captures why a snapshot was requested.
type ResyncPayload struct {
	Collection string `json:"collection"`
	Reason     string `json:"reason"`
}

// GroupFallback publishes a warning when an object lands in the default group.
func GroupFallback(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload GroupFallbackPayload, extra map[string]any) {
	publish(ctx, pub, EventGroupFallback, logging.SeverityWarn, logging.CategoryInterest, tick, actor, payload, extra)
}

// Desync publishes an error when a delta could not be applied.
func Desync(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DesyncPayload, extra map[string]any) {
	publish(ctx, pub, EventDesync, logging.SeverityError, logging.CategoryReplication, tick, actor, payload, extra)
}

// Flushed publishes a debug event per flushed collection.
func Flushed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload FlushedPayload, extra map[string]any) {
	publish(ctx, pub, EventFlushed, logging.SeverityDebug, logging.CategoryReplication, tick, actor, payload, extra)
}

// SendFailed publishes a warning for a frame the transport rejected.
func SendFailed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SendFailedPayload, extra map[string]any) {
	publish(ctx, pub, EventSendFailed, logging.SeverityWarn, logging.CategoryReplication, tick, actor, payload, extra)
}

// PermissionDenied publishes a warning for a refused read or write.
func PermissionDenied(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PermissionPayload, extra map[string]any) {
	publish(ctx, pub, EventPermissionDenied, logging.SeverityWarn, logging.CategoryReplication, tick, actor, payload, extra)
}

// ResyncRequested publishes an info event when an observer needs a snapshot.
func ResyncRequested(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ResyncPayload, extra map[string]any) {
	publish(ctx, pub, EventResyncRequested, logging.SeverityInfo, logging.CategoryReplication, tick, actor, payload, extra)
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, category string, tick uint64, actor logging.EntityRef, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: category,
		Payload:  payload,
		Extra:    extra,
	})
}
