package lifecycle

import (
	"context"

	"netreplica/logging"
)

const (
	// EventObjectSpawned is emitted when the registry spawns a replicable object.
	EventObjectSpawned logging.EventType = "lifecycle.object_spawned"
	// EventObjectDespawned is emitted when the registry despawns an object.
	EventObjectDespawned logging.EventType = "lifecycle.object_despawned"
	// EventUnknownDespawn is emitted when a despawn names an id the registry does not hold.
	EventUnknownDespawn logging.EventType = "lifecycle.unknown_despawn"
	// EventOwnershipChanged is emitted when an object changes owner.
	EventOwnershipChanged logging.EventType = "lifecycle.ownership_changed"
	// EventClientConnected is emitted when a client session starts.
	EventClientConnected logging.EventType = "lifecycle.client_connected"
	// EventClientDisconnected is emitted when a client session ends.
	EventClientDisconnected logging.EventType = "lifecycle.client_disconnected"
)

// ObjectPayload describes a spawned or despawned object.
type ObjectPayload struct {
	Group string `json:"group"`
	Owner uint64 `json:"owner"`
}

// OwnershipPayload records an ownership transfer.
type OwnershipPayload struct {
	Previous uint64 `json:"previous"`
	Owner    uint64 `json:"owner"`
}

// ClientPayload describes a client session.
type ClientPayload struct {
	Remote string `json:"remote,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ObjectSpawned publishes an object spawn event.
func ObjectSpawned(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ObjectPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventObjectSpawned,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// ObjectDespawned publishes an object despawn event.
func ObjectDespawned(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ObjectPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventObjectDespawned,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// UnknownDespawn publishes a warning for a despawn of an unregistered id.
func UnknownDespawn(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventUnknownDespawn,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryLifecycle,
		Extra:    extra,
	})
}

// OwnershipChanged publishes an ownership transfer.
func OwnershipChanged(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload OwnershipPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventOwnershipChanged,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// ClientConnected publishes a session start. traceID ties the session's
// events together.
func ClientConnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, traceID string, payload ClientPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventClientConnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		TraceID:  traceID,
	})
}

// ClientDisconnected publishes a session end.
func ClientDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, traceID string, payload ClientPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventClientDisconnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		TraceID:  traceID,
	})
}
