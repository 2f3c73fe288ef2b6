// Package spawn keeps the authoritative table of replicable objects and
// connected clients. It assigns object ids, tracks ownership and player
// objects, and notifies the interest layer of spawns and despawns.
package spawn

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/oklog/ulid/v2"

	"netreplica/internal/interest"
	"netreplica/internal/replication"
	"netreplica/logging"
	"netreplica/logging/lifecycle"
)

var (
	ErrClientExists  = errors.New("spawn: client already connected")
	ErrUnknownClient = errors.New("spawn: unknown client")
	ErrNotSpawned    = errors.New("spawn: object is not spawned")
	ErrPlayerExists  = errors.New("spawn: client already has a player object")
	ErrPlayerOwner   = errors.New("spawn: player objects keep their owner")
)

// Object is a replicable entity. Its group is fixed at spawn.
type Object struct {
	ID       ulid.ULID
	Kind     string
	Position interest.Vec3

	group   *interest.Group
	owner   replication.ClientID
	player  bool
	spawned bool
}

// ReplicationGroup implements interest.Replicable.
func (o *Object) ReplicationGroup() *interest.Group { return o.group }

// OwnerClientID implements replication.Owner.
func (o *Object) OwnerClientID() replication.ClientID { return o.owner }

// OwnedByServer reports whether no client owns the object.
func (o *Object) OwnedByServer() bool { return o.owner == replication.ServerClientID }

func (o *Object) IsPlayer() bool  { return o.player }
func (o *Object) IsSpawned() bool { return o.spawned }

func (o *Object) String() string { return o.ID.String() }

// Client is a connected peer.
type Client struct {
	ID     replication.ClientID
	Player *Object
	owned  []*Object
}

// OwnedObjects returns the non-player objects the client owns.
func (c *Client) OwnedObjects() []*Object {
	return slices.Clone(c.owned)
}

func (c *Client) dropOwned(obj *Object) {
	c.owned = slices.DeleteFunc(c.owned, func(candidate *Object) bool { return candidate == obj })
}

// Observer is notified of spawns and despawns, typically the interest
// manager.
type Observer interface {
	HandleSpawn(obj *Object) error
	HandleDespawn(obj *Object) bool
}

// Options describes an object to spawn.
type Options struct {
	Kind     string
	Group    *interest.Group
	Owner    replication.ClientID
	Player   bool
	Position interest.Vec3
}

// Registry is the object and client table. It is not safe for concurrent
// use; drive it from the simulation goroutine.
type Registry struct {
	objects   map[ulid.ULID]*Object
	clients   map[replication.ClientID]*Client
	observer  Observer
	publisher logging.Publisher
	tick      func() uint64
}

func NewRegistry(observer Observer, publisher logging.Publisher) *Registry {
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &Registry{
		objects:   make(map[ulid.ULID]*Object),
		clients:   make(map[replication.ClientID]*Client),
		observer:  observer,
		publisher: publisher,
	}
}

// SetTickSource supplies the simulation tick stamped on emitted events.
func (r *Registry) SetTickSource(tick func() uint64) {
	r.tick = tick
}

func (r *Registry) currentTick() uint64 {
	if r.tick == nil {
		return 0
	}
	return r.tick()
}

// Connect registers a client.
func (r *Registry) Connect(id replication.ClientID) (*Client, error) {
	if id == replication.ServerClientID {
		return nil, fmt.Errorf("spawn: client id %d is reserved for the server", id)
	}
	if _, exists := r.clients[id]; exists {
		return nil, fmt.Errorf("%w: %d", ErrClientExists, id)
	}
	client := &Client{ID: id}
	r.clients[id] = client
	return client, nil
}

// Disconnect removes a client and despawns its player and owned objects.
func (r *Registry) Disconnect(id replication.ClientID) bool {
	client, ok := r.clients[id]
	if !ok {
		return false
	}
	for _, obj := range client.OwnedObjects() {
		r.Despawn(obj.ID)
	}
	if client.Player != nil {
		r.Despawn(client.Player.ID)
	}
	delete(r.clients, id)
	return true
}

func (r *Registry) Client(id replication.ClientID) (*Client, bool) {
	client, ok := r.clients[id]
	return client, ok
}

// Clients lists connected clients ordered by id.
func (r *Registry) Clients() []*Client {
	out := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		out = append(out, client)
	}
	slices.SortFunc(out, func(a, b *Client) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// PlayerObject returns the player object of a connected client.
func (r *Registry) PlayerObject(id replication.ClientID) (*Object, bool) {
	client, ok := r.clients[id]
	if !ok || client.Player == nil {
		return nil, false
	}
	return client.Player, true
}

// Spawn creates an object with a fresh id and hands it to the observer. If
// the observer rejects it, nothing is registered.
func (r *Registry) Spawn(opts Options) (*Object, error) {
	var owner *Client
	if opts.Owner != replication.ServerClientID {
		client, ok := r.clients[opts.Owner]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownClient, opts.Owner)
		}
		owner = client
	}
	if opts.Player {
		if owner == nil {
			return nil, fmt.Errorf("spawn: player objects need a client owner")
		}
		if owner.Player != nil {
			return nil, fmt.Errorf("%w: %d", ErrPlayerExists, owner.ID)
		}
	}

	obj := &Object{
		ID:       ulid.Make(),
		Kind:     opts.Kind,
		Position: opts.Position,
		group:    opts.Group,
		owner:    opts.Owner,
		player:   opts.Player,
	}
	if r.observer != nil {
		if err := r.observer.HandleSpawn(obj); err != nil {
			return nil, fmt.Errorf("spawn: %s: %w", obj.ID, err)
		}
	}
	obj.spawned = true
	r.objects[obj.ID] = obj
	if owner != nil {
		if opts.Player {
			owner.Player = obj
		} else {
			owner.owned = append(owner.owned, obj)
		}
	}

	lifecycle.ObjectSpawned(context.Background(), r.publisher, r.currentTick(), logging.Ref(logging.EntityKindObject, obj.ID), lifecycle.ObjectPayload{
		Group: groupName(obj.group),
		Owner: uint64(obj.owner),
	}, map[string]any{"kind": obj.Kind, "player": obj.player})
	return obj, nil
}

// Despawn removes an object. Unknown ids are reported as a warning and
// ignored.
func (r *Registry) Despawn(id ulid.ULID) bool {
	obj, ok := r.objects[id]
	if !ok {
		lifecycle.UnknownDespawn(context.Background(), r.publisher, r.currentTick(), logging.Ref(logging.EntityKindObject, id), nil)
		return false
	}
	if owner, ok := r.clients[obj.owner]; ok {
		owner.dropOwned(obj)
		if owner.Player == obj {
			owner.Player = nil
		}
	}
	if r.observer != nil {
		r.observer.HandleDespawn(obj)
	}
	obj.spawned = false
	delete(r.objects, id)

	lifecycle.ObjectDespawned(context.Background(), r.publisher, r.currentTick(), logging.Ref(logging.EntityKindObject, id), lifecycle.ObjectPayload{
		Group: groupName(obj.group),
		Owner: uint64(obj.owner),
	}, nil)
	return true
}

func (r *Registry) Object(id ulid.ULID) (*Object, bool) {
	obj, ok := r.objects[id]
	return obj, ok
}

// Objects lists spawned objects ordered by id, which is spawn order.
func (r *Registry) Objects() []*Object {
	out := make([]*Object, 0, len(r.objects))
	for _, obj := range r.objects {
		out = append(out, obj)
	}
	slices.SortFunc(out, func(a, b *Object) int { return a.ID.Compare(b.ID) })
	return out
}

// CollectAll adds every spawned object to results. It backs the interest
// manager's bypass mode.
func (r *Registry) CollectAll(results interest.Set[*Object]) {
	for _, obj := range r.objects {
		results.Add(obj)
	}
}

// ChangeOwnership transfers obj to client.
func (r *Registry) ChangeOwnership(obj *Object, client replication.ClientID) error {
	if obj == nil || !obj.spawned {
		return ErrNotSpawned
	}
	if obj.player {
		return ErrPlayerOwner
	}
	target, ok := r.clients[client]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownClient, client)
	}
	previous := obj.owner
	if current, ok := r.clients[previous]; ok {
		current.dropOwned(obj)
	}
	target.owned = append(target.owned, obj)
	obj.owner = client
	lifecycle.OwnershipChanged(context.Background(), r.publisher, r.currentTick(), logging.Ref(logging.EntityKindObject, obj.ID), lifecycle.OwnershipPayload{
		Previous: uint64(previous),
		Owner:    uint64(client),
	}, nil)
	return nil
}

// RemoveOwnership hands obj back to the server.
func (r *Registry) RemoveOwnership(obj *Object) error {
	if obj == nil || !obj.spawned {
		return ErrNotSpawned
	}
	if obj.player {
		return ErrPlayerOwner
	}
	previous := obj.owner
	if current, ok := r.clients[previous]; ok {
		current.dropOwned(obj)
	}
	obj.owner = replication.ServerClientID
	lifecycle.OwnershipChanged(context.Background(), r.publisher, r.currentTick(), logging.Ref(logging.EntityKindObject, obj.ID), lifecycle.OwnershipPayload{
		Previous: uint64(previous),
		Owner:    uint64(replication.ServerClientID),
	}, nil)
	return nil
}

func groupName(group *interest.Group) string {
	if group == nil {
		return ""
	}
	return group.Name
}
