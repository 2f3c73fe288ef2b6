// Package broadcast flushes replicated collections to their observers once
// per tick. Each client receives a snapshot the first time a collection
// becomes relevant and readable, deltas while it stays that way, and a
// forget frame when it stops being either.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"netreplica/internal/bitstream"
	"netreplica/internal/interest"
	"netreplica/internal/net/proto"
	"netreplica/internal/replication"
	"netreplica/internal/spawn"
	"netreplica/internal/telemetry"
	"netreplica/logging"
	loggingreplication "netreplica/logging/replication"
)

const (
	metricFramesSent    = "replication_frames_sent_total"
	metricBytesSent     = "replication_bytes_sent_total"
	metricSnapshotsSent = "replication_snapshots_sent_total"
	metricSendFailures  = "replication_send_failures_total"
	metricDirty         = "replication_dirty_collections"
	metricObservers     = "replication_observers"
	defaultResyncReason = "requested"
)

var (
	ErrDuplicateCollection = errors.New("broadcast: collection already registered")
	ErrUnknownCollection   = errors.New("broadcast: unknown collection")
)

// Collection is the flush-side view of a replicated collection.
// *replication.List satisfies it.
type Collection interface {
	Channel() string
	CanRead(client replication.ClientID) (bool, error)
	IsDirty() bool
	Pending() int
	ResetDirty()
	WriteFullSnapshot(w *bitstream.Writer) error
	WriteDelta(w *bitstream.Writer) error
}

// Transport delivers one encoded frame to one client.
type Transport interface {
	Send(ctx context.Context, client replication.ClientID, channel string, payload []byte) error
}

// TransportFunc adapts a function into a Transport.
type TransportFunc func(ctx context.Context, client replication.ClientID, channel string, payload []byte) error

func (f TransportFunc) Send(ctx context.Context, client replication.ClientID, channel string, payload []byte) error {
	return f(ctx, client, channel, payload)
}

// Interest computes the objects relevant to a client.
type Interest interface {
	QueryFor(client *spawn.Client, results interest.Set[*spawn.Object])
	GroupOf(obj *spawn.Object) (*interest.Group, bool)
}

// Clients lists the connected observers.
type Clients interface {
	Clients() []*spawn.Client
}

// Deps bundles the driver's collaborators.
type Deps struct {
	Interest  Interest
	Clients   Clients
	Transport Transport
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Clock     func() time.Time
}

type entry struct {
	name   string
	coll   Collection
	object *spawn.Object
	forced bool
}

// Driver owns the per-client knowledge of which collections were
// bootstrapped. It is confined to the simulation goroutine.
type Driver struct {
	interest  Interest
	clients   Clients
	transport Transport
	publisher logging.Publisher
	metrics   telemetry.Metrics
	clock     func() time.Time

	entries map[string]*entry
	order   []string
	known   map[replication.ClientID]map[string]struct{}
	tick    uint64
}

// NewDriver constructs a driver. Interest, Clients and Transport are required.
func NewDriver(deps Deps) *Driver {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Driver{
		interest:  deps.Interest,
		clients:   deps.Clients,
		transport: deps.Transport,
		publisher: publisher,
		metrics:   metrics,
		clock:     clock,
		entries:   make(map[string]*entry),
		known:     make(map[replication.ClientID]map[string]struct{}),
	}
}

// Register adds a collection under name. A nil object makes the collection
// global: it is relevant to every client regardless of interest.
func (d *Driver) Register(name string, coll Collection, object *spawn.Object) error {
	if name == "" || coll == nil {
		return fmt.Errorf("broadcast: register requires a name and a collection")
	}
	if _, exists := d.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCollection, name)
	}
	d.entries[name] = &entry{name: name, coll: coll, object: object}
	d.order = append(d.order, name)
	return nil
}

// Unregister removes a collection, telling every client that knew it to
// forget it.
func (d *Driver) Unregister(ctx context.Context, name string) bool {
	e, ok := d.entries[name]
	if !ok {
		return false
	}
	var frame []byte
	for client, known := range d.known {
		if _, has := known[name]; !has {
			continue
		}
		delete(known, name)
		if frame == nil {
			encoded, err := proto.EncodeFrame(proto.Header{Kind: proto.FrameForget, Tick: d.tick, Collection: name}, nil)
			if err != nil {
				break
			}
			frame = encoded
		}
		d.send(ctx, client, e, frame)
	}
	delete(d.entries, name)
	for i, candidate := range d.order {
		if candidate == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

// Collection returns the collection registered under name.
func (d *Driver) Collection(name string) (Collection, bool) {
	e, ok := d.entries[name]
	if !ok {
		return nil, false
	}
	return e.coll, true
}

// Names lists registered collections in registration order.
func (d *Driver) Names() []string {
	return append([]string(nil), d.order...)
}

// RequestResync forgets what client knows about name so the next flush
// bootstraps it with a snapshot. An empty name resyncs every collection.
func (d *Driver) RequestResync(ctx context.Context, client replication.ClientID, name, reason string) error {
	if name != "" {
		if _, ok := d.entries[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCollection, name)
		}
	}
	if reason == "" {
		reason = defaultResyncReason
	}
	known := d.known[client]
	if name == "" {
		clear(known)
	} else {
		delete(known, name)
	}
	loggingreplication.ResyncRequested(ctx, d.publisher, d.tick, logging.Ref(logging.EntityKindClient, client), loggingreplication.ResyncPayload{
		Collection: name,
		Reason:     reason,
	}, nil)
	return nil
}

// DropClient discards everything known about client.
func (d *Driver) DropClient(client replication.ClientID) {
	delete(d.known, client)
}

// Knows reports whether client has been bootstrapped with name.
func (d *Driver) Knows(client replication.ClientID, name string) bool {
	_, ok := d.known[client][name]
	return ok
}

// ForceFlush marks a collection to be flushed on the next tick even when its
// send rate would not report it dirty. Collections with a negative rate rely
// on this.
func (d *Driver) ForceFlush(name string) error {
	e, ok := d.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	e.forced = true
	return nil
}

type flushState struct {
	entry    *entry
	dirty    bool
	events   int
	snapshot []byte
	delta    []byte
	forget   []byte
	encErr   bool
	stats    loggingreplication.FlushedPayload
	sentAny  bool
}

// Flush runs one replication pass for tick.
func (d *Driver) Flush(ctx context.Context, tick uint64) {
	d.tick = tick
	states := make([]*flushState, 0, len(d.order))
	dirtyCount := 0
	for _, name := range d.order {
		e := d.entries[name]
		pending := e.coll.Pending()
		dirty := e.coll.IsDirty() || (e.forced && pending > 0)
		if dirty {
			dirtyCount++
		}
		states = append(states, &flushState{
			entry:  e,
			dirty:  dirty,
			events: pending,
			stats:  loggingreplication.FlushedPayload{Collection: name, Events: pending},
		})
	}
	d.metrics.Store(metricDirty, uint64(dirtyCount))

	clients := d.clients.Clients()
	live := make(map[replication.ClientID]struct{}, len(clients))
	aoi := interest.NewSet[*spawn.Object]()
	for _, client := range clients {
		live[client.ID] = struct{}{}
		clear(aoi)
		d.interest.QueryFor(client, aoi)
		known := d.known[client.ID]
		if known == nil {
			known = make(map[string]struct{})
			d.known[client.ID] = known
		}
		for _, state := range states {
			d.flushClient(ctx, client, aoi, known, state)
		}
	}
	for id := range d.known {
		if _, ok := live[id]; !ok {
			delete(d.known, id)
		}
	}

	now := d.clock()
	observers := 0
	for _, known := range d.known {
		observers += len(known)
	}
	d.metrics.Store(metricObservers, uint64(observers))

	for _, state := range states {
		e := state.entry
		if !state.dirty {
			continue
		}
		e.coll.ResetDirty()
		e.forced = false
		if state.sentAny && e.object != nil {
			if group, ok := d.interest.GroupOf(e.object); ok && group != nil {
				group.Settings.LastReplicated = now
			}
		}
		loggingreplication.Flushed(ctx, d.publisher, tick, logging.Ref(logging.EntityKindCollection, e.name), state.stats, nil)
	}
}

func (d *Driver) flushClient(ctx context.Context, client *spawn.Client, aoi interest.Set[*spawn.Object], known map[string]struct{}, state *flushState) {
	e := state.entry
	_, isKnown := known[e.name]

	relevant := e.object == nil || aoi.Has(e.object)
	readable := false
	if relevant {
		readable = d.canRead(ctx, client.ID, e)
	}
	if !relevant || !readable {
		if !isKnown {
			return
		}
		delete(known, e.name)
		frame := d.frame(ctx, state, proto.FrameForget)
		if frame != nil {
			d.send(ctx, client.ID, e, frame)
		}
		return
	}

	if !isKnown {
		// A snapshot already reflects the pending log, so it may only be
		// sent when that log is about to be reset or is empty.
		if !state.dirty && state.events > 0 {
			return
		}
		frame := d.frame(ctx, state, proto.FrameSnapshot)
		if frame == nil {
			return
		}
		if d.send(ctx, client.ID, e, frame) {
			known[e.name] = struct{}{}
			state.stats.Snapshots++
			state.stats.Bytes += len(frame)
			state.sentAny = true
			d.metrics.Add(metricSnapshotsSent, 1)
		}
		return
	}

	if !state.dirty {
		return
	}
	frame := d.frame(ctx, state, proto.FrameDelta)
	if frame == nil {
		delete(known, e.name)
		return
	}
	if d.send(ctx, client.ID, e, frame) {
		state.stats.Deltas++
		state.stats.Bytes += len(frame)
		state.sentAny = true
		return
	}
	delete(known, e.name)
}

func (d *Driver) canRead(ctx context.Context, client replication.ClientID, e *entry) bool {
	allowed, err := e.coll.CanRead(client)
	if err != nil {
		loggingreplication.PermissionDenied(ctx, d.publisher, d.tick, logging.Ref(logging.EntityKindClient, client), loggingreplication.PermissionPayload{
			Collection: e.name,
			Access:     "read",
			Reason:     err.Error(),
		}, nil)
		return false
	}
	return allowed
}

// frame encodes a frame kind for the collection at most once per tick.
func (d *Driver) frame(ctx context.Context, state *flushState, kind proto.FrameKind) []byte {
	var slot *[]byte
	var body func(*bitstream.Writer) error
	switch kind {
	case proto.FrameSnapshot:
		slot, body = &state.snapshot, state.entry.coll.WriteFullSnapshot
	case proto.FrameDelta:
		slot, body = &state.delta, state.entry.coll.WriteDelta
	default:
		slot = &state.forget
	}
	if *slot != nil {
		return *slot
	}
	encoded, err := proto.EncodeFrame(proto.Header{Kind: kind, Tick: d.tick, Collection: state.entry.name}, body)
	if err != nil {
		if !state.encErr {
			state.encErr = true
			d.reportFailure(ctx, replication.ServerClientID, state.entry, err)
		}
		return nil
	}
	*slot = encoded
	return encoded
}

func (d *Driver) send(ctx context.Context, client replication.ClientID, e *entry, frame []byte) bool {
	if err := d.transport.Send(ctx, client, e.coll.Channel(), frame); err != nil {
		d.reportFailure(ctx, client, e, err)
		return false
	}
	d.metrics.Add(metricFramesSent, 1)
	d.metrics.Add(metricBytesSent, uint64(len(frame)))
	return true
}

func (d *Driver) reportFailure(ctx context.Context, client replication.ClientID, e *entry, err error) {
	d.metrics.Add(metricSendFailures, 1)
	loggingreplication.SendFailed(ctx, d.publisher, d.tick, logging.Ref(logging.EntityKindClient, client), loggingreplication.SendFailedPayload{
		Collection: e.name,
		Channel:    e.coll.Channel(),
		Error:      err.Error(),
	}, nil)
}
