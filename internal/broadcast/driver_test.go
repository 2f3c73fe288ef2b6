package broadcast

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"netreplica/internal/interest"
	"netreplica/internal/net/proto"
	"netreplica/internal/replication"
	"netreplica/internal/spawn"
	"netreplica/internal/telemetry"
	loggingreplication "netreplica/logging/replication"
	"netreplica/logging/sinks"
)

type sentFrame struct {
	client  replication.ClientID
	channel string
	header  proto.Header
	payload []byte
}

type recordingTransport struct {
	frames []sentFrame
	fail   map[replication.ClientID]error
}

func (t *recordingTransport) Send(_ context.Context, client replication.ClientID, channel string, payload []byte) error {
	if err := t.fail[client]; err != nil {
		return err
	}
	header, _, err := proto.DecodeFrame(payload)
	if err != nil {
		return err
	}
	t.frames = append(t.frames, sentFrame{client: client, channel: channel, header: header, payload: slices.Clone(payload)})
	return nil
}

func (t *recordingTransport) take() []sentFrame {
	out := t.frames
	t.frames = nil
	return out
}

func (t *recordingTransport) kinds(client replication.ClientID, frames []sentFrame) map[string]proto.FrameKind {
	out := make(map[string]proto.FrameKind)
	for _, frame := range frames {
		if frame.client == client {
			out[frame.header.Collection] = frame.header.Kind
		}
	}
	return out
}

type world struct {
	groups    *interest.Groups
	players   *interest.Group
	manager   *interest.Manager[*spawn.Client, *spawn.Object]
	registry  *spawn.Registry
	transport *recordingTransport
	events    *sinks.Memory
	metrics   *telemetry.MemoryMetrics
	driver    *Driver
	now       time.Time
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		groups:    interest.NewGroups(),
		transport: &recordingTransport{fail: make(map[replication.ClientID]error)},
		events:    sinks.NewMemory(),
		metrics:   &telemetry.MemoryMetrics{},
		now:       time.Unix(1_700_000_000, 0),
	}
	players, err := w.groups.Create("players")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	w.players = players
	w.manager = interest.NewManager[*spawn.Client, *spawn.Object](w.groups, w.events)
	radius := interest.NewRadiusNode[*spawn.Client, *spawn.Object](5,
		func(c *spawn.Client) (interest.Vec3, bool) {
			if c.Player == nil {
				return interest.Vec3{}, false
			}
			return c.Player.Position, true
		},
		func(o *spawn.Object) (interest.Vec3, bool) { return o.Position, true },
	)
	if err := w.manager.RegisterNode(radius, players); err != nil {
		t.Fatalf("register node: %v", err)
	}
	w.registry = spawn.NewRegistry(w.manager, w.events)
	w.driver = NewDriver(Deps{
		Interest:  w.manager,
		Clients:   w.registry,
		Transport: w.transport,
		Publisher: w.events,
		Metrics:   w.metrics,
		Clock:     func() time.Time { return w.now },
	})
	return w
}

func (w *world) join(t *testing.T, id replication.ClientID, pos interest.Vec3) *spawn.Object {
	t.Helper()
	if _, err := w.registry.Connect(id); err != nil {
		t.Fatalf("connect %d: %v", id, err)
	}
	player, err := w.registry.Spawn(spawn.Options{Kind: "player", Group: w.players, Owner: id, Player: true, Position: pos})
	if err != nil {
		t.Fatalf("spawn player %d: %v", id, err)
	}
	return player
}

func stringList(settings replication.Settings, owner replication.Owner, initial ...string) *replication.List[string] {
	return replication.NewList[string](replication.StringCodec{}, replication.ListConfig{Settings: settings, Owner: owner}, initial...)
}

func everyone(rate float64) replication.Settings {
	return replication.Settings{SendTickrate: rate, ReadPermission: replication.PermissionEveryone, WritePermission: replication.PermissionServerOnly}
}

func applyFrames(t *testing.T, frames []sentFrame, client replication.ClientID, mirrors map[string]*replication.List[string]) {
	t.Helper()
	for _, frame := range frames {
		if frame.client != client {
			continue
		}
		header, body, err := proto.DecodeFrame(frame.payload)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		mirror := mirrors[header.Collection]
		if mirror == nil {
			continue
		}
		switch header.Kind {
		case proto.FrameSnapshot:
			err = mirror.ReadFullSnapshot(body)
		case proto.FrameDelta:
			err = mirror.ReadDelta(body, false)
		}
		if err != nil {
			t.Fatalf("apply %s for %s: %v", header.Kind, header.Collection, err)
		}
	}
}

func TestFlushBootstrapsThenSendsDeltas(t *testing.T) {
	w := newWorld(t)
	p1 := w.join(t, 1, interest.Vec3{})
	w.join(t, 2, interest.Vec3{X: 100})

	events := stringList(everyone(0), nil, "boot")
	inventory := stringList(replication.Settings{ReadPermission: replication.PermissionOwnerOnly, WritePermission: replication.PermissionOwnerOnly}, p1, "sword")
	if err := w.driver.Register("world/events", events, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := w.driver.Register("inventory/1", inventory, p1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := w.driver.Register("world/events", events, nil); !errors.Is(err, ErrDuplicateCollection) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	mirrors := map[replication.ClientID]map[string]*replication.List[string]{
		1: {"world/events": stringList(everyone(0), nil), "inventory/1": stringList(everyone(0), nil)},
		2: {"world/events": stringList(everyone(0), nil), "inventory/1": stringList(everyone(0), nil)},
	}

	w.driver.Flush(context.Background(), 1)
	frames := w.transport.take()
	if got := w.transport.kinds(1, frames); got["world/events"] != proto.FrameSnapshot || got["inventory/1"] != proto.FrameSnapshot {
		t.Fatalf("client 1 expected two snapshots, got %v", got)
	}
	if got := w.transport.kinds(2, frames); len(got) != 1 || got["world/events"] != proto.FrameSnapshot {
		t.Fatalf("client 2 expected only the world snapshot, got %v", got)
	}
	applyFrames(t, frames, 1, mirrors[1])
	applyFrames(t, frames, 2, mirrors[2])

	events.Add("spawned")
	inventory.Add("shield")
	w.driver.Flush(context.Background(), 2)
	frames = w.transport.take()
	if got := w.transport.kinds(1, frames); got["world/events"] != proto.FrameDelta || got["inventory/1"] != proto.FrameDelta {
		t.Fatalf("client 1 expected deltas, got %v", got)
	}
	applyFrames(t, frames, 1, mirrors[1])
	applyFrames(t, frames, 2, mirrors[2])

	if got := mirrors[1]["inventory/1"].Values(); !slices.Equal(got, []string{"sword", "shield"}) {
		t.Fatalf("unexpected inventory mirror %v", got)
	}
	for _, id := range []replication.ClientID{1, 2} {
		if got := mirrors[id]["world/events"].Values(); !slices.Equal(got, []string{"boot", "spawned"}) {
			t.Fatalf("client %d unexpected events mirror %v", id, got)
		}
	}
	if events.Pending() != 0 || inventory.Pending() != 0 {
		t.Fatalf("expected change logs to be reset")
	}
	if !w.players.Settings.LastReplicated.Equal(w.now) {
		t.Fatalf("expected players group to record the flush time")
	}
	if got := w.metrics.Value(metricSnapshotsSent); got != 3 {
		t.Fatalf("expected 3 snapshots, got %d", got)
	}
	if got := w.metrics.Value(metricFramesSent); got != 6 {
		t.Fatalf("expected 6 frames, got %d", got)
	}
	if got := w.metrics.Value(metricObservers); got != 3 {
		t.Fatalf("expected 3 observers, got %d", got)
	}
	if flushed := w.events.OfType(loggingreplication.EventFlushed); len(flushed) != 2 {
		t.Fatalf("expected 2 flushed events, got %d", len(flushed))
	}
}

func TestSnapshotWaitsForPendingLog(t *testing.T) {
	w := newWorld(t)
	w.join(t, 1, interest.Vec3{})

	manual := stringList(everyone(-1), nil, "a")
	if err := w.driver.Register("manual", manual, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	manual.Add("b")

	w.driver.Flush(context.Background(), 1)
	if frames := w.transport.take(); len(frames) != 0 {
		t.Fatalf("expected snapshot to be deferred while the log is pending, got %d frames", len(frames))
	}

	if err := w.driver.ForceFlush("manual"); err != nil {
		t.Fatalf("force flush: %v", err)
	}
	w.driver.Flush(context.Background(), 2)
	frames := w.transport.take()
	if len(frames) != 1 || frames[0].header.Kind != proto.FrameSnapshot {
		t.Fatalf("expected one snapshot, got %+v", frames)
	}
	mirror := map[string]*replication.List[string]{"manual": stringList(everyone(0), nil)}
	applyFrames(t, frames, 1, mirror)
	if got := mirror["manual"].Values(); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("unexpected mirror %v", got)
	}
	if manual.Pending() != 0 {
		t.Fatalf("expected forced flush to reset the log")
	}

	manual.Add("c")
	w.driver.Flush(context.Background(), 3)
	if frames := w.transport.take(); len(frames) != 0 {
		t.Fatalf("negative rate collection should wait for a forced flush")
	}
	if err := w.driver.ForceFlush("missing"); !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected unknown collection, got %v", err)
	}
}

func TestObjectLeavingInterestIsForgotten(t *testing.T) {
	w := newWorld(t)
	p1 := w.join(t, 1, interest.Vec3{})
	chest, err := w.registry.Spawn(spawn.Options{Kind: "chest", Group: w.players, Position: interest.Vec3{X: 3}})
	if err != nil {
		t.Fatalf("spawn chest: %v", err)
	}
	loot := stringList(everyone(0), chest, "gold")
	if err := w.driver.Register("chest/loot", loot, chest); err != nil {
		t.Fatalf("register: %v", err)
	}

	w.driver.Flush(context.Background(), 1)
	if got := w.transport.kinds(1, w.transport.take()); got["chest/loot"] != proto.FrameSnapshot {
		t.Fatalf("expected snapshot while chest is in range, got %v", got)
	}

	p1.Position = interest.Vec3{X: 50}
	w.driver.Flush(context.Background(), 2)
	if got := w.transport.kinds(1, w.transport.take()); got["chest/loot"] != proto.FrameForget {
		t.Fatalf("expected forget once chest left range, got %v", got)
	}
	if w.driver.Knows(1, "chest/loot") {
		t.Fatalf("client should no longer know the chest")
	}

	w.driver.Flush(context.Background(), 3)
	if frames := w.transport.take(); len(frames) != 0 {
		t.Fatalf("expected no further frames, got %d", len(frames))
	}
}

func TestSendFailureTriggersRebootstrap(t *testing.T) {
	w := newWorld(t)
	w.join(t, 1, interest.Vec3{})
	events := stringList(everyone(0), nil, "a")
	if err := w.driver.Register("world/events", events, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	w.transport.fail[1] = errors.New("socket closed")
	w.driver.Flush(context.Background(), 1)
	if w.driver.Knows(1, "world/events") {
		t.Fatalf("failed snapshot must not mark the collection as known")
	}
	if got := w.metrics.Value(metricSendFailures); got != 1 {
		t.Fatalf("expected one failure, got %d", got)
	}
	if failed := w.events.OfType(loggingreplication.EventSendFailed); len(failed) != 1 {
		t.Fatalf("expected a send_failed event, got %d", len(failed))
	}

	delete(w.transport.fail, 1)
	w.driver.Flush(context.Background(), 2)
	if got := w.transport.kinds(1, w.transport.take()); got["world/events"] != proto.FrameSnapshot {
		t.Fatalf("expected snapshot retry, got %v", got)
	}
}

func TestResyncAndPermissionErrors(t *testing.T) {
	w := newWorld(t)
	w.join(t, 1, interest.Vec3{})
	events := stringList(everyone(0), nil, "a")
	unbound := stringList(replication.Settings{ReadPermission: replication.PermissionOwnerOnly}, nil)
	if err := w.driver.Register("world/events", events, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := w.driver.Register("unbound", unbound, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	w.driver.Flush(context.Background(), 1)
	if got := w.transport.kinds(1, w.transport.take()); len(got) != 1 || got["world/events"] != proto.FrameSnapshot {
		t.Fatalf("expected only the readable collection, got %v", got)
	}
	if denied := w.events.OfType(loggingreplication.EventPermissionDenied); len(denied) != 1 {
		t.Fatalf("expected a permission_denied event for the unbound owner, got %d", len(denied))
	}

	if err := w.driver.RequestResync(context.Background(), 1, "world/events", "desync"); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if err := w.driver.RequestResync(context.Background(), 1, "missing", ""); !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected unknown collection, got %v", err)
	}
	w.driver.Flush(context.Background(), 2)
	if got := w.transport.kinds(1, w.transport.take()); got["world/events"] != proto.FrameSnapshot {
		t.Fatalf("expected snapshot after resync, got %v", got)
	}

	if !w.driver.Unregister(context.Background(), "world/events") {
		t.Fatalf("expected unregister to succeed")
	}
	if got := w.transport.kinds(1, w.transport.take()); got["world/events"] != proto.FrameForget {
		t.Fatalf("expected forget on unregister, got %v", got)
	}
	if names := w.driver.Names(); !slices.Equal(names, []string{"unbound"}) {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestDisconnectedClientsAreDropped(t *testing.T) {
	w := newWorld(t)
	w.join(t, 1, interest.Vec3{})
	if err := w.driver.Register("world/events", stringList(everyone(0), nil), nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	w.driver.Flush(context.Background(), 1)
	if !w.driver.Knows(1, "world/events") {
		t.Fatalf("expected client to be bootstrapped")
	}
	w.registry.Disconnect(1)
	w.driver.Flush(context.Background(), 2)
	if w.driver.Knows(1, "world/events") {
		t.Fatalf("expected disconnected client to be forgotten")
	}
	if got := w.metrics.Value(metricObservers); got != 0 {
		t.Fatalf("expected no observers, got %d", got)
	}
}
