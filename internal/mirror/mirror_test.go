package mirror

import (
	"context"
	"errors"
	"slices"
	"testing"

	"netreplica/internal/bitstream"
	"netreplica/internal/net/proto"
	"netreplica/internal/replication"
	"netreplica/internal/telemetry"
	loggingreplication "netreplica/logging/replication"
	"netreplica/logging/sinks"
)

type resyncCall struct {
	collection string
	reason     string
}

type recordingRequester struct {
	calls []resyncCall
	err   error
}

func (r *recordingRequester) RequestResync(_ context.Context, collection, reason string) error {
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, resyncCall{collection: collection, reason: reason})
	return nil
}

func serverList(initial ...string) *replication.List[string] {
	return replication.NewList[string](replication.StringCodec{}, replication.ListConfig{}, initial...)
}

func clientList(initial ...string) *replication.List[string] {
	return replication.NewList[string](replication.StringCodec{}, replication.ListConfig{Authority: replication.RoleClient}, initial...)
}

func frame(t *testing.T, kind proto.FrameKind, tick uint64, name string, body func(*bitstream.Writer) error) []byte {
	t.Helper()
	encoded, err := proto.EncodeFrame(proto.Header{Kind: kind, Tick: tick, Collection: name}, body)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	return encoded
}

func values(t *testing.T, m *Mirror, name string) []string {
	t.Helper()
	var out []string
	ok := m.View(name, func(target Target) {
		out = target.(*replication.List[string]).Values()
	})
	if !ok {
		t.Fatalf("collection %s not bound", name)
	}
	return out
}

func TestSnapshotThenDelta(t *testing.T) {
	ctx := context.Background()
	source := serverList("a", "b")
	requester := &recordingRequester{}
	m := New(Options{})
	m.SetRequester(requester)
	if err := m.Register("chat", clientList(), false); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := m.Handle(ctx, frame(t, proto.FrameSnapshot, 1, "chat", source.WriteFullSnapshot)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !m.Synced("chat") {
		t.Fatalf("expected chat to be synced after snapshot")
	}

	source.Add("c")
	if err := source.RemoveAt(0); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := m.Handle(ctx, frame(t, proto.FrameDelta, 2, "chat", source.WriteDelta)); err != nil {
		t.Fatalf("delta: %v", err)
	}
	if got := values(t, m, "chat"); !slices.Equal(got, source.Values()) {
		t.Fatalf("mirror %v != source %v", got, source.Values())
	}
	if len(requester.calls) != 0 {
		t.Fatalf("unexpected resync requests %v", requester.calls)
	}
}

func TestDeltaBeforeSnapshotRequestsResyncOnce(t *testing.T) {
	ctx := context.Background()
	source := serverList()
	source.Add("x")
	requester := &recordingRequester{}
	m := New(Options{})
	m.SetRequester(requester)
	if err := m.Register("chat", clientList(), false); err != nil {
		t.Fatalf("register: %v", err)
	}

	delta := frame(t, proto.FrameDelta, 3, "chat", source.WriteDelta)
	for i := 0; i < 2; i++ {
		if err := m.Handle(ctx, delta); err != nil {
			t.Fatalf("delta: %v", err)
		}
	}
	if len(requester.calls) != 1 || requester.calls[0] != (resyncCall{"chat", ReasonDeltaBeforeSnapshot}) {
		t.Fatalf("unexpected resync requests %v", requester.calls)
	}
	if got := values(t, m, "chat"); len(got) != 0 {
		t.Fatalf("delta before snapshot must not apply, got %v", got)
	}
}

func TestDesyncReportsAndResyncs(t *testing.T) {
	ctx := context.Background()
	events := sinks.NewMemory()
	metrics := &telemetry.MemoryMetrics{}
	requester := &recordingRequester{}
	m := New(Options{Publisher: events, Metrics: metrics})
	m.SetRequester(requester)
	if err := m.Register("chat", clientList(), false); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Handle(ctx, frame(t, proto.FrameSnapshot, 1, "chat", serverList("a").WriteFullSnapshot)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	ahead := serverList("a", "b", "c", "d", "e")
	ahead.Add("f")
	err := m.Handle(ctx, frame(t, proto.FrameDelta, 9, "chat", ahead.WriteDelta))
	var desync *replication.DesyncError
	if !errors.As(err, &desync) || desync.Index != 5 || desync.Count != 1 {
		t.Fatalf("expected desync at 5/1, got %v", err)
	}
	if got := values(t, m, "chat"); !slices.Equal(got, []string{"a"}) {
		t.Fatalf("mirror must be unchanged, got %v", got)
	}
	if m.Synced("chat") {
		t.Fatalf("expected chat to be unsynced after desync")
	}
	if metrics.Value(metricDesync) != 1 {
		t.Fatalf("expected desync metric")
	}
	reported := events.OfType(loggingreplication.EventDesync)
	if len(reported) != 1 || reported[0].Tick != 9 {
		t.Fatalf("expected one desync event at tick 9, got %+v", reported)
	}
	payload, ok := reported[0].Payload.(loggingreplication.DesyncPayload)
	if !ok || payload.Index != 5 || payload.Count != 1 {
		t.Fatalf("unexpected payload %+v", reported[0].Payload)
	}
	if len(requester.calls) != 1 || requester.calls[0].reason != ReasonDesync {
		t.Fatalf("expected a desync resync request, got %v", requester.calls)
	}
	if requested := events.OfType(loggingreplication.EventResyncRequested); len(requested) != 1 {
		t.Fatalf("expected a resync_requested event, got %d", len(requested))
	}

	if err := m.Handle(ctx, frame(t, proto.FrameSnapshot, 10, "chat", ahead.WriteFullSnapshot)); err != nil {
		t.Fatalf("recovery snapshot: %v", err)
	}
	if !m.Synced("chat") {
		t.Fatalf("expected recovery snapshot to resync")
	}
}

func TestRemoveOfAbsentValueKeepsMirrorSynced(t *testing.T) {
	ctx := context.Background()
	metrics := &telemetry.MemoryMetrics{}
	requester := &recordingRequester{}
	m := New(Options{Metrics: metrics})
	m.SetRequester(requester)
	if err := m.Register("chat", clientList(), false); err != nil {
		t.Fatalf("register: %v", err)
	}
	source := serverList("a")
	if err := m.Handle(ctx, frame(t, proto.FrameSnapshot, 1, "chat", source.WriteFullSnapshot)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	source.Remove("missing")
	source.Add("b")
	if err := m.Handle(ctx, frame(t, proto.FrameDelta, 2, "chat", source.WriteDelta)); err != nil {
		t.Fatalf("delta: %v", err)
	}
	if got := values(t, m, "chat"); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("unexpected mirror %v", got)
	}
	if !m.Synced("chat") {
		t.Fatalf("expected chat to stay synced")
	}
	if len(requester.calls) != 0 || metrics.Value(metricDesync) != 0 {
		t.Fatalf("expected no resync, got calls %v desync %v", requester.calls, metrics.Value(metricDesync))
	}
}

func TestRelayKeepsAppliedEvents(t *testing.T) {
	ctx := context.Background()
	relay := clientList()
	m := New(Options{})
	if err := m.Register("chat", relay, true); err != nil {
		t.Fatalf("register: %v", err)
	}
	source := serverList()
	if err := m.Handle(ctx, frame(t, proto.FrameSnapshot, 1, "chat", source.WriteFullSnapshot)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	source.Add("a")
	source.Add("b")
	if err := m.Handle(ctx, frame(t, proto.FrameDelta, 2, "chat", source.WriteDelta)); err != nil {
		t.Fatalf("delta: %v", err)
	}
	if relay.Pending() != 2 {
		t.Fatalf("expected relay to keep 2 events, got %d", relay.Pending())
	}
}

func TestResolverAndForget(t *testing.T) {
	ctx := context.Background()
	var forgotten []string
	m := New(Options{
		Resolver: func(name string) (Target, bool) {
			if name != "inventory/7" {
				return nil, false
			}
			return clientList(), true
		},
		OnForget: func(name string, _ Target) {
			forgotten = append(forgotten, name)
		},
	})

	if err := m.Handle(ctx, frame(t, proto.FrameSnapshot, 1, "inventory/7", serverList("sword").WriteFullSnapshot)); err != nil {
		t.Fatalf("resolved snapshot: %v", err)
	}
	if got := values(t, m, "inventory/7"); !slices.Equal(got, []string{"sword"}) {
		t.Fatalf("unexpected inventory %v", got)
	}
	if err := m.Handle(ctx, frame(t, proto.FrameSnapshot, 1, "inventory/8", serverList().WriteFullSnapshot)); !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected unknown collection, got %v", err)
	}
	if err := m.Handle(ctx, frame(t, proto.FrameForget, 2, "inventory/8", nil)); err != nil {
		t.Fatalf("forget of unknown collection should be ignored, got %v", err)
	}

	if err := m.Handle(ctx, frame(t, proto.FrameForget, 2, "inventory/7", nil)); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if m.Synced("inventory/7") || !slices.Equal(forgotten, []string{"inventory/7"}) {
		t.Fatalf("expected inventory/7 to be forgotten, got %v", forgotten)
	}
}
