// Package mirror applies inbound replication frames to local collection
// mirrors and asks the server for a fresh snapshot whenever a mirror can no
// longer follow the delta stream.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"netreplica/internal/bitstream"
	"netreplica/internal/net/proto"
	"netreplica/internal/replication"
	"netreplica/internal/telemetry"
	"netreplica/logging"
	loggingreplication "netreplica/logging/replication"
)

const (
	metricDesync = "mirror_desync_total"

	ReasonDesync              = "desync"
	ReasonDeltaBeforeSnapshot = "delta_before_snapshot"
	ReasonSnapshotFailed      = "snapshot_failed"
)

// ErrUnknownCollection is returned for frames naming a collection that is
// neither registered nor resolvable.
var ErrUnknownCollection = errors.New("mirror: unknown collection")

// Target is the receive-side view of a replicated collection.
// *replication.List satisfies it.
type Target interface {
	ReadFullSnapshot(r *bitstream.Reader) error
	ReadDelta(r *bitstream.Reader, keepDirtyDelta bool) error
}

// ResyncRequester asks the sender for a new snapshot of a collection.
type ResyncRequester interface {
	RequestResync(ctx context.Context, collection, reason string) error
}

// Resolver creates targets for collections first seen on the wire, such as
// per-object collections whose names are only known at runtime.
type Resolver func(name string) (Target, bool)

// Options configures a Mirror.
type Options struct {
	Resolver  Resolver
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	// OnForget runs when the sender reports a collection left the
	// client's interest.
	OnForget func(name string, target Target)
}

type binding struct {
	target        Target
	keepDirty     bool
	synced        bool
	resyncPending bool
	lastTick      uint64
}

// Mirror routes frames to targets. Targets are only touched under the
// mirror's lock; use View to read them from other goroutines.
type Mirror struct {
	mu        sync.Mutex
	bindings  map[string]*binding
	resolver  Resolver
	requester ResyncRequester
	publisher logging.Publisher
	metrics   telemetry.Metrics
	onForget  func(string, Target)
}

func New(opts Options) *Mirror {
	publisher := opts.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	return &Mirror{
		bindings:  make(map[string]*binding),
		resolver:  opts.Resolver,
		publisher: publisher,
		metrics:   metrics,
		onForget:  opts.OnForget,
	}
}

// SetRequester installs the resync channel, typically the connection the
// frames arrive on.
func (m *Mirror) SetRequester(requester ResyncRequester) {
	m.mu.Lock()
	m.requester = requester
	m.mu.Unlock()
}

// Register binds name to target. With keepDirtyDelta the applied events are
// kept in the target's change log so it can relay them onward.
func (m *Mirror) Register(name string, target Target, keepDirtyDelta bool) error {
	if name == "" || target == nil {
		return fmt.Errorf("mirror: register requires a name and a target")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bindings[name]; exists {
		return fmt.Errorf("mirror: collection %q already registered", name)
	}
	m.bindings[name] = &binding{target: target, keepDirty: keepDirtyDelta}
	return nil
}

// Synced reports whether name has applied a snapshot and not diverged since.
func (m *Mirror) Synced(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[name]
	return ok && b.synced
}

// View runs fn with the target bound to name while holding the lock.
func (m *Mirror) View(name string, fn func(Target)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[name]
	if !ok {
		return false
	}
	fn(b.target)
	return true
}

// Names lists the bound collections.
func (m *Mirror) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.bindings))
	for name := range m.bindings {
		names = append(names, name)
	}
	return names
}

// Handle applies one encoded frame.
func (m *Mirror) Handle(ctx context.Context, frame []byte) error {
	header, body, err := proto.DecodeFrame(frame)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bindings[header.Collection]
	if !ok && m.resolver != nil && header.Kind != proto.FrameForget {
		if target, resolved := m.resolver(header.Collection); resolved && target != nil {
			b = &binding{target: target}
			m.bindings[header.Collection] = b
			ok = true
		}
	}
	if !ok {
		if header.Kind == proto.FrameForget {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownCollection, header.Collection)
	}
	b.lastTick = header.Tick

	switch header.Kind {
	case proto.FrameSnapshot:
		if err := b.target.ReadFullSnapshot(body); err != nil {
			b.synced = false
			m.requestResyncLocked(ctx, header, b, ReasonSnapshotFailed)
			return fmt.Errorf("mirror: apply snapshot for %s: %w", header.Collection, err)
		}
		b.synced = true
		b.resyncPending = false
	case proto.FrameDelta:
		if !b.synced {
			m.requestResyncLocked(ctx, header, b, ReasonDeltaBeforeSnapshot)
			return nil
		}
		if err := b.target.ReadDelta(body, b.keepDirty); err != nil {
			m.reportDesyncLocked(ctx, header, err)
			b.synced = false
			m.requestResyncLocked(ctx, header, b, ReasonDesync)
			return fmt.Errorf("mirror: apply delta for %s: %w", header.Collection, err)
		}
	case proto.FrameForget:
		b.synced = false
		b.resyncPending = false
		if m.onForget != nil {
			m.onForget(header.Collection, b.target)
		}
	}
	return nil
}

func (m *Mirror) reportDesyncLocked(ctx context.Context, header proto.Header, err error) {
	m.metrics.Add(metricDesync, 1)
	payload := loggingreplication.DesyncPayload{Collection: header.Collection, Error: err.Error()}
	var desync *replication.DesyncError
	if errors.As(err, &desync) {
		payload.Index = desync.Index
		payload.Count = desync.Count
	}
	loggingreplication.Desync(ctx, m.publisher, header.Tick, logging.Ref(logging.EntityKindCollection, header.Collection), payload, nil)
}

// requestResyncLocked asks for one snapshot per divergence; further frames
// are dropped until it arrives.
func (m *Mirror) requestResyncLocked(ctx context.Context, header proto.Header, b *binding, reason string) {
	if b.resyncPending || m.requester == nil {
		return
	}
	if err := m.requester.RequestResync(ctx, header.Collection, reason); err != nil {
		loggingreplication.SendFailed(ctx, m.publisher, header.Tick, logging.Ref(logging.EntityKindCollection, header.Collection), loggingreplication.SendFailedPayload{
			Collection: header.Collection,
			Channel:    "control",
			Error:      err.Error(),
		}, nil)
		return
	}
	b.resyncPending = true
	loggingreplication.ResyncRequested(ctx, m.publisher, header.Tick, logging.Ref(logging.EntityKindCollection, header.Collection), loggingreplication.ResyncPayload{
		Collection: header.Collection,
		Reason:     reason,
	}, nil)
}
