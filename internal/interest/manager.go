package interest

import (
	"context"
	"errors"
	"fmt"

	"netreplica/logging"
	loggingreplication "netreplica/logging/replication"
)

// ErrAlreadySpawned is returned when HandleSpawn sees an object twice.
var ErrAlreadySpawned = errors.New("interest: object already spawned")

// Manager routes spawned objects to their group's root node and answers
// per-client relevance queries. Group bindings are permanent; there is no
// unregistration. Manager is not safe for concurrent use.
type Manager[C any, O Replicable] struct {
	groups    *Groups
	roots     map[string]Node[C, O]
	order     []string
	assigned  map[O]*Group
	bypass    func(results Set[O])
	publisher logging.Publisher
	tick      func() uint64
}

// NewManager constructs a manager over groups. The default group is bound to
// a StaticNode, so objects that fall back to it are visible to every client.
func NewManager[C any, O Replicable](groups *Groups, publisher logging.Publisher) *Manager[C, O] {
	if groups == nil {
		groups = NewGroups()
	}
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	m := &Manager[C, O]{
		groups:    groups,
		roots:     make(map[string]Node[C, O]),
		assigned:  make(map[O]*Group),
		publisher: publisher,
	}
	def := groups.Default()
	m.roots[def.Name] = NewStaticNode[C, O]()
	m.order = append(m.order, def.Name)
	return m
}

// SetTickSource supplies the simulation tick stamped on emitted events.
func (m *Manager[C, O]) SetTickSource(tick func() uint64) {
	m.tick = tick
}

// Groups returns the registry the manager resolves against.
func (m *Manager[C, O]) Groups() *Groups {
	return m.groups
}

// RegisterNode binds node as group's root. A group may be bound once.
func (m *Manager[C, O]) RegisterNode(node Node[C, O], group *Group) error {
	if node == nil {
		return fmt.Errorf("interest: nil node")
	}
	if group == nil {
		return fmt.Errorf("interest: nil group")
	}
	if registered, ok := m.groups.Lookup(group.Name); !ok || registered != group {
		return fmt.Errorf("interest: group %q is not in the manager's registry", group.Name)
	}
	if _, exists := m.roots[group.Name]; exists {
		return &DuplicateGroupError{Name: group.Name, Kind: "node"}
	}
	m.roots[group.Name] = node
	m.order = append(m.order, group.Name)
	return nil
}

// Root returns the node bound to group.
func (m *Manager[C, O]) Root(group *Group) (Node[C, O], bool) {
	if group == nil {
		return nil, false
	}
	node, ok := m.roots[group.Name]
	return node, ok
}

// HandleSpawn assigns obj to the root of its declared group and runs the
// spawn hooks of that subtree. An object whose group is missing or has no
// bound node falls back to the default group with a warning.
func (m *Manager[C, O]) HandleSpawn(obj O) error {
	if _, exists := m.assigned[obj]; exists {
		return ErrAlreadySpawned
	}
	group := obj.ReplicationGroup()
	var root Node[C, O]
	if group != nil {
		root = m.roots[group.Name]
	}
	if root == nil {
		fallback := m.groups.Default()
		requested := ""
		if group != nil {
			requested = group.Name
		}
		loggingreplication.GroupFallback(context.Background(), m.publisher, m.currentTick(), logging.Ref(logging.EntityKindObject, obj), loggingreplication.GroupFallbackPayload{
			Object:    describe(obj),
			Requested: requested,
			Fallback:  fallback.Name,
		}, nil)
		group = fallback
		root = m.roots[fallback.Name]
	}
	root.AddCandidate(obj)
	HandleSpawn(root, obj)
	m.assigned[obj] = group
	return nil
}

// HandleDespawn runs the despawn hooks of obj's subtree and drops it from the
// root's candidates. It reports whether obj had been spawned.
func (m *Manager[C, O]) HandleDespawn(obj O) bool {
	group, ok := m.assigned[obj]
	if !ok {
		return false
	}
	root := m.roots[group.Name]
	HandleDespawn(root, obj)
	root.RemoveCandidate(obj)
	delete(m.assigned, obj)
	return true
}

// GroupOf reports the group obj was assigned at spawn.
func (m *Manager[C, O]) GroupOf(obj O) (*Group, bool) {
	group, ok := m.assigned[obj]
	return group, ok
}

// EnableBypass makes QueryFor skip the node trees and fill results from all.
func (m *Manager[C, O]) EnableBypass(all func(results Set[O])) {
	m.bypass = all
}

func (m *Manager[C, O]) DisableBypass() {
	m.bypass = nil
}

// QueryFor unions into results every object relevant to client, walking the
// group roots in registration order.
func (m *Manager[C, O]) QueryFor(client C, results Set[O]) {
	if m.bypass != nil {
		m.bypass(results)
		return
	}
	for _, name := range m.order {
		QueryFor(m.roots[name], client, results)
	}
}

func (m *Manager[C, O]) currentTick() uint64 {
	if m.tick == nil {
		return 0
	}
	return m.tick()
}

func describe(obj any) string {
	if s, ok := obj.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(obj)
}
