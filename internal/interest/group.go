// Package interest computes, per observing client, the subset of replicable
// objects relevant to it. Objects are partitioned into named groups; each
// group is served by a tree of query nodes that the manager walks pre-order.
package interest

import (
	"fmt"
	"slices"
	"time"
)

// DefaultGroupName names the group objects fall back to.
const DefaultGroupName = "default"

// GroupSettings carries per-group replication hints.
type GroupSettings struct {
	// PriorityScale is the relative priority configured for the group. It is
	// stored for callers that schedule by priority; flushing does not read it.
	PriorityScale float64
	// LastReplicated is stamped whenever an object in the group is flushed.
	LastReplicated time.Time
}

// Group is a named partition of replicable objects.
type Group struct {
	Name     string
	Settings GroupSettings
}

// DuplicateGroupError reports a second registration of a group name or of a
// group's node.
type DuplicateGroupError struct {
	Name string
	Kind string
}

func (e *DuplicateGroupError) Error() string {
	return fmt.Sprintf("interest: %s %q already registered", e.Kind, e.Name)
}

// Groups is the name-keyed group registry. The zero value is not usable;
// construct one with NewGroups and hand it to whoever needs it.
type Groups struct {
	byName map[string]*Group
	order  []string
	def    *Group
}

func NewGroups() *Groups {
	return &Groups{byName: make(map[string]*Group)}
}

// Create registers a new group. Names are unique, including against the
// default group.
func (g *Groups) Create(name string) (*Group, error) {
	if name == "" {
		return nil, fmt.Errorf("interest: group name must not be empty")
	}
	if _, exists := g.byName[name]; exists {
		return nil, &DuplicateGroupError{Name: name, Kind: "group"}
	}
	group := &Group{Name: name, Settings: GroupSettings{PriorityScale: 1}}
	g.byName[name] = group
	g.order = append(g.order, name)
	return group, nil
}

// Lookup returns the group registered under name.
func (g *Groups) Lookup(name string) (*Group, bool) {
	group, ok := g.byName[name]
	return group, ok
}

// Default returns the default group, creating it on first use.
func (g *Groups) Default() *Group {
	if g.def == nil {
		if existing, ok := g.byName[DefaultGroupName]; ok {
			g.def = existing
		} else {
			g.def, _ = g.Create(DefaultGroupName)
		}
	}
	return g.def
}

// Names lists registered group names in creation order.
func (g *Groups) Names() []string {
	return slices.Clone(g.order)
}
