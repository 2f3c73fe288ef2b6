package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeKind selects an interest node implementation.
type NodeKind string

const (
	NodeStatic NodeKind = "static"
	NodeRadius NodeKind = "radius"
)

// Layout describes the replication groups and their interest trees.
type Layout struct {
	Groups []GroupLayout `yaml:"groups" json:"groups" jsonschema:"title=Groups,description=Replication groups in registration order"`
}

// GroupLayout binds one group to a node tree.
type GroupLayout struct {
	Name          string     `yaml:"name" json:"name" jsonschema:"title=Group name,minLength=1,required"`
	PriorityScale float64    `yaml:"priorityScale,omitempty" json:"priorityScale,omitempty" jsonschema:"description=Relative replication priority,minimum=0"`
	Node          NodeLayout `yaml:"node" json:"node" jsonschema:"required"`
}

// NodeLayout is one node of an interest tree.
type NodeLayout struct {
	Kind     NodeKind     `yaml:"kind" json:"kind" jsonschema:"enum=static,enum=radius,required"`
	Radius   float64      `yaml:"radius,omitempty" json:"radius,omitempty" jsonschema:"description=Visibility radius for radius nodes,minimum=0"`
	Children []NodeLayout `yaml:"children,omitempty" json:"children,omitempty"`
}

// DefaultLayout is used when no layout file is configured: players see each
// other within 50 units.
func DefaultLayout() Layout {
	return Layout{Groups: []GroupLayout{{
		Name:          "players",
		PriorityScale: 1,
		Node:          NodeLayout{Kind: NodeRadius, Radius: 50},
	}}}
}

// ParseLayout decodes a YAML layout, rejecting unknown fields.
func ParseLayout(data []byte) (Layout, error) {
	var layout Layout
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&layout); err != nil {
		return Layout{}, fmt.Errorf("parse layout: %w", err)
	}
	if err := layout.Validate(); err != nil {
		return Layout{}, err
	}
	return layout, nil
}

// LoadLayout reads path, or returns DefaultLayout when path is empty.
func LoadLayout(path string) (Layout, error) {
	if path == "" {
		return DefaultLayout(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("read layout: %w", err)
	}
	return ParseLayout(data)
}

// Validate checks group names are unique and every node is well formed.
func (l Layout) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(l.Groups))
	for i, group := range l.Groups {
		if group.Name == "" {
			errs = append(errs, fmt.Errorf("groups[%d]: name is required", i))
			continue
		}
		if _, dup := seen[group.Name]; dup {
			errs = append(errs, fmt.Errorf("groups[%d]: duplicate group %q", i, group.Name))
		}
		seen[group.Name] = struct{}{}
		if group.PriorityScale < 0 {
			errs = append(errs, fmt.Errorf("group %q: priorityScale must not be negative", group.Name))
		}
		errs = append(errs, group.Node.validate(group.Name)...)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid layout: %w", errors.Join(errs...))
	}
	return nil
}

func (n NodeLayout) validate(path string) []error {
	var errs []error
	switch n.Kind {
	case NodeStatic:
	case NodeRadius:
		if n.Radius <= 0 {
			errs = append(errs, fmt.Errorf("%s: radius node needs a positive radius", path))
		}
	default:
		errs = append(errs, fmt.Errorf("%s: unknown node kind %q", path, n.Kind))
	}
	for i, child := range n.Children {
		errs = append(errs, child.validate(fmt.Sprintf("%s/children[%d]", path, i))...)
	}
	return errs
}
