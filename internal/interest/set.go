package interest

import (
	"iter"
	"maps"
	"math"
)

// Set is an unordered set of objects.
type Set[O comparable] map[O]struct{}

func NewSet[O comparable](items ...O) Set[O] {
	s := make(Set[O], len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

func (s Set[O]) Add(item O) { s[item] = struct{}{} }

func (s Set[O]) Remove(item O) { delete(s, item) }

func (s Set[O]) Has(item O) bool {
	_, ok := s[item]
	return ok
}

func (s Set[O]) Len() int { return len(s) }

// Union adds every member of other to s.
func (s Set[O]) Union(other Set[O]) {
	for item := range other {
		s[item] = struct{}{}
	}
}

// All iterates the members in unspecified order.
func (s Set[O]) All() iter.Seq[O] {
	return maps.Keys(s)
}

// Vec3 is a world-space position.
type Vec3 struct {
	X, Y, Z float64
}

// Distance returns the Euclidean distance between v and o.
func (v Vec3) Distance(o Vec3) float64 {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
