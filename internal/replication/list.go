package replication

import (
	"iter"
	"slices"
	"time"
)

// ListConfig carries the collaborators a List needs. A zero Settings selects
// DefaultSettings, a nil Authority makes the list authoritative and a nil
// Clock reads the system clock.
type ListConfig struct {
	Settings  Settings
	Authority Authority
	Clock     Clock
	Owner     Owner
}

// List is an ordered collection whose mutations are recorded in a change log
// and replicated to observers as deltas. It is not safe for concurrent use;
// confine each list to the simulation goroutine.
type List[T comparable] struct {
	elements   []T
	changes    []ChangeEvent[T]
	settings   Settings
	codec      Codec[T]
	authority  Authority
	clock      Clock
	owner      Owner
	lastSynced time.Time
	listeners  []*listener[T]
}

type listener[T comparable] struct {
	fn func(ChangeEvent[T])
}

// NewList constructs a list using codec for element encoding and seeds it
// with initial.
func NewList[T comparable](codec Codec[T], cfg ListConfig, initial ...T) *List[T] {
	settings := cfg.Settings
	if settings.isZero() {
		settings = DefaultSettings()
	}
	if settings.Channel == "" {
		settings.Channel = DefaultChannel
	}
	authority := cfg.Authority
	if authority == nil {
		authority = RoleServer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &List[T]{
		elements:  slices.Clone(initial),
		changes:   make([]ChangeEvent[T], 0),
		settings:  settings,
		codec:     codec,
		authority: authority,
		clock:     clock,
		owner:     cfg.Owner,
	}
}

// Bind attaches the object whose owner gates OwnerOnly permissions.
func (l *List[T]) Bind(owner Owner) {
	l.owner = owner
}

// Settings returns the list settings.
func (l *List[T]) Settings() Settings {
	return l.settings
}

// Channel reports the transport channel deltas are sent on.
func (l *List[T]) Channel() string {
	return l.settings.Channel
}

// Subscribe registers fn to observe change events. Listeners run
// synchronously in registration order. The returned func unsubscribes.
func (l *List[T]) Subscribe(fn func(ChangeEvent[T])) func() {
	if fn == nil {
		return func() {}
	}
	entry := &listener[T]{fn: fn}
	l.listeners = append(l.listeners, entry)
	return func() {
		l.listeners = slices.DeleteFunc(l.listeners, func(candidate *listener[T]) bool {
			return candidate == entry
		})
	}
}

// Add appends value.
func (l *List[T]) Add(value T) {
	event := ChangeEvent[T]{Op: OpAdd, Index: len(l.elements), Value: value}
	l.changes = append(l.changes, event)
	if !l.authoritative() {
		return
	}
	l.elements = append(l.elements, value)
	l.notify(event)
}

// Insert places value at index, shifting later elements up.
func (l *List[T]) Insert(index int, value T) error {
	auth := l.authoritative()
	if auth && (index < 0 || index > len(l.elements)) {
		return indexError(OpInsert, index, len(l.elements))
	}
	event := ChangeEvent[T]{Op: OpInsert, Index: index, Value: value}
	l.changes = append(l.changes, event)
	if !auth {
		return nil
	}
	l.elements = slices.Insert(l.elements, index, value)
	l.notify(event)
	return nil
}

// RemoveAt deletes the element at index.
func (l *List[T]) RemoveAt(index int) error {
	auth := l.authoritative()
	if auth && (index < 0 || index >= len(l.elements)) {
		return indexError(OpRemoveAt, index, len(l.elements))
	}
	event := ChangeEvent[T]{Op: OpRemoveAt, Index: index}
	if !auth {
		l.changes = append(l.changes, event)
		return nil
	}
	event.Value = l.elements[index]
	l.changes = append(l.changes, event)
	l.elements = slices.Delete(l.elements, index, index+1)
	l.notify(event)
	return nil
}

// Remove deletes the first element equal to value and reports whether one
// was removed locally. The event is recorded even when nothing matched.
func (l *List[T]) Remove(value T) bool {
	event := ChangeEvent[T]{Op: OpRemove, Index: -1, Value: value}
	if !l.authoritative() {
		l.changes = append(l.changes, event)
		return false
	}
	index := slices.Index(l.elements, value)
	event.Index = index
	l.changes = append(l.changes, event)
	if index >= 0 {
		l.elements = slices.Delete(l.elements, index, index+1)
	}
	l.notify(event)
	return index >= 0
}

// SetAt replaces the element at index.
func (l *List[T]) SetAt(index int, value T) error {
	auth := l.authoritative()
	if auth && (index < 0 || index >= len(l.elements)) {
		return indexError(OpSetValue, index, len(l.elements))
	}
	event := ChangeEvent[T]{Op: OpSetValue, Index: index, Value: value}
	l.changes = append(l.changes, event)
	if !auth {
		return nil
	}
	l.elements[index] = value
	l.notify(event)
	return nil
}

// Clear removes every element.
func (l *List[T]) Clear() {
	event := ChangeEvent[T]{Op: OpClear}
	l.changes = append(l.changes, event)
	if !l.authoritative() {
		return
	}
	l.elements = l.elements[:0]
	l.notify(event)
}

// Len reports the number of elements.
func (l *List[T]) Len() int {
	return len(l.elements)
}

// At returns the element at index.
func (l *List[T]) At(index int) (T, error) {
	if index < 0 || index >= len(l.elements) {
		var zero T
		return zero, indexError(OpSetValue, index, len(l.elements))
	}
	return l.elements[index], nil
}

// IndexOf returns the index of the first element equal to value, or -1.
func (l *List[T]) IndexOf(value T) int {
	return slices.Index(l.elements, value)
}

// Contains reports whether value is present.
func (l *List[T]) Contains(value T) bool {
	return slices.Contains(l.elements, value)
}

// Values returns a copy of the elements.
func (l *List[T]) Values() []T {
	return slices.Clone(l.elements)
}

// All iterates index/value pairs in order.
func (l *List[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i, v := range l.elements {
			if !yield(i, v) {
				return
			}
		}
	}
}

// Changes returns a copy of the pending change log.
func (l *List[T]) Changes() []ChangeEvent[T] {
	if len(l.changes) == 0 {
		return nil
	}
	return slices.Clone(l.changes)
}

// Pending reports the number of unflushed change events.
func (l *List[T]) Pending() int {
	return len(l.changes)
}

// IsDirty reports whether the change log should be flushed now.
func (l *List[T]) IsDirty() bool {
	if len(l.changes) == 0 {
		return false
	}
	rate := l.settings.SendTickrate
	if rate == 0 {
		return true
	}
	if rate < 0 {
		return false
	}
	if l.lastSynced.IsZero() {
		return true
	}
	return l.clock.Now().Sub(l.lastSynced).Seconds() >= 1/rate
}

// ResetDirty clears the change log and stamps the sync time. Call it once the
// delta has been sent to every entitled observer.
func (l *List[T]) ResetDirty() {
	l.changes = l.changes[:0]
	l.lastSynced = l.clock.Now()
}

// LastSyncedTime reports when ResetDirty last ran.
func (l *List[T]) LastSyncedTime() time.Time {
	return l.lastSynced
}

func (l *List[T]) authoritative() bool {
	return l.authority.IsAuthoritative()
}

func (l *List[T]) notify(event ChangeEvent[T]) {
	if len(l.listeners) == 0 {
		return
	}
	for _, entry := range slices.Clone(l.listeners) {
		entry.fn(event)
	}
}
