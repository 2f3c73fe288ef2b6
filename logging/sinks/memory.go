package sinks

import (
	"context"
	"slices"
	"sync"

	"netreplica/logging"
)

// Memory keeps every event in publication order. It is also a synchronous
// logging.Publisher, so components can be observed without a router.
type Memory struct {
	mu     sync.Mutex
	events []logging.Event
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Write(event logging.Event) error {
	m.mu.Lock()
	m.events = append(m.events, logging.CloneEvent(event))
	m.mu.Unlock()
	return nil
}

func (m *Memory) Publish(_ context.Context, event logging.Event) {
	m.Write(event)
}

func (m *Memory) Events() []logging.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

// OfType returns the retained events whose type is one of types.
func (m *Memory) OfType(types ...logging.EventType) []logging.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []logging.Event
	for _, event := range m.events {
		if slices.Contains(types, event.Type) {
			out = append(out, event)
		}
	}
	return out
}

// Count reports how many retained events have the given type.
func (m *Memory) Count(eventType logging.EventType) int {
	return len(m.OfType(eventType))
}

func (m *Memory) Reset() {
	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
}

func (m *Memory) Close(context.Context) error {
	return nil
}
