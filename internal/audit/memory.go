package audit

import (
	"context"
	"sync"
)

// Memory is a Sink that retains events in memory, used by tests.
type Memory struct {
	mu     sync.Mutex
	Events []Event
}

// NewMemory returns an empty in-memory Sink.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(_ context.Context, e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, e)
}

// All returns a snapshot of recorded events.
func (m *Memory) All() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.Events))
	copy(out, m.Events)
	return out
}
